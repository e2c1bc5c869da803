package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/storyd/internal/audio"
	"github.com/kalambet/storyd/internal/speech"
)

// maxAudioUploadSize bounds /stt and /asr bodies.
const maxAudioUploadSize = 25 << 20 // 25MB

const wsWriteTimeout = 10 * time.Second

type ttsRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// flushWriter sends each frame as one write followed by a flush so the client
// can start playback before synthesis finishes.
type flushWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func (f *flushWriter) WriteFrame(p []byte) error {
	if !f.started {
		f.w.Header().Set("Content-Type", "application/octet-stream")
		f.w.Header().Set("Cache-Control", "no-cache")
		f.started = true
	}
	if _, err := f.w.Write(p); err != nil {
		return err
	}
	return f.rc.Flush()
}

func handleTTSStream(enc *audio.Encoder) http.HandlerFunc {
	enc = orNoSynth(enc)
	return func(w http.ResponseWriter, r *http.Request) {
		var req ttsRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		fw := &flushWriter{w: w, rc: http.NewResponseController(w)}
		frames, err := enc.Encode(r.Context(), req.Text, req.Voice, fw)
		if err == nil {
			if frames == 0 {
				w.Header().Set("Content-Type", "application/octet-stream")
				w.WriteHeader(http.StatusOK)
			}
			return
		}

		if !fw.started {
			writeSpeechError(w, err)
			return
		}
		// The response is committed, either with samples already out or by
		// a first write that failed because the client went away. Dropping
		// the connection is the only way left to signal the truncation.
		slog.Warn("tts stream interrupted", "frames", frames, "error", err)
		panic(http.ErrAbortHandler)
	}
}

// orNoSynth substitutes an encoder without an engine, which answers every
// request with speech.ErrUnavailable.
func orNoSynth(enc *audio.Encoder) *audio.Encoder {
	if enc == nil {
		return audio.NewEncoder(nil, "")
	}
	return enc
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsFrameWriter sends each frame as one binary websocket message.
type wsFrameWriter struct {
	conn *websocket.Conn
}

func (f wsFrameWriter) WriteFrame(p []byte) error {
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteMessage(websocket.BinaryMessage, p)
}

// handleTTSWebSocket reads one {"text","voice"} request, answers with one
// binary message per frame and closes. Failures are reported in the close
// frame since the HTTP status is already spent on the upgrade.
func handleTTSWebSocket(enc *audio.Encoder) http.HandlerFunc {
	enc = orNoSynth(enc)
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote an HTTP error.
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxRequestBodySize)

		var req ttsRequest
		if err := conn.ReadJSON(&req); err != nil {
			closeWS(conn, websocket.CloseUnsupportedData, "invalid request")
			return
		}

		frames, err := enc.Encode(r.Context(), req.Text, req.Voice, wsFrameWriter{conn: conn})
		switch {
		case err == nil:
			closeWS(conn, websocket.CloseNormalClosure, "")
		case errors.Is(err, audio.ErrInvalidInput):
			closeWS(conn, websocket.ClosePolicyViolation, "text must not be empty")
		case errors.Is(err, speech.ErrUnavailable):
			closeWS(conn, websocket.CloseTryAgainLater, "speech synthesis unavailable")
		default:
			slog.Warn("tts websocket stream failed", "frames", frames, "error", err)
			closeWS(conn, websocket.CloseInternalServerErr, "synthesis failed")
		}
	}
}

func closeWS(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}

func handleSTT(t speech.Transcriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if t == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "speech recognition unavailable")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxAudioUploadSize)
		defer r.Body.Close()

		file, header, err := r.FormFile("audio")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "multipart field \"audio\" is required: %v", err)
			return
		}
		defer file.Close()

		transcribe(w, r, t, file, header.Filename)
	}
}

func handleASR(t speech.Transcriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if t == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "speech recognition unavailable")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxAudioUploadSize)
		defer r.Body.Close()

		transcribe(w, r, t, r.Body, "audio.wav")
	}
}

func transcribe(w http.ResponseWriter, r *http.Request, t speech.Transcriber, body io.Reader, filename string) {
	text, err := t.Transcribe(r.Context(), body, filename)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "audio exceeds %d bytes", maxErr.Limit)
			return
		}
		if errors.Is(err, speech.ErrUnavailable) {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "speech recognition unavailable")
			return
		}
		slog.Warn("transcription failed", "error", err)
		httpError(w, http.StatusBadGateway, "upstream_error", "transcription failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func writeSpeechError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, audio.ErrInvalidInput):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, speech.ErrUnavailable):
		httpError(w, http.StatusServiceUnavailable, "unavailable", "speech synthesis unavailable")
	default:
		slog.Warn("tts synthesis failed", "error", err)
		httpError(w, http.StatusBadGateway, "upstream_error", "synthesis failed: %v", err)
	}
}
