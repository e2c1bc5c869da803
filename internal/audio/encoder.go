// Package audio frames synthesized speech as a self-describing byte stream:
// an ASCII header "SR:<rate>\n" once, then raw float32 little-endian mono
// samples with no further delimiters.
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/kalambet/storyd/internal/speech"
)

// ErrInvalidInput is returned for an empty synthesis request.
var ErrInvalidInput = errors.New("invalid input")

// HeaderPrefix starts every stream.
const HeaderPrefix = "SR:"

// FrameWriter receives encoded frames in order. A frame is the unit handed to
// the transport: one HTTP write plus flush, or one websocket message.
// WriteFrame must not retain p after it returns.
type FrameWriter interface {
	WriteFrame(p []byte) error
}

// Encoder wraps a Synthesizer's sample stream into frames.
type Encoder struct {
	synth        speech.Synthesizer
	defaultVoice string
	logger       *slog.Logger
}

// NewEncoder creates an Encoder. A nil synth makes every Encode fail with
// speech.ErrUnavailable.
func NewEncoder(synth speech.Synthesizer, defaultVoice string) *Encoder {
	return &Encoder{
		synth:        synth,
		defaultVoice: defaultVoice,
		logger:       slog.Default(),
	}
}

// Available reports whether a synthesis engine is attached.
func (e *Encoder) Available() bool {
	return e.synth != nil
}

// Encode synthesizes text and writes the framed stream to w. The first frame
// is the header followed by the first batch; later frames carry samples only.
// It returns the number of frames written, so callers can tell a failure
// before any output from one in the middle of the stream.
func (e *Encoder) Encode(ctx context.Context, text, voice string, w FrameWriter) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("%w: text must not be empty", ErrInvalidInput)
	}
	if e.synth == nil {
		return 0, speech.ErrUnavailable
	}
	if voice == "" {
		voice = e.defaultVoice
	}

	stream, err := e.synth.CreateStream(ctx, text, voice)
	if err != nil {
		return 0, fmt.Errorf("starting synthesis: %w", err)
	}
	defer stream.Close()

	frames := 0
	rate := 0
	var buf []byte
	for {
		batch, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("synthesizing batch %d: %w", frames, err)
		}

		buf = buf[:0]
		if frames == 0 {
			rate = batch.SampleRate
			buf = AppendHeader(buf, rate)
		} else if batch.SampleRate != rate {
			e.logger.Warn("sample rate changed mid-stream", "header_rate", rate, "batch_rate", batch.SampleRate)
		}
		buf = AppendSamples(buf, batch.Samples)

		if err := w.WriteFrame(buf); err != nil {
			return frames, fmt.Errorf("writing frame %d: %w", frames, err)
		}
		frames++
	}
}

// AppendHeader appends "SR:<rate>\n" to dst.
func AppendHeader(dst []byte, rate int) []byte {
	dst = append(dst, HeaderPrefix...)
	dst = strconv.AppendInt(dst, int64(rate), 10)
	return append(dst, '\n')
}

// AppendSamples appends samples to dst as float32 little-endian.
func AppendSamples(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(s))
	}
	return dst
}
