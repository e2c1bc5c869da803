package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

// WhisperClient posts audio to a whisper.cpp server's /inference endpoint.
type WhisperClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewWhisperClient creates a client for the server at baseURL.
func NewWhisperClient(baseURL string) *WhisperClient {
	return &WhisperClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// DialWhisper creates a client and verifies the server answers its health
// check.
func DialWhisper(ctx context.Context, baseURL string) (*WhisperClient, error) {
	c := NewWhisperClient(baseURL)
	if err := healthCheck(ctx, c.httpClient, c.baseURL+"/health"); err != nil {
		return nil, err
	}
	return c, nil
}

type inferenceResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads audio as the multipart field "file" and returns the
// recognized text with surrounding whitespace removed.
func (c *WhisperClient) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	if filename == "" {
		filename = "audio.wav"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return "", fmt.Errorf("copying audio: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("writing response_format: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/inference", &buf)
	if err != nil {
		return "", fmt.Errorf("creating inference request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("inference: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding inference response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}
