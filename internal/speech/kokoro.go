package speech

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// SampleRateHeader carries the stream's sample rate on synthesis replies.
	SampleRateHeader = "X-Sample-Rate"

	defaultBatchSamples = 4800
	healthTimeout       = 5 * time.Second
)

// KokoroClient talks to a synthesis sidecar that streams raw float32
// little-endian mono PCM for POST /v1/audio/stream.
type KokoroClient struct {
	baseURL      string
	httpClient   *http.Client
	batchSamples int
}

// NewKokoroClient creates a client for the sidecar at baseURL. Each batch
// returned by a stream holds at most batchSamples samples.
func NewKokoroClient(baseURL string, batchSamples int) *KokoroClient {
	if batchSamples <= 0 {
		batchSamples = defaultBatchSamples
	}
	return &KokoroClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{},
		batchSamples: batchSamples,
	}
}

// DialKokoro creates a client and verifies the sidecar answers its health
// check.
func DialKokoro(ctx context.Context, baseURL string, batchSamples int) (*KokoroClient, error) {
	c := NewKokoroClient(baseURL, batchSamples)
	if err := c.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// HealthCheck returns nil if GET /health answers 200.
func (c *KokoroClient) HealthCheck(ctx context.Context) error {
	return healthCheck(ctx, c.httpClient, c.baseURL+"/health")
}

type synthesisRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// CreateStream starts a synthesis and returns once the sidecar has answered
// with its sample rate. Samples are read from the body as Next is called.
func (c *KokoroClient) CreateStream(ctx context.Context, text, voice string) (SampleStream, error) {
	body, err := json.Marshal(synthesisRequest{Text: text, Voice: voice})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("synthesis: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	rate, err := strconv.Atoi(resp.Header.Get(SampleRateHeader))
	if err != nil || rate <= 0 {
		resp.Body.Close()
		return nil, fmt.Errorf("synthesis: invalid %s header %q", SampleRateHeader, resp.Header.Get(SampleRateHeader))
	}

	return &pcmStream{
		body: resp.Body,
		rate: rate,
		buf:  make([]byte, c.batchSamples*4),
	}, nil
}

// pcmStream cuts a float32 LE body into batches.
type pcmStream struct {
	body io.ReadCloser
	rate int
	buf  []byte
}

func (s *pcmStream) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	n, err := io.ReadFull(s.body, s.buf)
	switch {
	case errors.Is(err, io.EOF):
		return Batch{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		// Final short batch; a trailing partial sample is dropped.
		n -= n % 4
		if n == 0 {
			return Batch{}, io.EOF
		}
	case err != nil:
		return Batch{}, fmt.Errorf("reading synthesized audio: %w", err)
	}
	return Batch{Samples: decodeFloat32LE(s.buf[:n]), SampleRate: s.rate}, nil
}

func (s *pcmStream) Close() error {
	return s.body.Close()
}

func decodeFloat32LE(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func healthCheck(ctx context.Context, client *http.Client, url string) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating health request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: unexpected status %d", resp.StatusCode)
	}
	return nil
}
