// Package speech defines the synthesis and transcription capabilities the
// gateway consumes, and HTTP clients for the sidecar engines that provide them.
package speech

import (
	"context"
	"errors"
	"io"
)

// ErrUnavailable is returned when an engine failed to initialize.
var ErrUnavailable = errors.New("speech engine unavailable")

// Batch is one slice of mono float32 samples produced by a synthesizer.
type Batch struct {
	Samples    []float32
	SampleRate int
}

// SampleStream yields synthesized batches in playback order. Next returns
// io.EOF after the last batch.
type SampleStream interface {
	Next(ctx context.Context) (Batch, error)
	Close() error
}

// Synthesizer turns text into a lazily produced SampleStream.
type Synthesizer interface {
	CreateStream(ctx context.Context, text, voice string) (SampleStream, error)
}

// Transcriber turns recorded audio into text. filename is a hint for the
// container format.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}
