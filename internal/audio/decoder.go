package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Decode reads a complete framed stream. It is the inverse of Encode and is
// used by the CLI client.
func Decode(r io.Reader) (rate int, samples []float32, err error) {
	br := bufio.NewReader(r)
	line, err := br.ReadString('\n')
	if err != nil {
		return 0, nil, fmt.Errorf("reading header: %w", err)
	}
	if !strings.HasPrefix(line, HeaderPrefix) {
		return 0, nil, fmt.Errorf("malformed header %q", line)
	}
	rate, err = strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(line, HeaderPrefix), "\n"))
	if err != nil || rate <= 0 {
		return 0, nil, fmt.Errorf("malformed sample rate in header %q", line)
	}

	var word [4]byte
	for {
		_, err := io.ReadFull(br, word[:])
		if errors.Is(err, io.EOF) {
			return rate, samples, nil
		}
		if err != nil {
			return rate, samples, fmt.Errorf("reading samples: %w", err)
		}
		samples = append(samples, math.Float32frombits(binary.LittleEndian.Uint32(word[:])))
	}
}
