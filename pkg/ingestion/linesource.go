package ingestion

import (
	"bufio"
	"context"
	"io"
)

// LineSource is a BackfillSource that reads one raw event payload per line
// from a newline-delimited JSON file, skipping blank lines.
type LineSource struct {
	scanner *bufio.Scanner
}

// NewLineSource wraps r as a BackfillSource.
func NewLineSource(r io.Reader) *LineSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &LineSource{scanner: scanner}
}

// Next returns the next non-blank line as a payload.
func (s *LineSource) Next(_ context.Context) ([]byte, bool, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, true, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}
