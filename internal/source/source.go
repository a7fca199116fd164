// Package source feeds raw host events into the pipeline. The agent reads
// newline-delimited JSON from its input stream; an embedding host would
// instead call the pipeline's capture callback directly.
package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mkowalik/nbpulse/internal/errclass"
	"github.com/mkowalik/nbpulse/internal/event"
	"github.com/mkowalik/nbpulse/internal/logging"
)

// maxLineBytes bounds a single raw event line.
const maxLineBytes = 1 << 20

// Capturer receives raw host events. *dispatch.Pipeline satisfies it.
type Capturer interface {
	Capture(raw event.Raw)
}

// Sink receives classified parse failures. *errclass.Classifier satisfies it.
type Sink interface {
	Handle(err error, category errclass.Category, severity errclass.Severity, context string, metadata map[string]interface{}) error
}

// Reader parses NDJSON raw events from an input stream. Malformed lines
// are recovered locally: classified, counted, skipped.
type Reader struct {
	in       io.Reader
	capturer Capturer
	errors   Sink
}

// NewReader creates a source reader. errors may be nil.
func NewReader(in io.Reader, capturer Capturer, errors Sink) *Reader {
	return &Reader{in: in, capturer: capturer, errors: errors}
}

// Run consumes the stream until EOF or context cancellation. It returns
// nil on EOF; a read error is returned to the caller.
func (r *Reader) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	lines := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines++

		var raw event.Raw
		if err := json.Unmarshal(line, &raw); err != nil {
			if r.errors != nil {
				_ = r.errors.Handle(fmt.Errorf("line %d: %w", lines, err),
					errclass.CategoryCellProcessing, errclass.SeverityLow, "event parse", nil)
			}
			continue
		}
		r.capturer.Capture(raw)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	logging.Info("event stream closed", logging.F("lines", lines))
	return nil
}
