// Package framing parses a byte stream into newline-delimited JSON
// messages and encodes replies as single compact lines.
package framing

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/agentctl/agentd/pkg/log"
)

// DefaultMaxPending is the cumulative-byte ceiling between successful
// parses. A connection that feeds this much without producing a single
// valid message is considered hostile or broken.
const DefaultMaxPending = 1 << 20

// Framer accumulates bytes and dispatches one callback per complete
// JSON line. Malformed lines are logged and skipped; they never abort
// the stream.
type Framer struct {
	buf        bytes.Buffer
	pending    int
	maxPending int
}

// NewFramer returns a framer with the default pending-byte guard.
func NewFramer() *Framer {
	return &Framer{maxPending: DefaultMaxPending}
}

// NewFramerWithLimit returns a framer with a custom pending-byte guard.
// A limit of 0 disables the guard.
func NewFramerWithLimit(limit int) *Framer {
	return &Framer{maxPending: limit}
}

// Feed appends data to the rolling buffer and invokes fn once per
// complete, parseable line. The pending-byte counter resets on every
// successful dispatch, so a chatty-but-valid connection never trips it.
func (f *Framer) Feed(data []byte, fn func(json.RawMessage)) error {
	f.buf.Write(data)
	f.pending += len(data)

	for {
		line, err := f.buf.ReadBytes('\n')
		if err != nil {
			// No complete line yet; keep the partial tail.
			f.buf.Write(line)
			break
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			logger := log.WithComponent("framing")
			logger.Warn().
				Int("bytes", len(line)).
				Msg("skipping malformed frame")
			continue
		}
		f.pending = 0
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		fn(raw)
	}

	if f.maxPending > 0 && f.pending > f.maxPending {
		return fmt.Errorf("no valid frame in %d bytes (limit %d)", f.pending, f.maxPending)
	}
	return nil
}

// Encode marshals v as one compact JSON line terminated by '\n'.
// Embedded newlines in string fields are escaped by the encoder and
// never appear raw in the output.
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return append(data, '\n'), nil
}
