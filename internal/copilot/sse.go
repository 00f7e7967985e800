// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package copilot

import (
	"bufio"
	"bytes"
	"io"
)

// doneSentinel terminates OpenAI-style SSE streams.
var doneSentinel = []byte("[DONE]")

// SSEEvent is one parsed server-sent event. Name is empty for OpenAI-style
// streams that only use data lines.
type SSEEvent struct {
	Name string
	Data []byte
}

// Done reports whether the event is the [DONE] sentinel.
func (e SSEEvent) Done() bool {
	return bytes.Equal(e.Data, doneSentinel)
}

// SSEScanner splits a text/event-stream body into events. Multiple data lines
// within one event are concatenated, per the SSE specification.
type SSEScanner struct {
	scanner *bufio.Scanner
	event   SSEEvent
	err     error
}

// NewSSEScanner wraps r. The line buffer allows events up to 10 MB, large
// enough for any single model chunk.
func NewSSEScanner(r io.Reader) *SSEScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 10*1024*1024)
	return &SSEScanner{scanner: sc}
}

// Next advances to the next event. It returns false at end of stream or on
// error; check Err afterwards.
func (s *SSEScanner) Next() bool {
	var name string
	var data []byte
	seen := false
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			if seen {
				s.event = SSEEvent{Name: name, Data: data}
				return true
			}
			continue
		}
		if after, ok := bytes.CutPrefix(line, []byte("event:")); ok {
			name = string(bytes.TrimSpace(after))
			seen = true
		} else if after, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data = append(data, bytes.TrimSpace(after)...)
			seen = true
		}
		// Comment and id lines are ignored.
	}
	s.err = s.scanner.Err()
	if seen && s.err == nil {
		// Stream ended without a trailing blank line.
		s.event = SSEEvent{Name: name, Data: data}
		return true
	}
	return false
}

// Event returns the event parsed by the last successful Next.
func (s *SSEScanner) Event() SSEEvent {
	return s.event
}

// Err returns the first error encountered while reading.
func (s *SSEScanner) Err() error {
	return s.err
}
