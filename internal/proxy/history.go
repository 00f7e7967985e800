// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// HistoryEntry is one recorded exchange. Bodies are stored as raw JSON so
// the history endpoint can replay exactly what was seen.
type HistoryEntry struct {
	ID         string    `json:"id"`
	Endpoint   string    `json:"endpoint"`
	Model      string    `json:"model,omitempty"`
	Status     int       `json:"status"`
	Streamed   bool      `json:"streamed,omitempty"`
	Compacted  bool      `json:"compacted,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// History is a bounded in-memory log of served requests. A limit of zero
// keeps everything. The zero value is unusable; use NewHistory. A nil
// *History is a no-op recorder so callers need no enabled checks.
type History struct {
	mu      sync.Mutex
	limit   int
	entries []HistoryEntry
}

// NewHistory creates a History keeping at most limit entries, 0 = unlimited.
func NewHistory(limit int) *History {
	return &History{limit: limit}
}

// Record appends an entry, assigning its ID, and evicts the oldest entries
// beyond the limit.
func (h *History) Record(e HistoryEntry) {
	if h == nil {
		return
	}
	e.ID = uuid.NewString()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	if h.limit > 0 && len(h.entries) > h.limit {
		h.entries = h.entries[len(h.entries)-h.limit:]
	}
}

// Snapshot returns a copy of the recorded entries, oldest first.
func (h *History) Snapshot() []HistoryEntry {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryEntry(nil), h.entries...)
}
