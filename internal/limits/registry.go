// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package limits holds the dynamic payload limits the gateway learns from
// upstream rejections. Limits only ever tighten; a later, larger report never
// raises an already latched value.
package limits

import (
	"sync"
)

const (
	// MinByteLimit floors the latched byte limit so a pathological 413 on a
	// small payload cannot starve all future requests.
	MinByteLimit = 100 * 1024

	// DefaultSafetyMarginPercent is subtracted from every effective token
	// limit to absorb tokenizer drift. Empirical, see Registry.SafetyMarginPercent.
	DefaultSafetyMarginPercent = 2.0
)

// Registry is the process-wide cache of learned limits. Reads vastly outnumber
// writes; writes happen only on upstream 413/token-limit feedback.
type Registry struct {
	mu sync.RWMutex

	// byteLimit is 0 until a 413 latches it.
	byteLimit int
	// tokenLimits maps model id to the latched effective token limit.
	tokenLimits map[string]int

	// SafetyMarginPercent shrinks effective token limits by this much.
	SafetyMarginPercent float64
}

// NewRegistry creates a Registry with the default safety margin.
func NewRegistry() *Registry {
	return &Registry{
		tokenLimits:         make(map[string]int),
		SafetyMarginPercent: DefaultSafetyMarginPercent,
	}
}

// ByteLimit returns the latched byte limit and whether one is known.
func (r *Registry) ByteLimit() (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byteLimit, r.byteLimit > 0
}

// LatchByteLimit records that a payload of failingBytes was rejected as too
// large. The limit becomes max(MinByteLimit, 90% of the failing size) and only
// ever decreases.
func (r *Registry) LatchByteLimit(failingBytes int) int {
	limit := failingBytes * 9 / 10
	if limit < MinByteLimit {
		limit = MinByteLimit
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byteLimit == 0 || limit < r.byteLimit {
		r.byteLimit = limit
	}
	return r.byteLimit
}

// TokenLimit returns the effective token limit for the model: the latched
// limit if one exists, else fallback, with the safety margin applied.
func (r *Registry) TokenLimit(modelID string, fallback int) int {
	r.mu.RLock()
	limit, ok := r.tokenLimits[modelID]
	margin := r.SafetyMarginPercent
	r.mu.RUnlock()
	if !ok {
		limit = fallback
	}
	if limit <= 0 {
		return 0
	}
	return limit - int(float64(limit)*margin/100.0)
}

// LatchTokenLimit records an upstream-reported token limit for the model. The
// stored value becomes floor(95% of reported) and only ever decreases.
func (r *Registry) LatchTokenLimit(modelID string, reported int) int {
	latched := reported * 95 / 100
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tokenLimits[modelID]; !ok || latched < existing {
		r.tokenLimits[modelID] = latched
	}
	return r.tokenLimits[modelID]
}

// Snapshot returns a copy of the current state for introspection.
func (r *Registry) Snapshot() (byteLimit int, tokenLimits map[string]int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tokenLimits = make(map[string]int, len(r.tokenLimits))
	for k, v := range r.tokenLimits {
		tokenLimits[k] = v
	}
	return r.byteLimit, tokenLimits
}
