// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package translator

import (
	"crypto/sha256"
	"encoding/hex"
)

// maxToolNameLength is the upstream limit on OpenAI function names.
const maxToolNameLength = 64

// ToolNameMap remembers the original⇄truncated tool name pairs for the
// lifetime of one request so responses can restore the names the client sent.
// It is not safe for concurrent use; each request owns its own map.
type ToolNameMap struct {
	toTruncated map[string]string
	toOriginal  map[string]string
}

// NewToolNameMap creates an empty mapping.
func NewToolNameMap() *ToolNameMap {
	return &ToolNameMap{
		toTruncated: make(map[string]string),
		toOriginal:  make(map[string]string),
	}
}

// Truncate returns a name that fits the upstream limit. Names within the
// limit pass through untouched. Longer names are replaced deterministically
// by their first 55 characters plus "_" and an 8-character hash suffix, and
// the pair is remembered for Restore.
func (m *ToolNameMap) Truncate(name string) string {
	if len(name) <= maxToolNameLength {
		return name
	}
	if truncated, ok := m.toTruncated[name]; ok {
		return truncated
	}
	sum := sha256.Sum256([]byte(name))
	truncated := name[:maxToolNameLength-9] + "_" + hex.EncodeToString(sum[:])[:8]
	m.toTruncated[name] = truncated
	m.toOriginal[truncated] = name
	return truncated
}

// Restore maps a truncated name back to the original. Unknown names pass
// through unchanged.
func (m *ToolNameMap) Restore(name string) string {
	if original, ok := m.toOriginal[name]; ok {
		return original
	}
	return name
}
