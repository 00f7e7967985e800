// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package translator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/yduwcui/copilot-gateway/internal/copilot"
)

// familyAliases are the short model names clients may send in place of a
// full model id.
var familyAliases = map[string]bool{
	"opus":   true,
	"sonnet": true,
	"haiku":  true,
}

// datedModel matches ids of the form claude-<family>-<major>[-<minor>]-YYYYMMDD.
var datedModel = regexp.MustCompile(`^claude-([a-z]+)-(\d+)(?:-(\d+))?-\d{8}$`)

// NormalizeModelName resolves short family aliases to the latest-versioned
// matching model and strips the date suffix from dated variants. Unknown
// names pass through unchanged.
func NormalizeModelName(name string, models []copilot.Model) string {
	if familyAliases[name] {
		if id := latestForFamily(name, models); id != "" {
			return id
		}
		return name
	}
	if m := datedModel.FindStringSubmatch(name); m != nil {
		family, major, minor := m[1], m[2], m[3]
		if minor != "" {
			return fmt.Sprintf("claude-%s-%s.%s", family, major, minor)
		}
		return fmt.Sprintf("claude-%s-%s", family, major)
	}
	return name
}

// latestForFamily picks the model whose id starts with "claude-<family>-"
// and carries the highest major[.minor] version suffix.
func latestForFamily(family string, models []copilot.Model) string {
	prefix := "claude-" + family + "-"
	var bestID string
	var bestVersion float64 = -1
	for i := range models {
		id := models[i].ID
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimPrefix(id, prefix), 64)
		if err != nil {
			continue
		}
		if v > bestVersion {
			bestVersion = v
			bestID = id
		}
	}
	return bestID
}
