// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package version exposes the build version stamped in by the Go linker.
package version

// version is populated by the Go linker via -ldflags "-X ...".
var version string

// Parse returns the build version, or "dev" for unofficial builds made
// without the release tooling.
func Parse() string {
	if version == "" {
		return "dev"
	}
	return version
}
