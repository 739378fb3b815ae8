// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build version of bureau-e2ee.
//
// The variables below are injected at build time with -ldflags, for
// example:
//
//	go build -ldflags "-X github.com/bureau-foundation/e2ee/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Development builds and tests see the defaults.
package version

import (
	"fmt"
	"io"
	"runtime"
)

var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty is "true" when the tree had uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version, set for releases.
	Version = "0.1.0-dev"
)

// Info returns "version (commit[-dirty], build time)" for --version.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full is Info plus the Go toolchain and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns the bare version number.
func Short() string { return Version }

// Commit returns the git SHA.
func Commit() string { return GitCommit }

// Print writes "program Full()" to w. Commands call it for --version.
func Print(w io.Writer, program string) {
	fmt.Fprintf(w, "%s %s\n", program, Full())
}
