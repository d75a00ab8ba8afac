// Package version holds build-time version information for the docindex
// binary. The variables are populated via -ldflags:
//
//	go build -ldflags="-X github.com/54b3r/docindex-go/internal/version.Version=v1.2.3 \
//	                    -X github.com/54b3r/docindex-go/internal/version.Commit=abc1234 \
//	                    -X github.com/54b3r/docindex-go/internal/version.BuildDate=2026-01-01"
//
// Without ldflags the values fall back to "dev" and "unknown".
package version

import (
	"fmt"
	"runtime/debug"
)

// Version is the semantic version of the binary (e.g. "v1.2.3").
var Version = "dev"

// Commit is the short git SHA of the commit the binary was built from.
var Commit = "unknown"

// BuildDate is the UTC date the binary was built (RFC3339 format).
var BuildDate = "unknown"

// String renders the version line printed by `docindex version`. When
// Commit was not injected, the VCS revision recorded by the Go toolchain is
// used if present.
func String() string {
	commit := Commit
	if commit == "unknown" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" && len(s.Value) >= 7 {
					commit = s.Value[:7]
				}
			}
		}
	}
	return fmt.Sprintf("docindex %s (commit: %s, built: %s)", Version, commit, BuildDate)
}
