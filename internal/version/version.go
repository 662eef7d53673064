// Package version holds build metadata injected with -ldflags.
package version

import "fmt"

// Build metadata. Overridden at build time, e.g.
// -X github.com/bissquit/biwatch/internal/version.Version=1.2.0
var (
	Version   = "0.0.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns the build metadata as served by the /version endpoint.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     GitCommit,
		"build_date": BuildDate,
	}
}

// String formats the build metadata for CLI output.
func String() string {
	return fmt.Sprintf("biwatch %s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
