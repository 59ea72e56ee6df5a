package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// UserAgent is the default outbound User-Agent.
func UserAgent() string {
	return "arbscan/" + Version
}

// String renders the build stamp on one line.
func String() string {
	return fmt.Sprintf("arbscan %s (commit %s, built %s, %s)", Version, Commit, BuildDate, runtime.Version())
}
