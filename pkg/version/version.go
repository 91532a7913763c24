// Package version carries build metadata stamped in via -ldflags.
package version

import "runtime"

// Build metadata, overridden at link time:
//
//	go build -ldflags "-X .../pkg/version.Version=v1.2.3 -X .../pkg/version.GitHash=abc123"
var (
	// Version is the semantic version of the binary.
	Version = "dev"

	// GitHash is the Git hash the binary was built from.
	GitHash = "<unknown>"

	// BuildDate is the UTC build timestamp.
	BuildDate = "<unknown>"
)

// String returns the human-readable version line.
func String() string {
	return Version + " (" + GitHash + ", " + runtime.Version() + ")"
}
