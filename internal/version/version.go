// Package version carries the relay's build identity, stamped at link time:
//
//	go build -ldflags "-X github.com/convolog/relay/internal/version.Version=v0.3.0 \
//	  -X github.com/convolog/relay/internal/version.Commit=$(git rev-parse --short HEAD)"
package version

import "fmt"

var (
	// Version is the release tag, or a dev placeholder on local builds.
	Version = "0.0.0-dev"
	// Commit is the short git hash the binary was built from.
	Commit = "unknown"
)

// String renders the build identity as reported by the version subcommand,
// the startup log line, and telemetry resource attributes.
func String() string {
	return fmt.Sprintf("%s+%s", Version, Commit)
}
