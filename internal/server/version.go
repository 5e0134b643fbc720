package server

// Set at build time:
// go build -ldflags "-X github.com/markus-barta/bulkrelay/internal/server.Version=$(cat VERSION)"
var (
	// Version is the semantic version. "dev" for local builds.
	Version = "dev"

	GitCommit = "unknown"

	BuildTime = "unknown"
)

// VersionInfo returns a formatted version string for display
func VersionInfo() string {
	if GitCommit != "unknown" && len(GitCommit) > 7 {
		return Version + " (" + GitCommit[:7] + ")"
	}
	return Version
}
