// Package version exposes build metadata injected via linker flags
// (-ldflags "-X github.com/dataforge/kernel/pkg/version.Version=...").
package version

// These are overridden at build time; the zero values identify a
// development build run directly from source.
var (
	Version    = "dev"
	CommitHash = "none"
	BuildDate  = "unknown"
)

// Info bundles the build metadata for display.
type Info struct {
	Version    string
	CommitHash string
	BuildDate  string
}

// Get returns the current build's version info.
func Get() Info {
	return Info{Version: Version, CommitHash: CommitHash, BuildDate: BuildDate}
}
