package config

// Set with -ldflags "-X evictguard/internal/config.version=... -X ...commit=... -X ...buildTime=...".
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo returns the metadata stamped into the binary at link time.
func NewBuildInfo() BuildInfo {
	return BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
}
