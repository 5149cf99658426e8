package config

import "fmt"

// Build information, set at build time using ldflags.
var (
	// BuildVersion is the version of the current mpkg build.
	BuildVersion = "unknown"
	// BuildCommit is the VCS commit the binary was built from.
	BuildCommit = "unknown"
)

// GetBuildInfo returns a human-readable string identifying this build, used
// by the `mpkg --version` flag.
func GetBuildInfo() string {
	return fmt.Sprintf("mpkg %s (%s)", BuildVersion, BuildCommit)
}
