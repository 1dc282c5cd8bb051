package version

import "fmt"

var (
	// Version contains the current version of onusyncd
	Version = "dev"

	// CommitHash contains the current git commit hash
	CommitHash = "unknown"

	// BuildTime contains the time of build
	BuildTime = "unknown"
)

func String() string {
	return fmt.Sprintf("onusyncd version %s (commit: %s, built at: %s)", Version, CommitHash, BuildTime)
}
