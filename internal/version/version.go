package version

import "fmt"

// Set at build time with -ldflags "-X".
var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build information for --version output and logs.
func String() string {
	return fmt.Sprintf("battery-report %s (%s, built %s)", Version, GitSHA, BuildTime)
}
