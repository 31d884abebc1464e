package buildinfo

import (
	"fmt"

	"github.com/cordum/remotecache/core/infra/logging"
)

// Set at link time with -ldflags "-X .../buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log writes the build summary with the service name.
func Log(service string) {
	logging.Info(service, "build", "version", Version, "commit", Commit, "date", Date)
}
