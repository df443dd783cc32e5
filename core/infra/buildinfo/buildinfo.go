// Package buildinfo carries version stamps injected at link time, e.g.
// -ldflags "-X github.com/laptopdesk/backplane/core/infra/buildinfo.Version=1.4.0".
package buildinfo

import (
	"fmt"
	"runtime"

	"github.com/laptopdesk/backplane/core/infra/logging"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Fields returns the build stamps as a JSON-friendly map for /health style
// endpoints.
func Fields() map[string]string {
	return map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
		"go":      runtime.Version(),
	}
}

// Log writes the build summary with the service name.
func Log(service string) {
	logging.Info(service, "starting", "version", Version, "commit", Commit, "date", Date)
}
