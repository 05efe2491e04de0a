// Package version carries build metadata injected at link time via
// -ldflags "-X".
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)
