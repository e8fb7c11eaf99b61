// Package version reports the controller's build identity.
package version

// Version and GitHash are set at build time via -ldflags.
var (
	Version = "dev"
	GitHash = ""
)
