// Package version exposes the build version, overridden at link time via
// -ldflags "-X github.com/synckairos/synckairos/pkg/version.Version=...".
package version

// Version is the server version string.
var Version = "dev"
