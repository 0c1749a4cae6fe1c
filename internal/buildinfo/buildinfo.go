// Package buildinfo exposes the version identity stamped at link time.
package buildinfo

import "runtime"

// Set via -ldflags "-X optiq/internal/buildinfo.Version=..." at build time.
var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

func Info() map[string]string {
	return map[string]string{
		"version": Version,
		"commit":  Commit,
		"builtAt": BuiltAt,
		"go":      runtime.Version(),
	}
}
