// Package appversion reports the codehook version.
package appversion

import "runtime/debug"

// version is set at build time via -ldflags "-X codehook/internal/appversion.version=...".
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the release version, or "dev" plus the short VCS
// revision for untagged builds.
func String() string {
	if version != "dev" {
		return version
	}
	if rev := revision(); rev != "" {
		return "dev+" + rev
	}
	return version
}

func revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev != "" && dirty {
		rev += "-dirty"
	}
	return rev
}
