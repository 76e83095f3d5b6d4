package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// Version is the tollgate release, set at build time with
	// -ldflags "-X github.com/MEKXH/tollgate/internal/version.Version=v1.2.3".
	// Falls back to the module version embedded by go install.
	Version = "dev"
	// Commit is the VCS revision, filled from build info when available.
	Commit = ""
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	if Commit == "" {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 7 {
				Commit = s.Value[:7]
			}
		}
	}
}

// String describes the build for `tollgate version`.
func String() string {
	if Commit == "" {
		return fmt.Sprintf("tollgate %s (%s)", Version, runtime.Version())
	}
	return fmt.Sprintf("tollgate %s (%s, %s)", Version, Commit, runtime.Version())
}
