// Package version reports the daemon's release and build identity.
package version

import (
	"runtime/debug"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Overridden at link time:
//
//	go build -ldflags "-X github.com/standardbeagle/symvead/internal/version.Commit=$(git rev-parse HEAD)"
var (
	Version   = "0.1.0"
	Commit    = ""
	BuildDate = ""
)

// String is the version line shown by --version.
func String() string {
	s := Version
	if c := commit(); c != "" {
		if len(c) > 12 {
			c = c[:12]
		}
		s += " (" + c
		if BuildDate != "" {
			s += ", " + BuildDate
		}
		s += ")"
	}
	return s
}

func commit() string {
	if Commit != "" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				return s.Value
			}
		}
	}
	return ""
}

var (
	buildID     string
	buildIDOnce sync.Once
)

// BuildID fingerprints the running binary. A client comparing it with its
// own can tell that the daemon it reached was started from another build.
func BuildID() string {
	buildIDOnce.Do(func() {
		buildID = computeBuildID()
	})
	return buildID
}

func computeBuildID() string {
	d := xxhash.New()
	_, _ = d.WriteString(Version)
	_, _ = d.WriteString(Commit)

	if info, ok := debug.ReadBuildInfo(); ok {
		_, _ = d.WriteString(info.GoVersion)
		_, _ = d.WriteString(info.Main.Path)
		_, _ = d.WriteString(info.Main.Version)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision", "vcs.modified", "vcs.time":
				_, _ = d.WriteString(s.Key + "=" + s.Value)
			}
		}
	}
	return strconv.FormatUint(d.Sum64(), 16)
}
