// Package version identifies the running herdsync build. Release builds set
// Version, Revision and BuildDate with -ldflags "-X"; any other build falls
// back to the module and VCS metadata the go tool embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const (
	AppName = "herdsync"

	devVersion  = "0.1.0-dev"
	devRevision = "HEAD"
)

var (
	Version   = devVersion
	Revision  = devRevision
	BuildDate = ""
)

func init() {
	info, _ := debug.ReadBuildInfo()
	fromBuildInfo(info)
	if BuildDate == "" {
		BuildDate = time.Now().UTC().Format(time.RFC3339)
	}
}

// fromBuildInfo only touches values still at their dev defaults.
func fromBuildInfo(info *debug.BuildInfo) {
	if info == nil {
		return
	}

	var rev, vcsTime string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.time":
			vcsTime = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}

	if main := info.Main.Version; Version == devVersion && main != "" && main != "(devel)" {
		Version = strings.TrimPrefix(main, "v")
	}
	if Revision == devRevision && rev != "" {
		if dirty {
			rev += "-dirty"
		}
		Revision = rev
	}
	if BuildDate == "" {
		BuildDate = vcsTime
	}
}

func Short() string {
	return Version + " (" + Revision + ")"
}

// Detailed adds toolchain, platform and build date to Short.
func Detailed() string {
	return fmt.Sprintf("%s (%s; %s; %s/%s; %s)", Version, Revision, runtime.Version(), runtime.GOOS, runtime.GOARCH, BuildDate)
}

func UserAgent() string {
	return fmt.Sprintf("%s/%s (%s; %s/%s)", AppName, Version, Revision, runtime.GOOS, runtime.GOARCH)
}
