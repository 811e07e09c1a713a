package version

import (
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func resetBuild(t *testing.T, version, revision, date string) {
	t.Helper()
	v, r, d := Version, Revision, BuildDate
	t.Cleanup(func() { Version, Revision, BuildDate = v, r, d })
	Version, Revision, BuildDate = version, revision, date
}

func TestStrings(t *testing.T) {
	resetBuild(t, "1.2.3", "abc123", "2026-01-02T03:04:05Z")

	assert.Equal(t, "1.2.3 (abc123)", Short())
	assert.True(t, strings.HasPrefix(Detailed(), "1.2.3 (abc123; go"))
	assert.True(t, strings.HasSuffix(Detailed(), "; 2026-01-02T03:04:05Z)"))
	assert.True(t, strings.HasPrefix(UserAgent(), "herdsync/1.2.3 (abc123; "))
}

func TestFromBuildInfo(t *testing.T) {
	tests := []struct {
		name                   string
		version, revision, bd  string
		info                   *debug.BuildInfo
		wantVer, wantRev, want string
	}{
		{
			name:    "dev build picks up vcs data",
			version: devVersion, revision: devRevision,
			info: &debug.BuildInfo{
				Main: debug.Module{Version: "v1.4.0"},
				Settings: []debug.BuildSetting{
					{Key: "vcs.revision", Value: "c0ffee12"},
					{Key: "vcs.modified", Value: "true"},
					{Key: "vcs.time", Value: "2026-03-01T08:00:00Z"},
				},
			},
			wantVer: "1.4.0", wantRev: "c0ffee12-dirty", want: "2026-03-01T08:00:00Z",
		},
		{
			name:    "ldflags win",
			version: "2.0.0", revision: "deadbeef", bd: "from-ldflags",
			info: &debug.BuildInfo{
				Main:     debug.Module{Version: "(devel)"},
				Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "abcdef"}},
			},
			wantVer: "2.0.0", wantRev: "deadbeef", want: "from-ldflags",
		},
		{
			name:    "no build info",
			version: devVersion, revision: devRevision,
			wantVer: devVersion, wantRev: devRevision,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetBuild(t, tt.version, tt.revision, tt.bd)
			fromBuildInfo(tt.info)
			assert.Equal(t, tt.wantVer, Version)
			assert.Equal(t, tt.wantRev, Revision)
			assert.Equal(t, tt.want, BuildDate)
		})
	}
}
