package install

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// Record is the persisted marker describing what was staged and for which
// host install. It is stored as a single line "platformTag|installStamp".
type Record struct {
	PlatformTag string
	Stamp       string
}

func (r Record) String() string { return r.PlatformTag + "|" + r.Stamp }

// ParseRecord parses the persisted form. The stamp may itself contain '|',
// so only the first separator splits the two fields.
func ParseRecord(s string) (Record, bool) {
	s = strings.TrimSpace(s)
	i := strings.IndexByte(s, '|')
	if i <= 0 {
		return Record{}, false
	}
	return Record{PlatformTag: s[:i], Stamp: s[i+1:]}, true
}

// HostStamp derives the install stamp from the host application version and
// its last update time. A new host build or update yields a new stamp.
func HostStamp(version string, updated time.Time) string {
	if version == "" {
		version = "unknown"
	}
	lu := "unknown"
	if !updated.IsZero() {
		lu = fmt.Sprintf("%d", updated.UnixMilli())
	}
	return "v=" + version + "|lu=" + lu
}

// CurrentHostStamp computes the stamp for the running host binary: its module
// version (or VCS revision) and the modification time of the executable.
func CurrentHostStamp(versionOverride string) string {
	version := versionOverride
	if version == "" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			version = bi.Main.Version
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" && s.Value != "" {
					version = s.Value
				}
			}
		}
	}
	var updated time.Time
	if exe, err := os.Executable(); err == nil {
		if fi, err := os.Stat(exe); err == nil {
			updated = fi.ModTime()
		}
	}
	return HostStamp(version, updated)
}

// DefaultPlatformTags returns the ordered list of bundle tags the current
// platform can run, native first.
func DefaultPlatformTags() []string {
	native := runtime.GOOS + "-" + runtime.GOARCH
	tags := []string{native}
	switch native {
	case "darwin-arm64", "windows-arm64":
		tags = append(tags, runtime.GOOS+"-amd64")
	case "linux-amd64":
		tags = append(tags, "linux-386")
	}
	return tags
}

// DefaultExecutableName is the bundled server binary name for this platform.
func DefaultExecutableName() string {
	if runtime.GOOS == "windows" {
		return "game-server.exe"
	}
	return "game-server"
}
