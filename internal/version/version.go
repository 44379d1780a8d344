package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/gpulockd"

// buildVersion is set via -ldflags "-X pkt.systems/gpulockd/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module   string
	Version  string
	Revision string
	Time     time.Time
	Dirty    bool
}

// Read collects version information from the ldflags override and the
// embedded build info.
func Read() Info {
	info := Info{Module: defaultModule, Version: strings.TrimSpace(buildVersion)}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		if info.Version == "" {
			info.Version = "v0.0.0-unknown"
		}
		return info
	}
	if path := strings.TrimSpace(bi.Main.Path); path != "" {
		info.Module = path
	}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			info.Revision = setting.Value
		case "vcs.time":
			if parsed, err := time.Parse(time.RFC3339, setting.Value); err == nil {
				info.Time = parsed.UTC()
			}
		case "vcs.modified":
			info.Dirty = setting.Value == "true"
		}
	}
	if info.Version != "" {
		return info
	}
	if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
		info.Version = v
		return info
	}
	info.Version = info.pseudo()
	return info
}

func (i Info) pseudo() string {
	if i.Revision == "" || i.Time.IsZero() {
		return "v0.0.0-unknown"
	}
	rev := i.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + i.Time.Format("20060102150405") + "-" + rev
	if i.Dirty {
		v += "+dirty"
	}
	return v
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Module returns the module path from build info when available.
func Module() string {
	return Read().Module
}
