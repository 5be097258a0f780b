package core

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"
)

// Build describes the running binary.
type Build struct {
	// Version is the tagged module version, or "devel" for local builds.
	Version   string
	Revision  string
	Modified  bool
	GoVersion string
}

// CurrentBuild is read from the binary's embedded build info at startup.
var CurrentBuild Build

// Version is CurrentBuild rendered as a string. The CLI and the host compare
// it to spot a host left running across an upgrade.
var Version string

func init() {
	info, _ := debug.ReadBuildInfo()
	CurrentBuild = buildFrom(info)
	Version = CurrentBuild.String()
}

func buildFrom(info *debug.BuildInfo) Build {
	b := Build{Version: "devel", GoVersion: runtime.Version()}
	if info == nil {
		return b
	}
	if info.GoVersion != "" {
		b.GoVersion = info.GoVersion
	}

	// Local builds get a pseudo-version from Go 1.24 on; the VCS stamp says more.
	if v := info.Main.Version; semver.IsValid(v) && !module.IsPseudoVersion(v) {
		b.Version = v
		return b
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			b.Revision = s.Value
			if len(b.Revision) > 7 {
				b.Revision = b.Revision[:7]
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}

// String renders the build as "v1.4.0", "devel-ad721b3", "devel-ad721b3-dirty"
// or plain "devel".
func (b Build) String() string {
	if b.Revision == "" {
		return b.Version
	}
	s := b.Version + "-" + b.Revision
	if b.Modified {
		s += "-dirty"
	}
	return s
}

// Tagged reports whether the build came from a release tag.
func (b Build) Tagged() bool {
	return semver.IsValid(b.Version)
}

// UserAgent identifies the host to the relay, e.g.
// "tunnel-proxy/1.4.0 (linux/amd64; go1.26.2)".
func UserAgent() string {
	b := CurrentBuild
	return fmt.Sprintf("tunnel-proxy/%s (%s/%s; %s)",
		FormatVersion(b.String()), runtime.GOOS, runtime.GOARCH, b.GoVersion)
}

// FormatVersion strips the "v" of a tagged release for display. Devel
// versions pass through unchanged.
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// VersionMismatch describes how a running host's version differs from this
// binary's, or returns "" when they match. A host on an older release is
// called out so the user knows a restart picks up the upgrade.
func VersionMismatch(client, host string) string {
	if client == host {
		return ""
	}
	if semver.IsValid(client) && semver.IsValid(host) && semver.Compare(host, client) < 0 {
		return fmt.Sprintf("Host %s is older than client %s. Restart the host to pick up the upgrade.",
			FormatVersion(host), FormatVersion(client))
	}
	return fmt.Sprintf("Version mismatch! Client %s and host %s versions differ. Consider restarting the host.",
		FormatVersion(client), FormatVersion(host))
}
