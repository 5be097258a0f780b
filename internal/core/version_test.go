package core

import (
	"runtime/debug"
	"strings"
	"testing"
)

func vcsInfo(version, revision, modified string) *debug.BuildInfo {
	info := &debug.BuildInfo{GoVersion: "go1.26.2", Main: debug.Module{Version: version}}
	if revision != "" {
		info.Settings = append(info.Settings, debug.BuildSetting{Key: "vcs.revision", Value: revision})
	}
	if modified != "" {
		info.Settings = append(info.Settings, debug.BuildSetting{Key: "vcs.modified", Value: modified})
	}
	return info
}

func TestBuildFrom(t *testing.T) {
	tests := []struct {
		name string
		info *debug.BuildInfo
		want string
	}{
		{"no build info", nil, "devel"},
		{"tagged release", vcsInfo("v1.4.0", "82903d1d8810aa", "false"), "v1.4.0"},
		{"prerelease tag", vcsInfo("v2.0.0-rc1", "", ""), "v2.0.0-rc1"},
		{"pseudo-version falls back to vcs", vcsInfo("v0.0.0-20260217105831-82903d1d8810", "82903d1d8810aa", "false"), "devel-82903d1"},
		{"pseudo-version after a tag", vcsInfo("v1.4.1-0.20260217105831-82903d1d8810", "82903d1d8810aa", ""), "devel-82903d1"},
		{"dirty pseudo-version", vcsInfo("v0.0.0-20260217105831-82903d1d8810+dirty", "82903d1d8810aa", "true"), "devel-82903d1-dirty"},
		{"go run without vcs", vcsInfo("(devel)", "", ""), "devel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildFrom(tt.info).String()
			if got != tt.want {
				t.Errorf("buildFrom() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuild_Tagged(t *testing.T) {
	if !buildFrom(vcsInfo("v1.4.0", "", "")).Tagged() {
		t.Error("expected a release build to be tagged")
	}
	if buildFrom(vcsInfo("(devel)", "abcdef0123", "")).Tagged() {
		t.Error("expected a local build not to be tagged")
	}
}

func TestFormatVersion(t *testing.T) {
	for in, want := range map[string]string{
		"v1.4.0":              "1.4.0",
		"1.4.0":               "1.4.0",
		"devel-ad721b3-dirty": "devel-ad721b3-dirty",
		"":                    "",
	} {
		if got := FormatVersion(in); got != want {
			t.Errorf("FormatVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUserAgent(t *testing.T) {
	saved := CurrentBuild
	defer func() { CurrentBuild = saved }()

	CurrentBuild = Build{Version: "v2.3.0", GoVersion: "go1.26.2"}
	got := UserAgent()
	if !strings.HasPrefix(got, "tunnel-proxy/2.3.0 (") || !strings.HasSuffix(got, "; go1.26.2)") {
		t.Errorf("UserAgent() = %q", got)
	}
}

func TestVersionMismatch(t *testing.T) {
	if got := VersionMismatch("v1.4.0", "v1.4.0"); got != "" {
		t.Errorf("expected no message for matching versions, got %q", got)
	}
	if got := VersionMismatch("v1.5.0", "v1.4.0"); !strings.Contains(got, "Host 1.4.0 is older than client 1.5.0") {
		t.Errorf("expected an older-host message, got %q", got)
	}
	if got := VersionMismatch("devel-ad721b3", "v1.4.0"); !strings.Contains(got, "versions differ") {
		t.Errorf("expected a generic mismatch message, got %q", got)
	}
}
