package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestPseudoFromBuildInfo(t *testing.T) {
	info := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef"},
		{Key: "vcs.time", Value: "2026-03-01T10:20:30Z"},
		{Key: "vcs.modified", Value: "true"},
	}}
	if got, want := pseudoFromBuildInfo(info), "v0.0.0-20260301102030-0123456789ab+dirty"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := pseudoFromBuildInfo(&debug.BuildInfo{}); got != "" {
		t.Fatalf("expected empty pseudo version, got %q", got)
	}
}

func TestStringNamesBinary(t *testing.T) {
	if s := String("svcgroupd"); !strings.HasPrefix(s, "svcgroupd ") {
		t.Fatalf("unexpected version line %q", s)
	}
}
