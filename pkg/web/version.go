package web

import "sync/atomic"

// BuildInfo identifies the running binary on /api/status.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

var build atomic.Pointer[BuildInfo]

// SetBuildInfo replaces the build identification reported by the API
func SetBuildInfo(b BuildInfo) {
	build.Store(&b)
}

// Build returns the reported build identification, "dev" until set.
func Build() BuildInfo {
	if b := build.Load(); b != nil {
		return *b
	}
	return BuildInfo{Version: "dev", Commit: "unknown", BuildTime: "unknown"}
}
