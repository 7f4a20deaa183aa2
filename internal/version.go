package internal

import (
	"fmt"
	"runtime"
)

// Version is the current version of parley
// This should be updated with each release
const Version = "0.3.0"

// BuildInfo is printed by the version command.
type BuildInfo struct {
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Go       string `json:"go"`
}

func CurrentBuild() BuildInfo {
	return BuildInfo{
		Version:  Version,
		Platform: fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		Go:       runtime.Version(),
	}
}
