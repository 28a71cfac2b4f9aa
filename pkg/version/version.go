// Package version exposes build-time metadata (git commit, tag, build
// date) for the "version" subcommand of sk-ctrl and sk-driver. The vars
// are overridden at build time via -ldflags, in the idiom of
// GreptimeTeam-gtctl's pkg/version.
package version

import (
	"fmt"
	"runtime"
)

var (
	gitCommit = "none"
	gitTag    = "none"
	buildDate = "none"
)

// Info is the resolved build metadata for the running binary.
type Info struct {
	GitCommit string
	GitTag    string
	GoVersion string
	Platform  string
	BuildDate string
}

func (v Info) String() string {
	return fmt.Sprintf(
		"GitCommit: %s\nGitTag: %s\nGoVersion: %s\nPlatform: %s\nBuildDate: %s\n",
		v.GitCommit, v.GitTag, v.GoVersion, v.Platform, v.BuildDate,
	)
}

// Get returns the current binary's build metadata.
func Get() Info {
	return Info{
		GitCommit: gitCommit,
		GitTag:    gitTag,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		BuildDate: buildDate,
	}
}
