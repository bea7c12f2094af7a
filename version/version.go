// Package version carries build metadata, set with -ldflags at release time.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// GitRelease is the release tag.
	GitRelease = "dev"
	// GitCommit is the commit hash.
	GitCommit = ""
	// GitCommitDate is the commit date.
	GitCommitDate = ""
	// GoInfo is the toolchain the binary was built with.
	GoInfo = fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
)

func init() {
	if GitCommit != "" {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			GitCommit = s.Value
		case "vcs.time":
			GitCommitDate = s.Value
		}
	}
}
