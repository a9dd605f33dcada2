// Package version carries build metadata injected with -ldflags.
package version

import (
	"flag"
	"runtime"
)

var (
	Version   = "develop"
	GitCommit = ""
	BuildDate = ""
)

type BuildInfo struct {
	Version   string `json:"version,omitempty"`
	GitCommit string `json:"gitCommit,omitempty"`
	BuildDate string `json:"buildDate,omitempty"`
	GoVersion string `json:"goVersion,omitempty"`
}

func Get() BuildInfo {
	v := BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}

	// keep test output stable across toolchains
	if flag.Lookup("test.v") != nil {
		v.GoVersion = ""
	}
	return v
}

// String is the one-line form used in startup logs.
func (b BuildInfo) String() string {
	s := b.Version
	if b.GitCommit != "" {
		s += " (" + b.GitCommit + ")"
	}
	if b.BuildDate != "" {
		s += " built " + b.BuildDate
	}
	return s
}
