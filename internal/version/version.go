// Package version carries build metadata injected with -ldflags.
package version

import (
	"strconv"
	"strings"
)

var Version = "dev"
var Major = "0"
var Minor = "0"
var Patch = "0"
var Built = ""
var GitCommit = ""

type VersionInfo struct {
	Version   string `json:"version"`
	Major     int    `json:"major"`
	Minor     int    `json:"minor"`
	Patch     int    `json:"patch"`
	Built     string `json:"built"`
	GitCommit string `json:"git_commit,omitempty"`
}

func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		Major:     parseInt(Major),
		Minor:     parseInt(Minor),
		Patch:     parseInt(Patch),
		Built:     Built,
		GitCommit: GitCommit,
	}
}

// IsDev reports whether no release version was injected.
func (info VersionInfo) IsDev() bool {
	trimmed := strings.TrimSpace(info.Version)
	return trimmed == "" || trimmed == "dev"
}

// Line is the --version output for program.
func (info VersionInfo) Line(program string) string {
	if info.IsDev() {
		return program + " dev"
	}
	return program + " version " + info.Version
}

// LogFields describes the build for startup logging.
func (info VersionInfo) LogFields() map[string]string {
	fields := map[string]string{"version": info.Version}
	if info.Built != "" {
		fields["built"] = info.Built
	}
	if info.GitCommit != "" {
		fields["git_commit"] = info.GitCommit
	}
	return fields
}

func parseInt(value string) int {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return parsed
}
