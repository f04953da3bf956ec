// Package version reports which build of catalogweb is running.
//
// Release builds stamp the variables below, for example
//
//	-ldflags "-X github.com/keithlinneman/catalogweb/internal/version.Version=v1.4.0
//	          -X github.com/keithlinneman/catalogweb/internal/version.Dirty=false"
//
// Anything left unstamped falls back to the VCS settings the go tool embeds.
package version

import (
	"fmt"
	"runtime/debug"
	"strconv"
)

// Service is the name the binary reports in logs, metrics, traces and -V.
const Service = "catalogweb"

// Set with -ldflags -X. Dirty is "true" or "false"; empty means unknown.
var (
	Version   = "dev"
	Commit    = ""
	BuildDate = ""
	BuildID   = ""
	Dirty     = ""
)

type Info struct {
	Service    string `json:"service"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date,omitempty"`
	BuildDate  string `json:"build_date,omitempty"`
	BuildID    string `json:"build_id,omitempty"`
	GoVersion  string `json:"go_version"`
	// nil when neither ldflags nor the VCS stamp say
	VCSDirty *bool `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	bi, _ := debug.ReadBuildInfo()
	return fromBuild(bi)
}

// fromBuild merges the ldflag stamps with bi; stamps win. bi may be nil.
func fromBuild(bi *debug.BuildInfo) Info {
	out := Info{
		Service:   Service,
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		BuildID:   BuildID,
		VCSDirty:  parseDirty(Dirty),
	}
	if bi == nil {
		return out
	}
	out.GoVersion = bi.GoVersion
	if out.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		out.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			out.CommitDate = s.Value
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
		case "vcs.modified":
			if out.VCSDirty == nil {
				out.VCSDirty = parseDirty(s.Value)
			}
		}
	}
	return out
}

func parseDirty(s string) *bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil
	}
	return &b
}

// ShortCommit is the first 12 characters of the commit, "unknown" when unset.
func (i Info) ShortCommit() string {
	switch {
	case i.Commit == "":
		return "unknown"
	case len(i.Commit) > 12:
		return i.Commit[:12]
	default:
		return i.Commit
	}
}

// DirtyLabel renders VCSDirty for metric labels.
func (i Info) DirtyLabel() string {
	if i.VCSDirty == nil {
		return "unknown"
	}
	return strconv.FormatBool(*i.VCSDirty)
}

// UserAgent identifies outbound calls to the auth provider and the trace collector.
func (i Info) UserAgent() string {
	return i.Service + "/" + i.Version
}

// String is the -V output.
func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%s)",
		i.Service, i.Version, i.ShortCommit(), i.CommitDate, i.BuildID, i.BuildDate, i.GoVersion, i.DirtyLabel())
}

// LogAttrs is the build part of the startup log line.
func (i Info) LogAttrs() []any {
	return []any{
		"version", i.Version,
		"commit", i.ShortCommit(),
		"build_id", i.BuildID,
		"go_version", i.GoVersion,
		"vcs_dirty", i.DirtyLabel(),
	}
}
