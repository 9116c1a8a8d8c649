// SPDX-License-Identifier: MIT
//
// Package build exposes the version metadata linked into the binary with
// -ldflags, for example:
//
//	go build -ldflags "-X doppler/pkg/build.buildName=doppler \
//	    -X doppler/pkg/build.buildVersion=0.3.0 ..."
//
// A binary built without any of the flags reports itself as a dev build.
package build

import "fmt"

// Description is the one-line summary shown by the CLI.
const Description = "Estimate vehicle speed from the Doppler shift of a passing vehicle"

// Info is the build metadata.
type Info struct {
	Name    string
	Time    string
	Commit  string
	Version string
}

func (i *Info) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", i.Name, i.Version, i.Commit, i.Time)
}

// Populated by -ldflags.
var (
	buildName    string
	buildTime    string
	buildCommit  string
	buildVersion string
	buildFlags   = devInfo()
)

func devInfo() *Info {
	return &Info{
		Name:    "doppler",
		Time:    "unknown",
		Commit:  "unknown",
		Version: "dev",
	}
}

// Initialize copies the ldflags values into the build info. With no flags
// set the dev defaults are kept; a partial set is an error.
func Initialize() error {
	if buildName == "" && buildTime == "" && buildCommit == "" && buildVersion == "" {
		return nil
	}
	if buildName == "" {
		return fmt.Errorf("BuildName is required")
	}
	if buildTime == "" {
		return fmt.Errorf("BuildTime is required")
	}
	if buildCommit == "" {
		return fmt.Errorf("BuildCommit is required")
	}
	if buildVersion == "" {
		return fmt.Errorf("BuildVersion is required")
	}

	buildFlags.Name = buildName
	buildFlags.Time = buildTime
	buildFlags.Commit = buildCommit
	buildFlags.Version = buildVersion
	return nil
}

// GetBuildFlags returns the current build information.
func GetBuildFlags() *Info {
	return buildFlags
}
