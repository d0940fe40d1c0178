// Package toolchain resolves an Xcode constraint against a worker's
// advertised capabilities into a concrete ToolchainIdentity (spec.md
// §4.C). Grounded on original_source/src/toolchain/mod.rs.
package toolchain

import (
	"strconv"
	"strings"

	"github.com/paulrobinshaw/rch-xcode/capabilities"
	"github.com/paulrobinshaw/rch-xcode/errkind"
)

// Identity is the resolved toolchain identity bound into job_key_inputs
// (spec.md §3 "ToolchainIdentity").
type Identity struct {
	XcodeBuild   string `json:"xcode_build"`
	DeveloperDir string `json:"developer_dir"`
	MacOSVersion string `json:"macos_version"`
	MacOSBuild   string `json:"macos_build"`
	Arch         string `json:"arch"`
}

// Key is the derived filesystem-safe toolchain key:
// xcode_<build>__macos_<major>__<arch>.
func (id Identity) Key() string {
	major := id.MacOSVersion
	if idx := strings.IndexByte(major, '.'); idx >= 0 {
		major = major[:idx]
	}
	return "xcode_" + id.XcodeBuild + "__macos_" + major + "__" + id.Arch
}

// Constraint is the host-side Xcode requirement. At most one of Build,
// Version, MinVersion should be set; an empty Constraint matches the
// worker's active Xcode, falling back to the highest available.
type Constraint struct {
	Build      string
	Version    string
	MinVersion string
}

// IsEmpty reports whether the constraint matches any Xcode.
func (c Constraint) IsEmpty() bool {
	return c.Build == "" && c.Version == "" && c.MinVersion == ""
}

// Resolution is the outcome of a successful Resolve call.
type Resolution struct {
	Identity   Identity
	Xcode      capabilities.XcodeInstall
	ExactMatch bool
	Warning    string
}

// Resolve implements spec.md §4.C's resolution order: exact build,
// then exact version (highest build on ties, with a warning), then
// min version (highest (version, build), with a warning), then the
// worker's active Xcode or highest overall. Failure maps to
// errkind.Resolution (host-side WORKER_INCOMPATIBLE mapping).
func Resolve(caps capabilities.Capabilities, constraint Constraint) (Resolution, error) {
	if len(caps.Xcodes) == 0 {
		return Resolution{}, errkind.New(errkind.Resolution, "worker has no Xcode installations")
	}

	var xcode capabilities.XcodeInstall
	exact := false
	warning := ""

	switch {
	case constraint.Build != "":
		found, ok := findByBuild(caps.Xcodes, constraint.Build)
		if !ok {
			return Resolution{}, errkind.Newf(errkind.Resolution, "no Xcode matches build=%s", constraint.Build).
				WithData("constraint", "build="+constraint.Build)
		}
		xcode, exact = found, true

	case constraint.Version != "":
		found, ok := findByVersion(caps.Xcodes, constraint.Version)
		if !ok {
			return Resolution{}, errkind.Newf(errkind.Resolution, "no Xcode matches version=%s", constraint.Version).
				WithData("constraint", "version="+constraint.Version)
		}
		if countVersion(caps.Xcodes, constraint.Version) > 1 {
			warning = "multiple Xcode " + constraint.Version + " installations found, using build " + found.Build
		}
		xcode, exact = found, true

	case constraint.MinVersion != "":
		found, ok := findMinVersion(caps.Xcodes, constraint.MinVersion)
		if !ok {
			return Resolution{}, errkind.Newf(errkind.Resolution, "no Xcode matches min_version=%s", constraint.MinVersion).
				WithData("constraint", "min_version="+constraint.MinVersion)
		}
		warning = "using Xcode " + found.Version + " (build " + found.Build + ") for min_version=" + constraint.MinVersion + " constraint"
		xcode = found

	default:
		if caps.ActiveXcode != nil {
			found, ok := findByBuild(caps.Xcodes, *caps.ActiveXcode)
			if ok {
				xcode = found
				break
			}
		}
		found, ok := findHighest(caps.Xcodes)
		if !ok {
			return Resolution{}, errkind.New(errkind.Resolution, "no Xcode available")
		}
		xcode = found
	}

	identity := Identity{
		XcodeBuild:   xcode.Build,
		DeveloperDir: xcode.DeveloperDir,
		MacOSVersion: caps.MacOSVersion,
		MacOSBuild:   caps.MacOSBuild,
		Arch:         caps.Arch,
	}

	return Resolution{Identity: identity, Xcode: xcode, ExactMatch: exact, Warning: warning}, nil
}

func findByBuild(xcodes []capabilities.XcodeInstall, build string) (capabilities.XcodeInstall, bool) {
	for _, x := range xcodes {
		if x.Build == build {
			return x, true
		}
	}
	return capabilities.XcodeInstall{}, false
}

func findByVersion(xcodes []capabilities.XcodeInstall, version string) (capabilities.XcodeInstall, bool) {
	var best capabilities.XcodeInstall
	found := false
	for _, x := range xcodes {
		if x.Version != version {
			continue
		}
		if !found || x.Build > best.Build {
			best = x
			found = true
		}
	}
	return best, found
}

func countVersion(xcodes []capabilities.XcodeInstall, version string) int {
	n := 0
	for _, x := range xcodes {
		if x.Version == version {
			n++
		}
	}
	return n
}

func findMinVersion(xcodes []capabilities.XcodeInstall, min string) (capabilities.XcodeInstall, bool) {
	var best capabilities.XcodeInstall
	found := false
	for _, x := range xcodes {
		if CompareVersions(x.Version, min) < 0 {
			continue
		}
		if !found || compareCandidate(x, best) > 0 {
			best = x
			found = true
		}
	}
	return best, found
}

func findHighest(xcodes []capabilities.XcodeInstall) (capabilities.XcodeInstall, bool) {
	var best capabilities.XcodeInstall
	found := false
	for _, x := range xcodes {
		if !found || compareCandidate(x, best) > 0 {
			best = x
			found = true
		}
	}
	return best, found
}

func compareCandidate(a, b capabilities.XcodeInstall) int {
	if c := CompareVersions(a.Version, b.Version); c != 0 {
		return c
	}
	return strings.Compare(a.Build, b.Build)
}

// CompareVersions compares two dotted-numeric version strings
// component-wise as integers (spec.md §4.C: "16.2 > 15.4 > 15" — numeric
// lexicographic, not semver). A shorter prefix that matches every shared
// component is considered smaller (so "15" < "15.0" would actually tie
// at 15 then fall back to length, matching the original implementation).
func CompareVersions(a, b string) int {
	aParts := splitNumeric(a)
	bParts := splitNumeric(b)

	for i := 0; i < len(aParts) && i < len(bParts); i++ {
		if aParts[i] != bParts[i] {
			if aParts[i] < bParts[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(aParts) < len(bParts):
		return -1
	case len(aParts) > len(bParts):
		return 1
	default:
		return 0
	}
}

func splitNumeric(v string) []int {
	parts := strings.Split(v, ".")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
