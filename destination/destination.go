// Package destination resolves a destination constraint string against
// worker capabilities into a concrete ResolvedDestination (spec.md
// §4.C). Grounded on original_source/src/destination/mod.rs.
package destination

import (
	"sort"
	"strconv"
	"strings"

	"github.com/paulrobinshaw/rch-xcode/capabilities"
	"github.com/paulrobinshaw/rch-xcode/errkind"
)

// Provisioning is the simulator provisioning mode.
type Provisioning string

const (
	ProvisioningExisting  Provisioning = "existing"
	ProvisioningEphemeral Provisioning = "ephemeral"
)

// Constraint is a parsed destination constraint, e.g.
// "platform=iOS Simulator,name=iPhone 16,OS=latest".
type Constraint struct {
	Platform     string
	Name         string
	OS           string
	Provisioning Provisioning
	Original     string
}

// ParseConstraint parses a comma-separated key=value constraint string.
func ParseConstraint(s string) (Constraint, error) {
	fields := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.IndexByte(part, '=')
		if idx < 0 {
			return Constraint{}, errkind.Newf(errkind.Parsing, "expected key=value pair, got: %s", part)
		}
		key := strings.ToLower(strings.TrimSpace(part[:idx]))
		value := strings.TrimSpace(part[idx+1:])
		fields[key] = value
	}

	platform, ok := fields["platform"]
	if !ok {
		return Constraint{}, errkind.New(errkind.Parsing, "missing required field in destination constraint: platform")
	}

	return Constraint{
		Platform:     platform,
		Name:         fields["name"],
		OS:           fields["os"],
		Provisioning: ProvisioningExisting,
		Original:     s,
	}, nil
}

// IsSimulator reports whether the constraint targets a simulator
// platform (contains "simulator", case-insensitive).
func (c Constraint) IsSimulator() bool {
	return strings.Contains(strings.ToLower(c.Platform), "simulator")
}

// Resolved is the outcome of resolving a Constraint (spec.md §3
// "ResolvedDestination"). OSVersion is never the literal "latest".
type Resolved struct {
	Platform             string       `json:"platform"`
	Name                 string       `json:"name"`
	OSVersion            string       `json:"os_version"`
	Provisioning         Provisioning `json:"provisioning"`
	OriginalConstraint   string       `json:"original_constraint"`
	SimRuntimeIdentifier string       `json:"sim_runtime_identifier,omitempty"`
	SimRuntimeBuild      string       `json:"sim_runtime_build,omitempty"`
	DeviceTypeIdentifier string       `json:"device_type_identifier,omitempty"`
	UDID                 string       `json:"udid,omitempty"`
}

// Resolve implements spec.md §4.C: simulator platforms resolve a
// runtime + device; macOS validates the worker's own version; real
// devices are not resolved by this core.
func Resolve(constraint Constraint, caps capabilities.Capabilities) (Resolved, error) {
	if constraint.IsSimulator() {
		return resolveSimulator(constraint, caps)
	}
	return resolveNonSimulator(constraint, caps)
}

func resolveSimulator(constraint Constraint, caps capabilities.Capabilities) (Resolved, error) {
	platformType := extractPlatformType(constraint.Platform)

	var matching []capabilities.SimRuntime
	for _, rt := range caps.SimRuntimes {
		if rt.Available && runtimeMatchesPlatform(rt, platformType) {
			matching = append(matching, rt)
		}
	}
	if len(matching) == 0 {
		return Resolved{}, errkind.Newf(errkind.Resolution, "no available %s runtimes on worker", platformType)
	}

	targetVersion, err := resolveOSVersion(constraint.OS, matching)
	if err != nil {
		return Resolved{}, err
	}

	var runtime capabilities.SimRuntime
	found := false
	for _, rt := range matching {
		if rt.Version == targetVersion {
			runtime = rt
			found = true
			break
		}
	}
	if !found {
		return Resolved{}, errkind.Newf(errkind.Resolution, "no runtime found for %s %s", platformType, targetVersion)
	}

	deviceName, deviceType := findMatchingDevice(constraint, runtime, caps)

	return Resolved{
		Platform:             constraint.Platform,
		Name:                 deviceName,
		OSVersion:            targetVersion,
		Provisioning:         constraint.Provisioning,
		OriginalConstraint:   constraint.Original,
		SimRuntimeIdentifier: runtime.Identifier,
		SimRuntimeBuild:      runtime.Build,
		DeviceTypeIdentifier: deviceType,
	}, nil
}

func resolveNonSimulator(constraint Constraint, caps capabilities.Capabilities) (Resolved, error) {
	platformLower := strings.ToLower(constraint.Platform)

	if platformLower == "macos" || platformLower == "mac" {
		osVersion := caps.MacOSVersion
		if constraint.OS != "" && constraint.OS != "latest" {
			if !strings.HasPrefix(caps.MacOSVersion, constraint.OS) {
				return Resolved{}, errkind.Newf(errkind.Resolution,
					"worker macOS version %s does not match requested %s", caps.MacOSVersion, constraint.OS)
			}
			osVersion = caps.MacOSVersion
		}
		return Resolved{
			Platform:           constraint.Platform,
			Name:               "My Mac",
			OSVersion:          osVersion,
			Provisioning:       constraint.Provisioning,
			OriginalConstraint: constraint.Original,
		}, nil
	}

	return Resolved{}, errkind.Newf(errkind.Resolution,
		"real device destinations (%s) are not supported", constraint.Platform)
}

func extractPlatformType(platform string) string {
	lower := strings.ToLower(platform)
	switch {
	case strings.Contains(lower, "ios"):
		return "iOS"
	case strings.Contains(lower, "tvos"):
		return "tvOS"
	case strings.Contains(lower, "watchos"):
		return "watchOS"
	case strings.Contains(lower, "visionos"), strings.Contains(lower, "xros"):
		return "visionOS"
	default:
		return platform
	}
}

func runtimeMatchesPlatform(rt capabilities.SimRuntime, platformType string) bool {
	nameLower := strings.ToLower(rt.Name)
	idLower := strings.ToLower(rt.Identifier)
	platformLower := strings.ToLower(platformType)
	return strings.Contains(nameLower, platformLower) || strings.Contains(idLower, platformLower)
}

// resolveOSVersion handles "latest"/absent (highest available) and an
// exact-or-prefix ("X." ) match against a specific requested version.
func resolveOSVersion(osConstraint string, runtimes []capabilities.SimRuntime) (string, error) {
	if osConstraint == "" || osConstraint == "latest" {
		sorted := append([]capabilities.SimRuntime(nil), runtimes...)
		sort.Slice(sorted, func(i, j int) bool {
			return compareVersions(sorted[i].Version, sorted[j].Version) > 0
		})
		return sorted[0].Version, nil
	}

	for _, rt := range runtimes {
		if rt.Version == osConstraint || strings.HasPrefix(rt.Version, osConstraint+".") {
			return rt.Version, nil
		}
	}

	available := make([]string, 0, len(runtimes))
	for _, rt := range runtimes {
		available = append(available, rt.Version)
	}
	return "", errkind.Newf(errkind.Resolution,
		"requested OS version %s not found; available: %s", osConstraint, strings.Join(available, ", "))
}

func compareVersions(a, b string) int {
	aParts := splitNumeric(a)
	bParts := splitNumeric(b)
	n := len(aParts)
	if len(bParts) > n {
		n = len(bParts)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(aParts) {
			av = aParts[i]
		}
		if i < len(bParts) {
			bv = bParts[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
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

func findMatchingDevice(constraint Constraint, runtime capabilities.SimRuntime, caps capabilities.Capabilities) (name, deviceType string) {
	if constraint.Name != "" {
		for _, sim := range caps.SimDevices {
			if strings.EqualFold(sim.Name, constraint.Name) && sim.RuntimeID == runtime.Identifier {
				return sim.Name, sim.DeviceTypeID
			}
		}
		return constraint.Name, deriveDeviceTypeFromName(constraint.Name)
	}

	for _, sim := range caps.SimDevices {
		if sim.RuntimeID == runtime.Identifier {
			return sim.Name, sim.DeviceTypeID
		}
	}

	platformType := extractPlatformType(constraint.Platform)
	defaultName := defaultDeviceName(platformType)
	return defaultName, deriveDeviceTypeFromName(defaultName)
}

func deriveDeviceTypeFromName(name string) string {
	normalized := strings.NewReplacer(" ", "-", "(", "", ")", "", ".", "-").Replace(name)
	return "com.apple.CoreSimulator.SimDeviceType." + normalized
}

func defaultDeviceName(platformType string) string {
	switch strings.ToLower(platformType) {
	case "ios":
		return "iPhone 16"
	case "tvos":
		return "Apple TV"
	case "watchos":
		return "Apple Watch Series 10"
	case "visionos":
		return "Apple Vision Pro"
	default:
		return "Unknown Device"
	}
}
