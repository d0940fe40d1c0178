package capabilities

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"syscall"

	"github.com/paulrobinshaw/rch-xcode/errkind"
	"github.com/paulrobinshaw/rch-xcode/protocol"
)

// Prober gathers one worker host's capability snapshot by shelling
// out to the same macOS tools a developer would run by hand:
// sw_vers, xcode-select, xcodebuild, and xcrun simctl. Grounded on
// _examples/coreos-coreos-assembler/mantle/system/exec's Cmd wrapper
// for the actual process invocations.
type Prober struct {
	MaxConcurrentJobs int
	MaxUploadBytes    uint64
	Features          []string
	ProtocolRange     protocol.ProtocolRange

	// runCommand is overridden in tests to avoid shelling out.
	runCommand func(ctx context.Context, name string, args ...string) (string, error)
}

func (p *Prober) run(ctx context.Context, name string, args ...string) (string, error) {
	if p.runCommand != nil {
		return p.runCommand(ctx, name, args...)
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), err
	}
	return out.String(), nil
}

// Probe builds a Capabilities snapshot for this host (spec.md §3
// "Capabilities", §4.I probe handler).
func (p *Prober) Probe(ctx context.Context) (Capabilities, error) {
	caps := NewCapabilities()
	caps.Arch = runtime.GOARCH
	caps.MaxConcurrentJobs = p.MaxConcurrentJobs
	caps.MaxUploadBytes = p.MaxUploadBytes
	caps.Features = p.Features
	caps.ProtocolRange = p.ProtocolRange

	if out, err := p.run(ctx, "sw_vers", "-productVersion"); err == nil {
		caps.MacOSVersion = strings.TrimSpace(out)
	}
	if out, err := p.run(ctx, "sw_vers", "-buildVersion"); err == nil {
		caps.MacOSBuild = strings.TrimSpace(out)
	}

	if out, err := p.run(ctx, "xcode-select", "-p"); err == nil {
		active := strings.TrimSpace(out)
		xcodes, build, err := p.probeXcode(ctx, active)
		if err == nil {
			caps.Xcodes = append(caps.Xcodes, xcodes)
			caps.ActiveXcode = &build
		}
	}

	if out, err := p.run(ctx, "xcrun", "simctl", "list", "-j"); err == nil {
		runtimes, devices, parseErr := parseSimctlList(out)
		if parseErr == nil {
			caps.SimRuntimes = runtimes
			caps.SimDevices = devices
		}
	}

	if free, total, err := diskUsage("/"); err == nil {
		caps.DiskFreeBytes = free
		caps.DiskTotalBytes = total
	}

	return caps, nil
}

var buildRegexp = regexp.MustCompile(`Build version (\S+)`)

func (p *Prober) probeXcode(ctx context.Context, developerDir string) (XcodeInstall, string, error) {
	out, err := p.run(ctx, "xcodebuild", "-version")
	if err != nil {
		return XcodeInstall{}, "", errkind.Wrap(errkind.Executor, err, "xcodebuild -version")
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 {
		return XcodeInstall{}, "", errkind.New(errkind.Executor, "empty xcodebuild -version output")
	}
	version := strings.TrimPrefix(lines[0], "Xcode ")
	build := version
	if m := buildRegexp.FindStringSubmatch(out); len(m) == 2 {
		build = m[1]
	}
	return XcodeInstall{Version: version, Build: build, DeveloperDir: developerDir}, build, nil
}

type simctlRuntime struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
	Version    string `json:"version"`
	BuildVersion string `json:"buildversion"`
	Availability string `json:"availability"`
	IsAvailable  bool   `json:"isAvailable"`
}

type simctlDevice struct {
	Name        string `json:"name"`
	UDID        string `json:"udid"`
	State       string `json:"state"`
	DeviceTypeIdentifier string `json:"deviceTypeIdentifier"`
	IsAvailable bool   `json:"isAvailable"`
}

type simctlList struct {
	Runtimes []simctlRuntime            `json:"runtimes"`
	Devices  map[string][]simctlDevice  `json:"devices"`
}

func parseSimctlList(raw string) ([]SimRuntime, []SimDevice, error) {
	var list simctlList
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, nil, errkind.Wrap(errkind.Executor, err, "parse simctl list output")
	}

	runtimes := make([]SimRuntime, 0, len(list.Runtimes))
	for _, rt := range list.Runtimes {
		runtimes = append(runtimes, SimRuntime{
			Name:       rt.Name,
			Identifier: rt.Identifier,
			Version:    rt.Version,
			Build:      rt.BuildVersion,
			Available:  rt.IsAvailable || rt.Availability == "(available)",
		})
	}

	var devices []SimDevice
	for runtimeID, devs := range list.Devices {
		for _, d := range devs {
			devices = append(devices, SimDevice{
				Name:         d.Name,
				UDID:         d.UDID,
				DeviceTypeID: d.DeviceTypeIdentifier,
				RuntimeID:    runtimeID,
				State:        d.State,
			})
		}
	}

	return runtimes, devices, nil
}

func diskUsage(path string) (free, total uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	bsize := uint64(stat.Bsize)
	return stat.Bavail * bsize, stat.Blocks * bsize, nil
}
