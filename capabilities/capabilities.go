// Package capabilities defines the worker capability snapshot exchanged
// via probe (spec.md §3 "Capabilities").
package capabilities

import "github.com/paulrobinshaw/rch-xcode/protocol"

// XcodeInstall describes one installed Xcode on a worker.
type XcodeInstall struct {
	Version      string `json:"version"`
	Build        string `json:"build"`
	DeveloperDir string `json:"developer_dir"`
}

// SimRuntime describes one available simulator runtime.
type SimRuntime struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
	Version    string `json:"version"`
	Build      string `json:"build"`
	Available  bool   `json:"available"`
}

// SimDevice describes one available simulator device.
type SimDevice struct {
	Name           string `json:"name"`
	UDID           string `json:"udid"`
	DeviceTypeID   string `json:"device_type_identifier"`
	RuntimeID      string `json:"runtime_identifier"`
	State          string `json:"state"`
}

// Capabilities is the per-worker snapshot (schema rch-xcode/capabilities@1).
type Capabilities struct {
	Schema            string         `json:"schema"`
	MacOSVersion      string         `json:"macos_version"`
	MacOSBuild        string         `json:"macos_build"`
	Arch              string         `json:"arch"`
	Xcodes            []XcodeInstall `json:"xcodes"`
	ActiveXcode       *string        `json:"active_xcode,omitempty"`
	SimRuntimes       []SimRuntime   `json:"sim_runtimes"`
	SimDevices        []SimDevice    `json:"sim_devices"`
	MaxConcurrentJobs int            `json:"max_concurrent_jobs"`
	DiskFreeBytes     uint64         `json:"disk_free_bytes"`
	DiskTotalBytes    uint64         `json:"disk_total_bytes"`
	MaxUploadBytes    uint64         `json:"max_upload_bytes,omitempty"`
	ProtocolRange     protocol.ProtocolRange `json:"protocol_range"`
	Features          []string       `json:"features"`
}

// NewCapabilities builds a zero-value snapshot with the current schema tag.
func NewCapabilities() Capabilities {
	return Capabilities{Schema: protocol.SchemaCapabilities}
}

// HasFeature reports whether feature is advertised.
func (c Capabilities) HasFeature(feature string) bool {
	for _, f := range c.Features {
		if f == feature {
			return true
		}
	}
	return false
}
