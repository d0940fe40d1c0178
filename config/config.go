// Package config defines the TOML-decoded shapes rch-host and
// rch-worker load their settings into. Loading itself is an external
// collaborator per spec.md §1 ("TOML config loading" is black-box
// I/O); the struct shapes are core and are exercised directly in
// tests without going through a file. github.com/BurntSushi/toml is a
// plain ecosystem choice, not taken from coreos-assembler's own config
// loading, which does not use it.
package config

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/paulrobinshaw/rch-xcode/classifier"
	"github.com/paulrobinshaw/rch-xcode/errkind"
	"github.com/paulrobinshaw/rch-xcode/selection"
)

// WorkerInventoryEntry is the TOML shape of one [[workers]] table.
type WorkerInventoryEntry struct {
	Name                 string   `toml:"name"`
	Host                 string   `toml:"host"`
	Port                 int      `toml:"port"`
	User                 string   `toml:"user"`
	Tags                 []string `toml:"tags"`
	Priority             int      `toml:"priority"`
	SSHKeyPath           string   `toml:"ssh_key_path"`
	KnownHostFingerprint string   `toml:"known_host_fingerprint"`
}

// ToEntry converts the decoded TOML row into the selection package's
// runtime type.
func (w WorkerInventoryEntry) ToEntry() selection.WorkerEntry {
	return selection.WorkerEntry{
		Name:                 w.Name,
		Host:                 w.Host,
		Port:                 w.Port,
		User:                 w.User,
		Tags:                 w.Tags,
		Priority:             w.Priority,
		SSHKeyPath:           w.SSHKeyPath,
		KnownHostFingerprint: w.KnownHostFingerprint,
	}
}

// PolicyConfig is the TOML shape of the [classifier] table.
type PolicyConfig struct {
	AllowedActions        []string `toml:"allowed_actions"`
	AllowedFlags           []string `toml:"allowed_flags"`
	DeniedActions          []string `toml:"denied_actions"`
	DeniedFlags            []string `toml:"denied_flags"`
	Workspace              string   `toml:"workspace"`
	Project                string   `toml:"project"`
	Scheme                 string   `toml:"scheme"`
	Destination            string   `toml:"destination"`
	AllowedConfigurations  []string `toml:"allowed_configurations"`
}

// ToPolicy converts the decoded TOML table into the classifier
// package's runtime type.
func (p PolicyConfig) ToPolicy() classifier.Policy {
	return classifier.Policy{
		AllowedActions:        p.AllowedActions,
		AllowedFlags:          p.AllowedFlags,
		DeniedActions:         p.DeniedActions,
		DeniedFlags:           p.DeniedFlags,
		Workspace:             p.Workspace,
		Project:               p.Project,
		Scheme:                p.Scheme,
		Destination:           p.Destination,
		AllowedConfigurations: p.AllowedConfigurations,
	}
}

// HostConfig is the top-level TOML shape rch-host loads.
type HostConfig struct {
	Workers          []WorkerInventoryEntry `toml:"workers"`
	Classifier       PolicyConfig           `toml:"classifier"`
	MaxUploadBytes   uint64                 `toml:"max_upload_bytes"`
	ProbeTTLSeconds  int                    `toml:"probe_ttl_seconds"`
	RetryMaxAttempts int                    `toml:"retry_max_attempts"`
	CompressUploads  bool                   `toml:"compress_uploads"`
}

// WorkerConfig is the top-level TOML shape rch-worker loads.
type WorkerConfig struct {
	StoreRoot         string `toml:"store_root"`
	MaxConcurrentJobs int    `toml:"max_concurrent_jobs"`
	MaxUploadBytes    uint64 `toml:"max_upload_bytes"`
	SigningKeyPath    string `toml:"signing_key_path"`
	ListenAddr        string `toml:"listen_addr"`
}

// LoadHostConfig decodes a host TOML file from path.
func LoadHostConfig(path string) (HostConfig, error) {
	var cfg HostConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return HostConfig{}, errkind.Wrap(errkind.Parsing, err, "decode host config "+path)
	}
	return cfg, nil
}

// LoadWorkerConfig decodes a worker TOML file from path.
func LoadWorkerConfig(path string) (WorkerConfig, error) {
	var cfg WorkerConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return WorkerConfig{}, errkind.Wrap(errkind.Parsing, err, "decode worker config "+path)
	}
	return cfg, nil
}

// DecodeHostConfig decodes TOML text directly, used by tests that
// want to exercise the struct shape without touching the filesystem.
func DecodeHostConfig(text string) (HostConfig, error) {
	var cfg HostConfig
	if _, err := toml.Decode(text, &cfg); err != nil {
		return HostConfig{}, errkind.Wrap(errkind.Parsing, err, "decode host config")
	}
	return cfg, nil
}

// fileExists is a small helper kept here rather than inlined at every
// call site that probes for an optional config file before loading.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ExistingOrDefault returns path if it exists, else "".
func ExistingOrDefault(path string) string {
	if fileExists(path) {
		return path
	}
	return ""
}
