package config

import "testing"

const sampleHostTOML = `
max_upload_bytes = 104857600
probe_ttl_seconds = 300
retry_max_attempts = 5
compress_uploads = true

[classifier]
allowed_actions = ["build", "test"]
allowed_flags = ["-scheme", "-workspace", "-configuration"]
denied_actions = ["archive"]
scheme = "App"
workspace = "App.xcworkspace"
allowed_configurations = ["Debug"]

[[workers]]
name = "mini-1"
host = "mini-1.local"
port = 22
user = "ci"
tags = ["arm64", "fast"]
priority = 0
ssh_key_path = "/etc/rch/keys/mini-1"

[[workers]]
name = "mini-2"
host = "mini-2.local"
priority = 1
`

func TestDecodeHostConfig(t *testing.T) {
	cfg, err := DecodeHostConfig(sampleHostTOML)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.MaxUploadBytes != 104857600 {
		t.Fatalf("unexpected max_upload_bytes: %d", cfg.MaxUploadBytes)
	}
	if len(cfg.Workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(cfg.Workers))
	}
	if cfg.Workers[0].Name != "mini-1" || cfg.Workers[0].Priority != 0 {
		t.Fatalf("unexpected first worker: %+v", cfg.Workers[0])
	}
	if !cfg.CompressUploads {
		t.Fatalf("expected compress_uploads to decode true")
	}
}

func TestPolicyConfigToPolicy(t *testing.T) {
	cfg, err := DecodeHostConfig(sampleHostTOML)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	policy := cfg.Classifier.ToPolicy()
	if policy.Scheme != "App" {
		t.Fatalf("expected scheme App, got %s", policy.Scheme)
	}
	if len(policy.AllowedActions) != 2 {
		t.Fatalf("expected 2 allowed actions, got %d", len(policy.AllowedActions))
	}
}

func TestWorkerInventoryEntryToEntry(t *testing.T) {
	cfg, err := DecodeHostConfig(sampleHostTOML)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	entry := cfg.Workers[0].ToEntry()
	if entry.Name != "mini-1" || entry.Host != "mini-1.local" {
		t.Fatalf("unexpected converted entry: %+v", entry)
	}
}

func TestLoadHostConfigMissingFile(t *testing.T) {
	if _, err := LoadHostConfig("/nonexistent/path/rch-host.toml"); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestExistingOrDefault(t *testing.T) {
	if got := ExistingOrDefault("/nonexistent/path/rch-host.toml"); got != "" {
		t.Fatalf("expected empty string for nonexistent path, got %s", got)
	}
}
