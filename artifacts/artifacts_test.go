package artifacts

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func samplePayload(t *testing.T, dir string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, "summary.json"), `{"status":"succeeded"}`)
	writeFile(t, filepath.Join(dir, "build.log"), "xcodebuild output\n")
	writeFile(t, filepath.Join(dir, "toolchain.json"), `{"xcode_build":"15C500b"}`)
	writeFile(t, filepath.Join(dir, "destination.json"), `{"platform":"iOS Simulator"}`)
	writeFile(t, filepath.Join(dir, "effective_config.json"), `{}`)
	writeFile(t, filepath.Join(dir, "job.json"), `{}`)
	writeFile(t, filepath.Join(dir, "job_state.json"), `{}`)
	writeFile(t, filepath.Join(dir, "invocation.json"), `{}`)
	writeFile(t, filepath.Join(dir, "job_key_inputs.json"), `{}`)
}

func TestBuildManifestExcludesCommitTriple(t *testing.T) {
	dir := t.TempDir()
	samplePayload(t, dir)
	writeFile(t, filepath.Join(dir, "manifest.json"), `{}`)
	writeFile(t, filepath.Join(dir, "attestation.json"), `{}`)
	writeFile(t, filepath.Join(dir, "job_index.json"), `{}`)

	manifest, err := BuildManifest(dir)
	if err != nil {
		t.Fatalf("build manifest: %v", err)
	}
	for _, entry := range manifest.Entries {
		if entry.Path == "manifest.json" || entry.Path == "attestation.json" || entry.Path == "job_index.json" {
			t.Fatalf("commit triple leaked into manifest: %s", entry.Path)
		}
	}
	if manifest.ArtifactRootSHA256 == "" {
		t.Fatalf("expected non-empty artifact_root_sha256")
	}
}

func TestBuildManifestEntriesSortedLexicographically(t *testing.T) {
	dir := t.TempDir()
	samplePayload(t, dir)

	manifest, err := BuildManifest(dir)
	if err != nil {
		t.Fatalf("build manifest: %v", err)
	}
	for i := 1; i < len(manifest.Entries); i++ {
		if manifest.Entries[i-1].Path > manifest.Entries[i].Path {
			t.Fatalf("manifest entries not sorted: %s before %s", manifest.Entries[i-1].Path, manifest.Entries[i].Path)
		}
	}
}

func TestCommitWritesOrderedTripleAndVerifies(t *testing.T) {
	dir := t.TempDir()
	samplePayload(t, dir)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	inputs := CommitInputs{
		RunID:              "01JABCDEF0000000000000000",
		JobID:              "01JABCDEF0000000000000001",
		JobKey:             "deadbeef",
		SourceSHA256:       "feedface",
		Worker:             WorkerIdentity{Name: "mini-1", Fingerprint: "SHA256:abc"},
		CapabilitiesSHA256: "abc123",
		Backend:            BackendIdentity{Name: "direct", Version: "1"},
		SigningKey:         priv,
	}

	if err := Commit(dir, inputs); err != nil {
		t.Fatalf("commit: %v", err)
	}

	for _, name := range []string{"manifest.json", "attestation.json", "job_index.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}

	result, err := VerifyArtifacts(dir)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected verification to succeed, got %+v", result)
	}

	_ = pub
}

func TestSignAndVerifyAttestation(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	a := NewAttestation("run1", "job1", "jobkey1", "sourcesha",
		WorkerIdentity{Name: "mini-1", Fingerprint: "SHA256:abc"},
		"capssha", BackendIdentity{Name: "direct", Version: "1"}, "manifestsha")

	signed, err := Sign(a, priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed.Signature == "" || signed.PubkeyFingerprint == "" {
		t.Fatalf("expected signature and fingerprint to be set")
	}
	if err := Verify(signed, pub); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	a := NewAttestation("run1", "job1", "jobkey1", "sourcesha",
		WorkerIdentity{Name: "mini-1", Fingerprint: "SHA256:abc"},
		"capssha", BackendIdentity{Name: "direct", Version: "1"}, "manifestsha")
	signed, err := Sign(a, priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := Verify(signed, otherPub); err == nil {
		t.Fatalf("expected verification to fail against the wrong public key")
	}
}

func TestVerifyDetectsExtraneousFile(t *testing.T) {
	dir := t.TempDir()
	samplePayload(t, dir)

	inputs := CommitInputs{
		RunID: "run1", JobID: "job1", JobKey: "jk", SourceSHA256: "sha",
		Worker: WorkerIdentity{Name: "w"}, CapabilitiesSHA256: "caps",
		Backend: BackendIdentity{Name: "direct", Version: "1"},
	}
	if err := Commit(dir, inputs); err != nil {
		t.Fatalf("commit: %v", err)
	}

	writeFile(t, filepath.Join(dir, "unexpected.txt"), "surprise")

	result, err := VerifyArtifacts(dir)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.OK {
		t.Fatalf("expected verification to fail due to extraneous file")
	}
	found := false
	for _, p := range result.ExtraneousPaths {
		if p == "unexpected.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unexpected.txt reported as extraneous, got %+v", result.ExtraneousPaths)
	}
}

func TestVerifyDetectsTamperedContent(t *testing.T) {
	dir := t.TempDir()
	samplePayload(t, dir)
	inputs := CommitInputs{
		RunID: "run1", JobID: "job1", JobKey: "jk", SourceSHA256: "sha",
		Worker: WorkerIdentity{Name: "w"}, CapabilitiesSHA256: "caps",
		Backend: BackendIdentity{Name: "direct", Version: "1"},
	}
	if err := Commit(dir, inputs); err != nil {
		t.Fatalf("commit: %v", err)
	}

	writeFile(t, filepath.Join(dir, "build.log"), "tampered content after commit\n")

	result, err := VerifyArtifacts(dir)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.OK {
		t.Fatalf("expected verification to fail due to tampered content")
	}
	if len(result.HashMismatches) == 0 && len(result.SizeMismatches) == 0 {
		t.Fatalf("expected a hash or size mismatch for build.log, got %+v", result)
	}
}

func TestBuildJobIndexTracksOptionalPresence(t *testing.T) {
	idx := BuildJobIndex(map[string]bool{"test_summary.json": true})
	if !idx.Optional["test_summary.json"] {
		t.Fatalf("expected test_summary.json marked present")
	}
	if idx.Optional["junit.xml"] {
		t.Fatalf("expected junit.xml marked absent")
	}
}
