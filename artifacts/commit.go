package artifacts

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/paulrobinshaw/rch-xcode/errkind"
)

// minFreeBytes is the disk headroom Commit requires before it will
// attempt to write anything (spec.md §4.K "free-space check").
const minFreeBytes = 64 * 1024 * 1024

// CommitInputs carries everything needed to attest a completed job,
// beyond the manifest itself which Commit computes from dir.
type CommitInputs struct {
	RunID          string
	JobID          string
	JobKey         string
	SourceSHA256   string
	Worker         WorkerIdentity
	CapabilitiesSHA256 string
	Backend        BackendIdentity
	SigningKey     ed25519.PrivateKey // nil disables signing
	FreeBytes      func(dir string) (uint64, error)
}

// Commit performs the four strictly ordered writes spec.md §4.K
// requires: the payload files are assumed already written into dir by
// the executor; Commit writes manifest.json, then attestation.json,
// then job_index.json last as the commit marker. Any step failing
// leaves dir without job_index.json, so the job is an orphan for later
// cleanup rather than silently incomplete.
func Commit(dir string, inputs CommitInputs) error {
	if inputs.FreeBytes != nil {
		free, err := inputs.FreeBytes(dir)
		if err != nil {
			return errkind.Wrap(errkind.Artifacts, err, "check free disk space")
		}
		if free < minFreeBytes {
			return errkind.Newf(errkind.Artifacts, "insufficient free disk space: %d bytes available, %d required", free, minFreeBytes)
		}
	}

	manifest, err := BuildManifest(dir)
	if err != nil {
		return err
	}
	if err := writeJSONAtomic(filepath.Join(dir, "manifest.json"), manifest); err != nil {
		return errkind.Wrap(errkind.Artifacts, err, "write manifest.json")
	}

	manifestBytes, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return errkind.Wrap(errkind.Artifacts, err, "read back manifest.json")
	}
	manifestSHA := sha256Hex(manifestBytes)

	attestation := NewAttestation(inputs.RunID, inputs.JobID, inputs.JobKey, inputs.SourceSHA256,
		inputs.Worker, inputs.CapabilitiesSHA256, inputs.Backend, manifestSHA)

	if inputs.SigningKey != nil {
		attestation, err = Sign(attestation, inputs.SigningKey)
		if err != nil {
			return err
		}
	}

	if err := writeJSONAtomic(filepath.Join(dir, "attestation.json"), attestation); err != nil {
		return errkind.Wrap(errkind.Artifacts, err, "write attestation.json")
	}

	present := make(map[string]bool)
	for _, name := range append(append([]string{}, requiredSet()...), optionalSet()...) {
		if _, statErr := os.Stat(filepath.Join(dir, name)); statErr == nil {
			present[name] = true
		}
	}
	jobIndex := BuildJobIndex(present)

	if err := writeJSONAtomic(filepath.Join(dir, "job_index.json"), jobIndex); err != nil {
		return errkind.Wrap(errkind.Artifacts, err, "write job_index.json")
	}

	return nil
}

func requiredSet() []string {
	return append([]string{}, []string{
		"job.json", "job_state.json", "summary.json", "toolchain.json",
		"destination.json", "effective_config.json", "invocation.json",
		"job_key_inputs.json", "build.log",
	}...)
}

func optionalSet() []string {
	return append([]string{}, []string{
		"metrics.json", "executor_env.json", "classifier_policy.json",
		"events.jsonl", "test_summary.json", "build_summary.json",
		"junit.xml", "result.xcresult",
	}...)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeJSONAtomic marshals v and writes it to path via write-then-
// rename on the same filesystem, matching spec.md §4.K's atomicity
// requirement for each of the four commit writes.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
