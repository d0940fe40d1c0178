package artifacts

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"github.com/paulrobinshaw/rch-xcode/canon"
	"github.com/paulrobinshaw/rch-xcode/errkind"
	"github.com/paulrobinshaw/rch-xcode/protocol"
)

// WorkerIdentity names the worker that produced an attestation.
type WorkerIdentity struct {
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
}

// BackendIdentity names the executor backend that ran the job.
type BackendIdentity struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Attestation binds a job to its outputs (spec.md §3 "Attestation").
// Signature and PubkeyFingerprint are excluded from the signed form;
// when signing is disabled both are left empty.
type Attestation struct {
	Schema            string          `json:"schema"`
	RunID             string          `json:"run_id"`
	JobID             string          `json:"job_id"`
	JobKey            string          `json:"job_key"`
	SourceSHA256      string          `json:"source_sha256"`
	Worker            WorkerIdentity  `json:"worker"`
	CapabilitiesSHA256 string         `json:"capabilities_sha256"`
	Backend           BackendIdentity `json:"backend"`
	ManifestSHA256    string          `json:"manifest_sha256"`
	Signature         string          `json:"signature,omitempty"`
	PubkeyFingerprint string          `json:"pubkey_fingerprint,omitempty"`
}

// signedForm is Attestation without its signature fields — the exact
// bytes that get Ed25519-signed (spec.md §3: "signature fields
// excluded from the signed form").
type signedForm struct {
	Schema             string          `json:"schema"`
	RunID              string          `json:"run_id"`
	JobID              string          `json:"job_id"`
	JobKey             string          `json:"job_key"`
	SourceSHA256       string          `json:"source_sha256"`
	Worker             WorkerIdentity  `json:"worker"`
	CapabilitiesSHA256 string          `json:"capabilities_sha256"`
	Backend            BackendIdentity `json:"backend"`
	ManifestSHA256     string          `json:"manifest_sha256"`
}

func (a Attestation) signedForm() signedForm {
	return signedForm{
		Schema:             a.Schema,
		RunID:              a.RunID,
		JobID:              a.JobID,
		JobKey:             a.JobKey,
		SourceSHA256:       a.SourceSHA256,
		Worker:             a.Worker,
		CapabilitiesSHA256: a.CapabilitiesSHA256,
		Backend:            a.Backend,
		ManifestSHA256:     a.ManifestSHA256,
	}
}

// NewAttestation builds an unsigned attestation for the given job
// outputs.
func NewAttestation(runID, jobID, jobKey, sourceSHA256 string, worker WorkerIdentity, capsSHA256 string, backend BackendIdentity, manifestSHA256 string) Attestation {
	return Attestation{
		Schema:             protocol.SchemaAttestation,
		RunID:              runID,
		JobID:              jobID,
		JobKey:             jobKey,
		SourceSHA256:       sourceSHA256,
		Worker:             worker,
		CapabilitiesSHA256: capsSHA256,
		Backend:            backend,
		ManifestSHA256:     manifestSHA256,
	}
}

// Sign signs a's canonical-JSON signed form with priv and fills in
// Signature (base64) and PubkeyFingerprint ("SHA256:<hex>"). Signing
// is deterministic: Ed25519 over canonical bytes (spec.md §3).
func Sign(a Attestation, priv ed25519.PrivateKey) (Attestation, error) {
	_, canonicalBytes, err := canon.SHA256Hex(a.signedForm())
	if err != nil {
		return Attestation{}, errkind.Wrap(errkind.Attestation, err, "canonicalize attestation signed form")
	}

	sig := ed25519.Sign(priv, canonicalBytes)
	a.Signature = base64.StdEncoding.EncodeToString(sig)
	a.PubkeyFingerprint = PubkeyFingerprint(priv.Public().(ed25519.PublicKey))
	return a, nil
}

// Verify checks a's signature against pub. Returns an error if
// unsigned or if the signature does not verify.
func Verify(a Attestation, pub ed25519.PublicKey) error {
	if a.Signature == "" {
		return errkind.New(errkind.Attestation, "attestation is unsigned")
	}
	sig, err := base64.StdEncoding.DecodeString(a.Signature)
	if err != nil {
		return errkind.Wrap(errkind.Attestation, err, "decode attestation signature")
	}

	_, canonicalBytes, err := canon.SHA256Hex(a.signedForm())
	if err != nil {
		return errkind.Wrap(errkind.Attestation, err, "canonicalize attestation signed form")
	}

	if !ed25519.Verify(pub, canonicalBytes, sig) {
		return errkind.New(errkind.Attestation, "attestation signature verification failed")
	}
	return nil
}

// PubkeyFingerprint renders an Ed25519 public key as "SHA256:<hex>" of
// its raw bytes, the form written to an attestation's
// pubkey_fingerprint. The worker identity fingerprint set by rch-worker
// is a different value: the hex of the first 8 public-key bytes.
func PubkeyFingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "SHA256:" + hex.EncodeToString(sum[:])
}
