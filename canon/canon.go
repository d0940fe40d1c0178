// Package canon wraps RFC 8785 JSON Canonicalization (JCS) for every
// digest-bearing record in this system: job_key_inputs, classifier
// policy snapshots, manifest entries, and the attestation's signed form
// (spec.md §9 design note: "Every digest-bearing record ... MUST
// serialize via RFC 8785. Do not use pretty-printed or language-default
// JSON for hashing.").
//
// Grounded on _examples/other_examples/manifests/lattice-substrate-json-canon,
// whose sole purpose is wrapping github.com/cyberphone/json-canonicalization
// for exactly this kind of digest-stable record.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	jsoncanonicalizer "github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// Marshal encodes v as plain JSON, then runs it through the RFC 8785
// transform, returning canonical bytes that are stable across languages
// and across repeated calls for an equal v.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsoncanonicalizer.Transform(raw)
}

// SHA256Hex canonicalizes v and returns the lowercase hex SHA-256 digest
// of the canonical bytes, alongside the canonical bytes themselves (some
// callers, e.g. job-key derivation, must also emit the canonical bytes
// verbatim as a standalone artifact).
func SHA256Hex(v any) (digest string, canonicalBytes []byte, err error) {
	canonicalBytes, err = Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(canonicalBytes)
	return hex.EncodeToString(sum[:]), canonicalBytes, nil
}
