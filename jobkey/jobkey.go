// Package jobkey derives the deterministic job_key from a job's
// canonical inputs (spec.md §3 "JobKeyInputs", §4.D).
package jobkey

import (
	"github.com/paulrobinshaw/rch-xcode/canon"
	"github.com/paulrobinshaw/rch-xcode/destination"
	"github.com/paulrobinshaw/rch-xcode/toolchain"
)

// Inputs is the ordered record whose canonical-JSON SHA-256 digest is
// the job_key. The JSON key names are the contract; Go field order
// does not affect the digest, since the canonicalizer reorders keys
// lexicographically regardless.
type Inputs struct {
	SourceSHA256      string                `json:"source_sha256"`
	SanitizedArgv     []string              `json:"sanitized_argv"`
	Toolchain         toolchain.Identity    `json:"toolchain_identity"`
	Destination       destination.Resolved  `json:"resolved_destination"`
}

// Derive computes the job_key: the RFC 8785 canonical-JSON SHA-256
// hex digest of Inputs. It also returns the canonical bytes so callers
// can write the standalone job_key_inputs.json artifact byte-for-byte
// identical to what was hashed (spec.md §4.D).
func Derive(inputs Inputs) (jobKey string, canonicalBytes []byte, err error) {
	return canon.SHA256Hex(inputs)
}

// New assembles Inputs from the resolved components of a job.
func New(sourceSHA256 string, sanitizedArgv []string, id toolchain.Identity, dest destination.Resolved) Inputs {
	return Inputs{
		SourceSHA256:  sourceSHA256,
		SanitizedArgv: sanitizedArgv,
		Toolchain:     id,
		Destination:   dest,
	}
}
