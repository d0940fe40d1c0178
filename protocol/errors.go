package protocol

// WireCode is the closed set of stable error codes from spec.md §4.A.
type WireCode string

const (
	CodeInvalidRequest      WireCode = "INVALID_REQUEST"
	CodeUnsupportedProtocol WireCode = "UNSUPPORTED_PROTOCOL"
	CodeFeatureMissing      WireCode = "FEATURE_MISSING"
	CodeBusy                WireCode = "BUSY"
	CodeLeaseExpired        WireCode = "LEASE_EXPIRED"
	CodeSourceMissing       WireCode = "SOURCE_MISSING"
	CodeArtifactsGone       WireCode = "ARTIFACTS_GONE"
	CodePayloadTooLarge     WireCode = "PAYLOAD_TOO_LARGE"
)

// WireError is the error object carried in Response.Error. Data holds the
// per-code extras spec.md names (retry_after_seconds, [min,max], sha256,
// limit).
type WireError struct {
	Code    WireCode       `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// ProtocolRange is the [min, max] pair advertised by probe and compared
// during version negotiation.
type ProtocolRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Intersect returns the overlapping range of a and b, and whether one
// exists. An empty intersection is the VersionNegotiationFailed /
// UNSUPPORTED_PROTOCOL condition (spec.md §4.H, §8 boundary cases).
func (a ProtocolRange) Intersect(b ProtocolRange) (ProtocolRange, bool) {
	lo := a.Min
	if b.Min > lo {
		lo = b.Min
	}
	hi := a.Max
	if b.Max < hi {
		hi = b.Max
	}
	if lo > hi {
		return ProtocolRange{}, false
	}
	return ProtocolRange{Min: lo, Max: hi}, true
}

// Schema identifiers carried in artifacts (spec.md §6).
const (
	SchemaCapabilities     = "rch-xcode/capabilities@1"
	SchemaClassifierPolicy = "rch-xcode/classifier_policy@1"
	SchemaJob              = "rch-xcode/job@1"
	SchemaJobKeyInputs     = "rch-xcode/job_key_inputs@1"
	SchemaEffectiveConfig  = "rch-xcode/effective_config@1"
	SchemaToolchain        = "rch-xcode/toolchain@1"
	SchemaDestination      = "rch-xcode/destination@1"
	SchemaSummary          = "rch-xcode/summary@1"
	SchemaManifest         = "rch-xcode/manifest@1"
	SchemaAttestation      = "rch-xcode/attestation@1"
	SchemaJobIndex         = "rch-xcode/job_index@1"
	SchemaRunPlan          = "rch-xcode/run_plan@1"
	SchemaWorkerSelection  = "rch-xcode/worker_selection@1"
	SchemaTestSummary      = "rch-xcode/test_summary@1"
	SchemaBuildSummary     = "rch-xcode/build_summary@1"
)

// Required artifact filenames under every job's artifact directory
// (spec.md §6). ArtifactsCommitTriple is excluded from the manifest but
// must exist for job_index.json to be written.
var RequiredArtifacts = []string{
	"job.json",
	"job_state.json",
	"summary.json",
	"manifest.json",
	"attestation.json",
	"toolchain.json",
	"destination.json",
	"effective_config.json",
	"invocation.json",
	"job_key_inputs.json",
	"build.log",
}

// OptionalArtifacts lists files that may or may not be present; job_index
// records presence flags for each.
var OptionalArtifacts = []string{
	"metrics.json",
	"executor_env.json",
	"classifier_policy.json",
	"events.jsonl",
	"test_summary.json",
	"build_summary.json",
	"junit.xml",
	"result.xcresult",
}

// ArtifactsCommitTriple is the set of files excluded from the manifest
// and from verifier "extraneous file" detection.
var ArtifactsCommitTriple = map[string]bool{
	"manifest.json":     true,
	"attestation.json":  true,
	"job_index.json":    true,
}
