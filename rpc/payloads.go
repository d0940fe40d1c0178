package rpc

import "github.com/paulrobinshaw/rch-xcode/capabilities"

// ProbePayload is the probe response body.
type ProbePayload struct {
	Capabilities  capabilities.Capabilities `json:"capabilities"`
	ProtocolRange struct {
		Min int `json:"min"`
		Max int `json:"max"`
	} `json:"protocol_range"`
}

// ReserveRequest is the reserve request body.
type ReserveRequest struct {
	RunID string `json:"run_id"`
}

// ReserveResponse is the reserve response body.
type ReserveResponse struct {
	LeaseID   string `json:"lease_id"`
	ExpiresAt string `json:"expires_at"`
}

// ReleaseRequest is the release request body.
type ReleaseRequest struct {
	LeaseID string `json:"lease_id"`
}

// HasSourceRequest is the has_source request body.
type HasSourceRequest struct {
	SourceSHA256 string `json:"source_sha256"`
}

// HasSourceResponse is the has_source response body.
type HasSourceResponse struct {
	Exists bool `json:"exists"`
}

// UploadResume describes a resumable upload's prior progress.
type UploadResume struct {
	UploadID string `json:"upload_id"`
	Offset   int64  `json:"offset"`
}

// UploadSourceRequest is the upload_source request body; the raw bytes
// of the (possibly partial) archive follow as the framed stream.
type UploadSourceRequest struct {
	SourceSHA256 string        `json:"source_sha256"`
	Compression  string        `json:"compression"`
	Resume       *UploadResume `json:"resume,omitempty"`
}

// UploadSourceResponse is the upload_source response body.
type UploadSourceResponse struct {
	UploadID   string `json:"upload_id"`
	NextOffset int64  `json:"next_offset"`
	Complete   bool   `json:"complete"`
}

// SubmitRequest is the submit request body. The host has already
// resolved the toolchain/destination/job_key against this worker's
// own probed capabilities, so it hands the worker the resolved JSON
// blobs verbatim; the worker's only job is to persist them as payload
// artifacts and run the sanitized argv (spec.md §4.I "submit", §4.J).
type SubmitRequest struct {
	RunID                string   `json:"run_id"`
	JobID                string   `json:"job_id"`
	JobKey               string   `json:"job_key"`
	Action               string   `json:"action"`
	SourceSHA256         string   `json:"source_sha256"`
	SanitizedArgv        []string `json:"sanitized_argv"`
	ToolchainBuild       string   `json:"toolchain_build"`
	ToolchainJSON        string   `json:"toolchain_json"`
	DestinationJSON      string   `json:"destination_json"`
	EffectiveConfigJSON  string   `json:"effective_config_json"`
	InvocationJSON       string   `json:"invocation_json"`
	JobKeyInputsJSON     string   `json:"job_key_inputs_json"`
	ClassifierPolicyJSON string   `json:"classifier_policy_json,omitempty"`
	DerivedDataMode      string   `json:"derived_data_mode"`
	Backend              string   `json:"backend"`
	ArtifactProfile      string   `json:"artifact_profile"`
}

// SubmitResponse is the submit response body.
type SubmitResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

// StatusRequest is the status request body.
type StatusRequest struct {
	JobID string `json:"job_id"`
}

// StatusResponse is the status response body.
type StatusResponse struct {
	JobID               string `json:"job_id"`
	State               string `json:"state"`
	ExitCode            *int   `json:"exit_code,omitempty"`
	StartedAt           string `json:"started_at,omitempty"`
	FinishedAt          string `json:"finished_at,omitempty"`
	ArtifactsAvailable  bool   `json:"artifacts_available"`
}

// TailRequest is the tail request body.
type TailRequest struct {
	JobID  string `json:"job_id"`
	Cursor int64  `json:"cursor"`
	Limit  int64  `json:"limit"`
}

// TailResponse is the tail response body.
type TailResponse struct {
	Lines      []string `json:"lines"`
	NextCursor *int64   `json:"next_cursor"`
}

// CancelRequest is the cancel request body.
type CancelRequest struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// CancelResponse is the cancel response body.
type CancelResponse struct {
	State           string `json:"state"`
	AlreadyTerminal bool   `json:"already_terminal"`
}

// FetchRequest is the fetch request body; the response carries the
// artifact tar as a framed stream rather than a JSON payload.
type FetchRequest struct {
	JobID string `json:"job_id"`
}
