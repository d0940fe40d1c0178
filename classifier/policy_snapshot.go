package classifier

import (
	"time"

	"github.com/paulrobinshaw/rch-xcode/canon"
	"github.com/paulrobinshaw/rch-xcode/protocol"
)

// PolicySnapshot is the on-disk, auditable form of a Policy
// (classifier_policy.json, schema rch-xcode/classifier_policy@1).
// It is written into each job's artifact directory as
// classifier_policy.json, so the active policy for a job can be
// checked after the fact.
type PolicySnapshot struct {
	SchemaVersion int       `json:"schema_version"`
	SchemaID      string    `json:"schema_id"`
	CreatedAt     time.Time `json:"created_at"`
	RunID         string    `json:"run_id,omitempty"`
	JobID         string    `json:"job_id,omitempty"`
	JobKey        string    `json:"job_key,omitempty"`
	Allowlist     listPair  `json:"allowlist"`
	Denylist      listPair  `json:"denylist"`
	Constraints   constraintsSnapshot `json:"constraints"`
}

type listPair struct {
	Actions []string `json:"actions"`
	Flags   []string `json:"flags"`
}

type constraintsSnapshot struct {
	Workspace             string   `json:"workspace,omitempty"`
	Project               string   `json:"project,omitempty"`
	Scheme                string   `json:"scheme"`
	Destination           string   `json:"destination,omitempty"`
	AllowedConfigurations []string `json:"allowed_configurations"`
}

// Snapshot builds the auditable on-disk form of policy at the given
// creation time. now is injected so snapshots are reproducible in tests.
func Snapshot(policy Policy, now time.Time) PolicySnapshot {
	return PolicySnapshot{
		SchemaVersion: 1,
		SchemaID:      protocol.SchemaClassifierPolicy,
		CreatedAt:     now,
		Allowlist:     listPair{Actions: policy.AllowedActions, Flags: policy.AllowedFlags},
		Denylist:      listPair{Actions: policy.DeniedActions, Flags: policy.DeniedFlags},
		Constraints: constraintsSnapshot{
			Workspace:             policy.Workspace,
			Project:               policy.Project,
			Scheme:                policy.Scheme,
			Destination:           policy.Destination,
			AllowedConfigurations: policy.AllowedConfigurations,
		},
	}
}

// WithRunID attaches the run identity to a snapshot; WithJobContext
// attaches the job identity (builder style, mirroring the original
// implementation's with_run_id/with_job_context).
func (s PolicySnapshot) WithRunID(runID string) PolicySnapshot {
	s.RunID = runID
	return s
}

func (s PolicySnapshot) WithJobContext(jobID, jobKey string) PolicySnapshot {
	s.JobID = jobID
	s.JobKey = jobKey
	return s
}

func policyHash(policy Policy) (string, []byte, error) {
	snap := Snapshot(policy, time.Time{})
	return canon.SHA256Hex(snap)
}
