package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/paulrobinshaw/rch-xcode/protocol"
)

// stepReport is the JSON shape of one step within a run report.
type stepReport struct {
	Name             string   `json:"name"`
	Accepted         bool     `json:"accepted"`
	RejectionReasons []string `json:"rejection_reasons,omitempty"`
	Worker           string   `json:"worker,omitempty"`
	JobID            string   `json:"job_id,omitempty"`
	JobKey           string   `json:"job_key,omitempty"`
	State            string   `json:"state,omitempty"`
	ExitCode         *int     `json:"exit_code,omitempty"`
	ArtifactsDir     string   `json:"artifacts_dir,omitempty"`
	DurationMs       int64    `json:"duration_ms"`
	Error            string   `json:"error,omitempty"`
}

// runReport is the JSON-serializable form of a RunSummary, schema
// rch-xcode/run_plan@1 reused as the executed-run report shape.
type runReport struct {
	Schema   string       `json:"schema"`
	RunID    string       `json:"run_id"`
	ExitCode int          `json:"exit_code"`
	Steps    []stepReport `json:"steps"`
}

func (s RunSummary) toReport() runReport {
	r := runReport{Schema: protocol.SchemaRunPlan, RunID: s.RunID, ExitCode: int(s.ExitCode)}
	for _, step := range s.Steps {
		sr := stepReport{
			Name:             step.Name,
			Accepted:         step.Accepted,
			RejectionReasons: step.RejectionReasons,
			Worker:           step.WorkerName,
			JobID:            step.JobID,
			JobKey:           step.JobKey,
			State:            step.State,
			ExitCode:         step.ExitCode,
			ArtifactsDir:     step.ArtifactsDir,
			DurationMs:       step.Duration.Milliseconds(),
		}
		if step.Err != nil {
			sr.Error = step.Err.Error()
		}
		r.Steps = append(r.Steps, sr)
	}
	return r
}

// WriteJSON writes the run summary as JSON to path, mirroring
// harness/reporters' JSON reporter half of its dual-reporter split
// (SPEC_FULL.md "Pipeline Orchestrator").
func (s RunSummary) WriteJSON(path string) error {
	data, err := json.MarshalIndent(s.toReport(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// WriteHuman writes a one-line-per-step human-readable summary,
// the other half of the same dual-reporter split.
func (s RunSummary) WriteHuman(w io.Writer) {
	fmt.Fprintf(w, "run %s: exit code %d\n", s.RunID, s.ExitCode)
	for _, step := range s.Steps {
		status := step.State
		if status == "" {
			status = "rejected"
		}
		fmt.Fprintf(w, "  %-20s %-10s worker=%s", step.Name, status, step.WorkerName)
		if step.ExitCode != nil {
			fmt.Fprintf(w, " exit=%d", *step.ExitCode)
		}
		fmt.Fprintf(w, " (%s)\n", step.Duration)
		if step.Err != nil {
			fmt.Fprintf(w, "    error: %v\n", step.Err)
		}
		for _, reason := range step.RejectionReasons {
			fmt.Fprintf(w, "    rejected: %s\n", reason)
		}
	}
}
