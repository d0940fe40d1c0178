package executor

import "github.com/paulrobinshaw/rch-xcode/protocol"

// Summary is the worker's summary.json (spec.md §4.J step 7, §6
// required artifacts).
type Summary struct {
	Schema            string `json:"schema"`
	Status            string `json:"status"`
	ExitCode          int    `json:"exit_code"`
	BackendExitCode   *int   `json:"backend_exit_code,omitempty"`
	BackendTermSignal string `json:"backend_term_signal,omitempty"`
	HumanSummary      string `json:"human_summary"`
	DurationMs        int64  `json:"duration_ms"`
	Backend           string `json:"backend"`
	ArtifactProfile   string `json:"artifact_profile"`
	FailureKind       string `json:"failure_kind,omitempty"`
	FailureSubkind    string `json:"failure_subkind,omitempty"`
}

// TestSummary is the structured backend's test_summary.json, derived
// from its running test counts — a feature original_source's
// executor/summary.rs has and spec.md's distillation dropped
// (SPEC_FULL.md §9.1 supplement).
type TestSummary struct {
	Schema       string   `json:"schema"`
	RunID        string   `json:"run_id"`
	JobID        string   `json:"job_id"`
	JobKey       string   `json:"job_key"`
	TotalCount   int      `json:"total_count"`
	PassedCount  int      `json:"passed_count"`
	FailedCount  int      `json:"failed_count"`
	FailingTests []string `json:"failing_tests,omitempty"`
	Source       string   `json:"source"`
}

// BuildSummary is the structured backend's build_summary.json, the
// build-side counterpart to TestSummary (same supplement).
type BuildSummary struct {
	Schema       string `json:"schema"`
	RunID        string `json:"run_id"`
	JobID        string `json:"job_id"`
	JobKey       string `json:"job_key"`
	TargetsBuilt int    `json:"targets_built"`
	WarningCount int    `json:"warning_count"`
	ErrorCount   int    `json:"error_count"`
	FirstError   string `json:"first_error,omitempty"`
	Source       string `json:"source"`
}

func newTestSummary(runID, jobID, jobKey string, c eventCounts) TestSummary {
	return TestSummary{
		Schema:       protocol.SchemaTestSummary,
		RunID:        runID,
		JobID:        jobID,
		JobKey:       jobKey,
		TotalCount:   c.testsPassed + c.testsFailed,
		PassedCount:  c.testsPassed,
		FailedCount:  c.testsFailed,
		FailingTests: c.failedTests,
		Source:       "log",
	}
}

func newBuildSummary(runID, jobID, jobKey string, c eventCounts) BuildSummary {
	return BuildSummary{
		Schema:       protocol.SchemaBuildSummary,
		RunID:        runID,
		JobID:        jobID,
		JobKey:       jobKey,
		TargetsBuilt: c.targets,
		WarningCount: c.warnings,
		ErrorCount:   c.errors,
		FirstError:   c.firstError,
		Source:       "log",
	}
}
