package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/paulrobinshaw/rch-xcode/artifacts"
	"github.com/paulrobinshaw/rch-xcode/classifier"
	"github.com/paulrobinshaw/rch-xcode/destination"
	"github.com/paulrobinshaw/rch-xcode/errkind"
	"github.com/paulrobinshaw/rch-xcode/jobkey"
	"github.com/paulrobinshaw/rch-xcode/logging"
	"github.com/paulrobinshaw/rch-xcode/protocol"
	"github.com/paulrobinshaw/rch-xcode/rpc"
	"github.com/paulrobinshaw/rch-xcode/selection"
	"github.com/paulrobinshaw/rch-xcode/toolchain"
)

var plog = logging.New("pipeline")

const (
	defaultPollInterval = time.Second
	defaultTailLimit    = int64(1000)
)

// StepSpec is one Xcode invocation a run drives through to completion.
type StepSpec struct {
	Name                  string
	Argv                  []string
	RequiredTags          []string
	ToolchainConstraint   toolchain.Constraint
	DestinationConstraint destination.Constraint
	DerivedDataMode       string
	Backend               string
	ArtifactProfile       string
	IdleTimeout           time.Duration
	OverallTimeout        time.Duration
	PollInterval          time.Duration
}

// RunSpec is everything Run needs to drive every step of one
// invocation (spec.md §1 "a run is a sequence of steps against one
// checked-out source tree").
type RunSpec struct {
	RunID         string
	SourceSHA256  string
	SourceArchive []byte
	Compression   string
	Classifier    *classifier.Classifier
	PolicyJSON    string
	Workers       []selection.WorkerEntry
	Dialer        WorkerDialer
	ResultsRoot   string
	Steps         []StepSpec
}

// StepResult is one step's outcome, folded into the run summary.
type StepResult struct {
	Name             string
	Accepted         bool
	RejectionReasons []string
	WorkerName       string
	JobID            string
	JobKey           string
	State            string
	ExitCode         *int
	ArtifactsDir     string
	VerifyResult     *artifacts.VerifyResult
	Duration         time.Duration
	Err              error
}

// RunSummary aggregates every step's outcome for one run.
type RunSummary struct {
	RunID    string
	Steps    []StepResult
	ExitCode errkind.ExitCode
}

// Run drives spec.Steps sequentially against spec.Workers, returning
// the aggregated summary. A step failure does not stop the run; later
// steps still execute, and the run's overall ExitCode reflects the
// worst outcome across all of them (spec.md §4.M).
func Run(ctx context.Context, spec RunSpec) RunSummary {
	summary := RunSummary{RunID: spec.RunID}
	errs := make([]error, 0, len(spec.Steps))

	for _, step := range spec.Steps {
		start := time.Now()
		res := runStep(ctx, spec, step)
		res.Duration = time.Since(start)
		summary.Steps = append(summary.Steps, res)
		errs = append(errs, res.Err)
		if res.Err != nil {
			plog.Warningf("step %s: %v", step.Name, res.Err)
		}
	}

	summary.ExitCode = errkind.HighestSeverity(errs)
	return summary
}

func runStep(ctx context.Context, spec RunSpec, step StepSpec) StepResult {
	res := StepResult{Name: step.Name}

	classified := spec.Classifier.Classify(step.Argv)
	if !classified.Accepted {
		res.RejectionReasons = classified.RejectionReasonStrings()
		res.Err = errkind.New(errkind.Policy, "step "+step.Name+" rejected by classifier").WithExitCode(errkind.ExitClassifierRejected)
		return res
	}
	res.Accepted = true

	open, snaps := dialAll(ctx, spec.Dialer, spec.Workers)
	defer closeAll(open)

	selResult := selection.Select(snaps, selection.Request{
		RequiredTags:          step.RequiredTags,
		ToolchainConstraint:   step.ToolchainConstraint,
		DestinationConstraint: step.DestinationConstraint,
		HostProtocolRange:     protocol.ProtocolRange{Min: 1, Max: 1},
	})
	if selResult.Selected == nil {
		res.Err = errkind.New(errkind.Resolution, "no worker available for step "+step.Name).WithExitCode(errkind.ExitWorkerIncompatible)
		return res
	}

	var chosen *openWorker
	for i := range open {
		if open[i].entry.Name == selResult.Selected.Name {
			chosen = &open[i]
			break
		}
	}
	if chosen == nil {
		res.Err = errkind.New(errkind.Resolution, "selected worker not reachable: "+selResult.Selected.Name)
		return res
	}
	res.WorkerName = chosen.entry.Name

	toolchainRes, err := toolchain.Resolve(chosen.caps, step.ToolchainConstraint)
	if err != nil {
		res.Err = err
		return res
	}
	destRes, err := destination.Resolve(step.DestinationConstraint, chosen.caps)
	if err != nil {
		res.Err = err
		return res
	}

	jobKey, jobKeyBytes, err := jobkey.Derive(jobkey.New(spec.SourceSHA256, classified.SanitizedArgv, toolchainRes.Identity, destRes))
	if err != nil {
		res.Err = errkind.Wrap(errkind.Job, err, "derive job_key")
		return res
	}
	res.JobKey = jobKey

	toolchainBytes, _ := json.Marshal(toolchainRes.Identity)
	destBytes, _ := json.Marshal(destRes)
	invocationBytes, _ := json.Marshal(map[string]any{
		"argv": step.Argv, "sanitized_argv": classified.SanitizedArgv, "action": classified.Action,
	})

	lease, err := chosen.client.Reserve(ctx, spec.RunID)
	if err != nil {
		res.Err = errkind.Wrap(errkind.Lease, err, "reserve")
		return res
	}
	defer chosen.client.Release(ctx, lease.LeaseID)

	hasSource, err := chosen.client.HasSource(ctx, spec.SourceSHA256)
	if err != nil {
		res.Err = errkind.Wrap(errkind.Source, err, "has_source")
		return res
	}
	if !hasSource {
		if err := chosen.client.UploadSource(ctx, spec.SourceSHA256, spec.Compression, spec.SourceArchive); err != nil {
			res.Err = errkind.Wrap(errkind.Source, err, "upload_source")
			return res
		}
	}

	jobID := spec.RunID + "-" + step.Name
	submitResp, err := chosen.client.Submit(ctx, rpc.SubmitRequest{
		RunID:                spec.RunID,
		JobID:                jobID,
		JobKey:               jobKey,
		Action:               classified.Action,
		SourceSHA256:         spec.SourceSHA256,
		SanitizedArgv:        classified.SanitizedArgv,
		ToolchainBuild:       toolchainRes.Identity.XcodeBuild,
		ToolchainJSON:        string(toolchainBytes),
		DestinationJSON:      string(destBytes),
		EffectiveConfigJSON:  spec.PolicyJSON,
		InvocationJSON:       string(invocationBytes),
		JobKeyInputsJSON:     string(jobKeyBytes),
		ClassifierPolicyJSON: spec.PolicyJSON,
		DerivedDataMode:      step.DerivedDataMode,
		Backend:              step.Backend,
		ArtifactProfile:      step.ArtifactProfile,
	})
	if err != nil {
		res.Err = errkind.Wrap(errkind.Job, err, "submit")
		return res
	}
	res.JobID = submitResp.JobID

	state, exitCode, pollErr := pollUntilTerminal(ctx, chosen, jobID, step)
	res.State = state
	res.ExitCode = exitCode
	if pollErr != nil {
		res.Err = pollErr
		return res
	}
	if state != "succeeded" {
		res.Err = errkind.Newf(errkind.Xcodebuild, "step %s ended in state %s", step.Name, state).WithExitCode(errkind.ExitXcodebuild)
		return res
	}

	archive, err := chosen.client.Fetch(ctx, jobID)
	if err != nil {
		res.Err = errkind.Wrap(errkind.Artifacts, err, "fetch")
		return res
	}

	destDir := filepath.Join(spec.ResultsRoot, step.Name)
	if err := extractTar(bytes.NewReader(archive), destDir); err != nil {
		res.Err = errkind.Wrap(errkind.Artifacts, err, "extract fetched artifacts")
		return res
	}
	res.ArtifactsDir = destDir

	verifyResult, err := artifacts.VerifyArtifacts(destDir)
	if err != nil {
		res.Err = errkind.Wrap(errkind.Artifacts, err, "verify artifacts")
		return res
	}
	res.VerifyResult = &verifyResult
	if !verifyResult.OK {
		res.State = "failed"
		res.Err = errkind.New(errkind.Attestation, "artifact verification failed for step "+step.Name).WithExitCode(errkind.ExitAttestation)
		return res
	}

	return res
}

// pollUntilTerminal repeatedly calls Status/Tail until the job reaches
// a terminal state, enforcing both an idle timeout (no new tail output)
// and an overall timeout, cancelling the job with the matching reason
// when either fires (spec.md §4.M).
func pollUntilTerminal(ctx context.Context, w *openWorker, jobID string, step StepSpec) (string, *int, error) {
	pollInterval := step.PollInterval
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}

	var overallDeadline time.Time
	if step.OverallTimeout > 0 {
		overallDeadline = time.Now().Add(step.OverallTimeout)
	}
	lastProgress := time.Now()
	var cursor int64

	for {
		status, err := w.client.Status(ctx, jobID)
		if err != nil {
			return "", nil, errkind.Wrap(errkind.Job, err, "poll status")
		}

		tail, tailErr := w.client.Tail(ctx, jobID, cursor, defaultTailLimit)
		if tailErr == nil && tail.NextCursor != nil {
			if len(tail.Lines) > 0 {
				lastProgress = time.Now()
			}
			cursor = *tail.NextCursor
		}

		if isTerminalState(status.State) {
			return status.State, status.ExitCode, nil
		}

		now := time.Now()
		if !overallDeadline.IsZero() && now.After(overallDeadline) {
			w.client.Cancel(ctx, jobID, "TIMEOUT_OVERALL")
			return "cancelled", nil, errkind.New(errkind.Timeout, "step "+step.Name+" exceeded overall timeout").WithExitCode(errkind.ExitCancelled)
		}
		if step.IdleTimeout > 0 && now.Sub(lastProgress) > step.IdleTimeout {
			w.client.Cancel(ctx, jobID, "TIMEOUT_IDLE")
			return "cancelled", nil, errkind.New(errkind.Timeout, "step "+step.Name+" exceeded idle timeout").WithExitCode(errkind.ExitCancelled)
		}

		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func isTerminalState(s string) bool {
	switch s {
	case "succeeded", "failed", "cancelled":
		return true
	default:
		return false
	}
}
