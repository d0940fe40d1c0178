// Package executor runs one submitted job's native build-tool
// invocation on the worker: it extracts the job's source bundle,
// builds a sanitized environment and argv, launches the tool,
// streams its output, honors cancellation, and writes the job's
// payload artifacts before handing them to artifacts.Commit
// (spec.md §4.J, §4.K). It implements server.Runner, the seam
// rpc/server.Server drives jobs through.
package executor

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/paulrobinshaw/rch-xcode/artifacts"
	"github.com/paulrobinshaw/rch-xcode/errkind"
	"github.com/paulrobinshaw/rch-xcode/logging"
	"github.com/paulrobinshaw/rch-xcode/protocol"
	"github.com/paulrobinshaw/rch-xcode/rpc/server"
	"github.com/paulrobinshaw/rch-xcode/sourcestore"
)

var plog = logging.New("executor")

const backendVersion = "1"

// Config describes the worker-wide settings the executor needs
// beyond what's already carried per-job in server.JobSpec.
type Config struct {
	Store              *sourcestore.Store
	Worker             artifacts.WorkerIdentity
	CapabilitiesDigest string
	SigningKey         ed25519.PrivateKey // nil disables attestation signing
	TerminationGrace   time.Duration
	Launcher           Launcher
	NativeTools        map[string]string // backend name -> binary, e.g. "direct" -> "xcodebuild"
	SharedDerivedData  string            // used when derived_data_mode == "shared"
	BaseEnviron        func() []string
}

// Executor implements server.Runner, generalizing mantle/system/exec's
// Cmd wrapper from "run a test binary to completion" to "run
// xcodebuild/xcrun simctl under a sanitized environment with
// cooperative cancellation" (SPEC_FULL.md "Job Executor").
type Executor struct {
	cfg Config
}

// New builds an Executor ready to run jobs.
func New(cfg Config) *Executor {
	if cfg.TerminationGrace == 0 {
		cfg.TerminationGrace = 10 * time.Second
	}
	if cfg.Launcher == nil {
		cfg.Launcher = OSLauncher{}
	}
	if cfg.BaseEnviron == nil {
		cfg.BaseEnviron = OSEnviron
	}
	if cfg.NativeTools == nil {
		cfg.NativeTools = map[string]string{
			"direct":     "xcodebuild",
			"structured": "xcodebuildmcp",
		}
	}
	return &Executor{cfg: cfg}
}

// Run implements server.Runner: extract the workspace, build the
// sanitized command, stream output, honor cancellation, write every
// payload artifact, then commit (spec.md §4.J, §4.K). A non-nil error
// return always means an executor-side failure (extraction, spawn,
// commit); a failed build/test run is reported via exitCode and
// summary.json, not via error, since it is an expected job outcome.
func (e *Executor) Run(ctx context.Context, spec server.JobSpec, onLine func(string), cancel *atomic.Bool) (int, error) {
	start := time.Now()

	if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
		return -1, errkind.Wrap(errkind.Executor, err, "create work directory")
	}
	if err := os.MkdirAll(spec.ArtifactsDir, 0o755); err != nil {
		return -1, errkind.Wrap(errkind.Executor, err, "create artifacts directory")
	}

	evlog, err := openEventLog(filepath.Join(spec.ArtifactsDir, "events.jsonl"))
	if err != nil {
		return -1, errkind.Wrap(errkind.Executor, err, "open events.jsonl")
	}
	defer evlog.close()
	evlog.record("setup", "begin", nil)

	if e.cfg.Store != nil {
		e.cfg.Store.Pin(spec.SourceSHA256)
		defer e.cfg.Store.Unpin(spec.SourceSHA256)

		bundle, err := e.cfg.Store.Open(spec.SourceSHA256)
		if err != nil {
			evlog.record("extraction", "failed", map[string]string{"error": err.Error()})
			return -1, errkind.Wrap(errkind.Source, err, "open stored source")
		}
		evlog.record("extraction", "begin", nil)
		extractErr := extractBundle(bundle, spec.WorkDir)
		bundle.Close()
		if extractErr != nil {
			evlog.record("extraction", "failed", map[string]string{"error": extractErr.Error()})
			return -1, errkind.Wrap(errkind.Source, extractErr, "extract source bundle").WithExitCode(errkind.ExitTransfer)
		}
		evlog.record("extraction", "complete", nil)
	}

	developerDir := toolchainDeveloperDir(spec.ToolchainJSON)
	env, dropped := buildEnv(e.cfg.BaseEnviron(), developerDir)
	if len(dropped) > 0 {
		plog.Warningf("job %s: dropped %d environment variables not in the allowlist: %s", spec.JobID, len(dropped), strings.Join(dropped, ", "))
	}

	if err := e.writePayloadFiles(spec, dropped); err != nil {
		return -1, err
	}

	argv := e.buildArgv(spec)
	backendName, source := resolveBackend(spec.Backend)
	tool := e.cfg.NativeTools[backendName]
	if tool == "" {
		tool = e.cfg.NativeTools["direct"]
	}

	buildLogPath := filepath.Join(spec.ArtifactsDir, "build.log")
	buildLog, err := os.Create(buildLogPath)
	if err != nil {
		return -1, errkind.Wrap(errkind.Executor, err, "create build.log")
	}
	defer buildLog.Close()

	proc := e.cfg.Launcher.Command(ctx, tool, argv, env, spec.WorkDir)

	evlog.record("execution", "begin", nil)
	var counts eventCounts
	exitCode, signaled, runErr := e.runProcess(ctx, proc, buildLog, onLine, cancel, source, &counts, evlog)
	evlog.record("execution", "complete", map[string]any{"exit_code": exitCode})

	status, failureKind, failureSubkind := classifyOutcome(cancel.Load(), runErr, exitCode, backendName, counts)

	var termSignal string
	if signaled {
		termSignal = "SIGKILL"
	}

	summary := Summary{
		Schema:            protocol.SchemaSummary,
		Status:            status,
		ExitCode:          exitCode,
		BackendExitCode:   intPtr(exitCode),
		BackendTermSignal: termSignal,
		HumanSummary:      humanSummary(status, spec.Action, exitCode),
		DurationMs:        time.Since(start).Milliseconds(),
		Backend:           spec.Backend,
		ArtifactProfile:   spec.ArtifactProfile,
		FailureKind:       failureKind,
		FailureSubkind:    failureSubkind,
	}
	if err := writeJSONFile(filepath.Join(spec.ArtifactsDir, "summary.json"), summary); err != nil {
		return exitCode, errkind.Wrap(errkind.Executor, err, "write summary.json")
	}

	if err := writeJSONFile(filepath.Join(spec.ArtifactsDir, "job_state.json"), map[string]string{
		"schema": protocol.SchemaJob,
		"state":  status,
	}); err != nil {
		return exitCode, errkind.Wrap(errkind.Executor, err, "write job_state.json")
	}

	if source != nil {
		if err := writeJSONFile(filepath.Join(spec.ArtifactsDir, "build_summary.json"), newBuildSummary(spec.RunID, spec.JobID, spec.JobKey, counts)); err != nil {
			return exitCode, errkind.Wrap(errkind.Executor, err, "write build_summary.json")
		}
		if spec.Action == "test" {
			if err := writeJSONFile(filepath.Join(spec.ArtifactsDir, "test_summary.json"), newTestSummary(spec.RunID, spec.JobID, spec.JobKey, counts)); err != nil {
				return exitCode, errkind.Wrap(errkind.Executor, err, "write test_summary.json")
			}
		}
	}

	evlog.record("completion", status, nil)
	if err := evlog.flush(); err != nil {
		return exitCode, errkind.Wrap(errkind.Executor, err, "flush events.jsonl")
	}

	commitErr := artifacts.Commit(spec.ArtifactsDir, artifacts.CommitInputs{
		RunID:              spec.RunID,
		JobID:              spec.JobID,
		JobKey:             spec.JobKey,
		SourceSHA256:       spec.SourceSHA256,
		Worker:             e.cfg.Worker,
		CapabilitiesSHA256: e.cfg.CapabilitiesDigest,
		Backend:            artifacts.BackendIdentity{Name: spec.Backend, Version: backendVersion},
		SigningKey:         e.cfg.SigningKey,
	})
	if commitErr != nil {
		return exitCode, commitErr
	}

	if runErr != nil {
		return exitCode, runErr
	}
	return exitCode, nil
}

// classifyOutcome maps the raw process result to the closed status/
// failure-kind vocabulary summary.json carries.
func classifyOutcome(cancelled bool, runErr error, exitCode int, backendName string, counts eventCounts) (status, failureKind, failureSubkind string) {
	switch {
	case cancelled:
		return "cancelled", "CANCELLED", ""
	case runErr != nil:
		return "failed", "EXECUTOR", runErr.Error()
	case exitCode != 0:
		kind := "XCODEBUILD"
		if backendName == "structured" {
			kind = "MCP"
		}
		return "failed", kind, counts.firstError
	default:
		return "succeeded", "", ""
	}
}

// buildArgv appends the artifact/derived-data flags spec.md §4.J
// requires on top of the classifier-sanitized argv: a result bundle
// path for test actions, and a derived data path per mode.
func (e *Executor) buildArgv(spec server.JobSpec) []string {
	argv := append([]string{}, spec.SanitizedArgv...)

	if spec.Action == "test" {
		argv = append(argv, "-resultBundlePath", filepath.Join(spec.ArtifactsDir, "result.xcresult"))
	}

	switch spec.DerivedDataMode {
	case "shared":
		if e.cfg.SharedDerivedData != "" {
			argv = append(argv, "-derivedDataPath", e.cfg.SharedDerivedData)
		}
	case "per_job":
		argv = append(argv, "-derivedDataPath", filepath.Join(spec.WorkDir, "DerivedData"))
	}

	return argv
}

// writePayloadFiles writes every required/optional payload artifact
// the commit needs present before artifacts.Commit builds the
// manifest: job.json is assembled fresh, the rest are the host's
// already-resolved JSON blobs persisted verbatim.
func (e *Executor) writePayloadFiles(spec server.JobSpec, dropped []string) error {
	job := map[string]any{
		"schema":            protocol.SchemaJob,
		"run_id":            spec.RunID,
		"job_id":            spec.JobID,
		"job_key":           spec.JobKey,
		"action":            spec.Action,
		"source_sha256":     spec.SourceSHA256,
		"backend":           spec.Backend,
		"derived_data_mode": spec.DerivedDataMode,
		"artifact_profile":  spec.ArtifactProfile,
		"created_at":        time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeJSONFile(filepath.Join(spec.ArtifactsDir, "job.json"), job); err != nil {
		return errkind.Wrap(errkind.Executor, err, "write job.json")
	}

	rawFiles := map[string]string{
		"toolchain.json":         spec.ToolchainJSON,
		"destination.json":       spec.DestinationJSON,
		"effective_config.json":  spec.EffectiveConfigJSON,
		"invocation.json":        spec.InvocationJSON,
		"job_key_inputs.json":    spec.JobKeyInputsJSON,
	}
	for name, raw := range rawFiles {
		if err := writeRawJSONFile(filepath.Join(spec.ArtifactsDir, name), raw); err != nil {
			return errkind.Wrap(errkind.Executor, err, fmt.Sprintf("write %s", name))
		}
	}

	if spec.ClassifierPolicyJSON != "" {
		if err := writeRawJSONFile(filepath.Join(spec.ArtifactsDir, "classifier_policy.json"), spec.ClassifierPolicyJSON); err != nil {
			return errkind.Wrap(errkind.Executor, err, "write classifier_policy.json")
		}
	}

	if err := writeJSONFile(filepath.Join(spec.ArtifactsDir, "executor_env.json"), struct {
		Dropped []string `json:"dropped"`
	}{Dropped: dropped}); err != nil {
		return errkind.Wrap(errkind.Executor, err, "write executor_env.json")
	}

	return nil
}

// toolchainDeveloperDir extracts developer_dir from the host-resolved
// toolchain JSON blob; returns "" (no override) if absent or unparsable.
func toolchainDeveloperDir(raw string) string {
	if raw == "" {
		return ""
	}
	var t struct {
		DeveloperDir string `json:"developer_dir"`
	}
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return ""
	}
	return t.DeveloperDir
}

func humanSummary(status, action string, exitCode int) string {
	switch status {
	case "succeeded":
		return fmt.Sprintf("%s succeeded", action)
	case "cancelled":
		return fmt.Sprintf("%s cancelled", action)
	default:
		return fmt.Sprintf("%s failed with exit code %d", action, exitCode)
	}
}

func intPtr(v int) *int { return &v }
