package server

import (
	"sync"
	"time"
)

// JobState is the closed set of job lifecycle states (spec.md §4.I/§4.J).
type JobState string

const (
	JobQueued          JobState = "queued"
	JobRunning         JobState = "running"
	JobCancelRequested JobState = "cancel_requested"
	JobCancelled       JobState = "cancelled"
	JobSucceeded       JobState = "succeeded"
	JobFailed          JobState = "failed"
)

// IsTerminal reports whether s is a terminal job state.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCancelled, JobSucceeded, JobFailed:
		return true
	default:
		return false
	}
}

// JobSpec is everything the runner needs to execute a submitted job.
// The *JSON fields carry the host-resolved records verbatim (already
// serialized JSON text) so the runner can persist them as payload
// artifacts without re-deriving anything the host already computed.
type JobSpec struct {
	RunID                string
	JobID                string
	JobKey               string
	Action               string
	SourceSHA256         string
	SanitizedArgv        []string
	ToolchainBuild       string
	ToolchainJSON        string
	DestinationJSON      string
	EffectiveConfigJSON  string
	InvocationJSON       string
	JobKeyInputsJSON     string
	ClassifierPolicyJSON string
	DerivedDataMode      string
	Backend              string
	ArtifactProfile      string
	WorkDir              string
	ArtifactsDir         string
}

// logBuffer is an append-only line buffer a running job's output is
// written to and tail reads slices from by cursor.
type logBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (b *logBuffer) append(line string) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	b.mu.Unlock()
}

func (b *logBuffer) slice(cursor, limit int64) ([]string, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= int64(len(b.lines)) {
		return nil, cursor
	}
	end := cursor + limit
	if limit <= 0 || end > int64(len(b.lines)) {
		end = int64(len(b.lines))
	}
	return append([]string{}, b.lines[cursor:end]...), end
}

func (b *logBuffer) length() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.lines))
}

// job is the server's in-memory record for one submitted job.
type job struct {
	mu         sync.Mutex
	spec       JobSpec
	state      JobState
	exitCode   *int
	startedAt  time.Time
	finishedAt time.Time
	cancelled  bool
	log        *logBuffer
	cancelFn   func(reason string)
}

func (j *job) snapshot() (JobState, *int, time.Time, time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state, j.exitCode, j.startedAt, j.finishedAt
}

func (j *job) setState(s JobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// lease is one reserved job slot.
type lease struct {
	id        string
	runID     string
	expiresAt time.Time
}
