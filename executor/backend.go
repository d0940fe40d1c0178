package executor

import (
	"encoding/json"
	"strings"
)

// BackendEventKind is the closed set of structured-backend event
// categories the worker maintains running counts for (spec.md §4.J,
// "maintain running counts of targets/warnings/errors/tests").
type BackendEventKind string

const (
	EventTargetCompleted  BackendEventKind = "target_completed"
	EventWarning          BackendEventKind = "warning"
	EventError            BackendEventKind = "error"
	EventTestSuiteStarted BackendEventKind = "test_suite_started"
	EventTestCasePassed   BackendEventKind = "test_case_passed"
	EventTestCaseFailed   BackendEventKind = "test_case_failed"
	EventOther            BackendEventKind = "other"
)

// BackendEvent is one structured event parsed from the backend's
// output stream.
type BackendEvent struct {
	Kind       BackendEventKind `json:"kind"`
	Message    string           `json:"message,omitempty"`
	Target     string           `json:"target,omitempty"`
	TestName   string           `json:"test_name,omitempty"`
	TestSuite  string           `json:"test_suite,omitempty"`
	File       string           `json:"file,omitempty"`
	Line       int              `json:"line,omitempty"`
	DurationMs int64            `json:"duration_ms,omitempty"`
}

// EventSource parses one line of backend output into a BackendEvent.
// The direct backend has no EventSource — it only observes the plain
// process exit code. The structured backend's jsonEventSource
// implements it, mirroring the per-event JSON lines the original's
// MCP executor (original_source's executor/mcp.rs) parses.
type EventSource interface {
	Parse(line string) (BackendEvent, bool)
}

// jsonEventSource parses newline-delimited JSON events, one {"type":
// "...", ...} object per line.
type jsonEventSource struct{}

func (jsonEventSource) Parse(line string) (BackendEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return BackendEvent{}, false
	}

	var raw struct {
		Type       string `json:"type"`
		Message    string `json:"message"`
		Target     string `json:"target"`
		TestName   string `json:"test_name"`
		TestSuite  string `json:"test_suite"`
		File       string `json:"file"`
		Line       int    `json:"line"`
		DurationMs int64  `json:"duration_ms"`
	}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return BackendEvent{}, false
	}

	return BackendEvent{
		Kind:       classifyEventType(raw.Type),
		Message:    raw.Message,
		Target:     raw.Target,
		TestName:   raw.TestName,
		TestSuite:  raw.TestSuite,
		File:       raw.File,
		Line:       raw.Line,
		DurationMs: raw.DurationMs,
	}, true
}

// classifyEventType normalizes the backend's free-form type strings
// into the closed BackendEventKind set, including the underscore/no-
// underscore aliases the original backend accepts.
func classifyEventType(t string) BackendEventKind {
	switch strings.ToLower(t) {
	case "target_completed", "target_complete":
		return EventTargetCompleted
	case "warning":
		return EventWarning
	case "error":
		return EventError
	case "test_suite_started", "testsuite_started":
		return EventTestSuiteStarted
	case "test_case_passed", "testcase_passed":
		return EventTestCasePassed
	case "test_case_failed", "testcase_failed":
		return EventTestCaseFailed
	default:
		return EventOther
	}
}

// eventCounts accumulates the structured backend's running counts
// used to derive build_summary.json / test_summary.json.
type eventCounts struct {
	targets     int
	warnings    int
	errors      int
	testSuites  int
	testsPassed int
	testsFailed int
	firstError  string
	failedTests []string
}

func (c *eventCounts) observe(e BackendEvent) {
	switch e.Kind {
	case EventTargetCompleted:
		c.targets++
	case EventWarning:
		c.warnings++
	case EventError:
		c.errors++
		if c.firstError == "" {
			c.firstError = e.Message
		}
	case EventTestSuiteStarted:
		c.testSuites++
	case EventTestCasePassed:
		c.testsPassed++
	case EventTestCaseFailed:
		c.testsFailed++
		if e.TestName != "" {
			c.failedTests = append(c.failedTests, e.TestName)
		}
	}
}

// resolveBackend maps a job's requested backend name to its
// normalized identity and EventSource (nil for the direct backend).
func resolveBackend(name string) (string, EventSource) {
	switch name {
	case "structured", "mcp":
		return "structured", jsonEventSource{}
	default:
		return "direct", nil
	}
}
