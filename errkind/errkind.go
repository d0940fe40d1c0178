// Package errkind implements the closed error-kind enumeration shared by
// the host and worker. Every failure that crosses a component boundary is
// wrapped in an *Error so callers can map it to a stable wire code (RPC
// responses) or a stable process exit code (CLI) without re-deriving the
// classification from an error string.
package errkind

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the closed set of failure categories from spec.md §7.
type Kind string

const (
	Parsing      Kind = "parsing"
	Policy       Kind = "policy"
	Resolution   Kind = "resolution"
	Protocol     Kind = "protocol"
	Transport    Kind = "transport"
	Capacity     Kind = "capacity"
	Lease        Kind = "lease"
	Source       Kind = "source"
	Job          Kind = "job"
	Artifacts    Kind = "artifacts"
	Cancellation Kind = "cancellation"
	Timeout      Kind = "timeout"
	Bundler      Kind = "bundler"
	Attestation  Kind = "attestation"
	Executor     Kind = "executor"
	Xcodebuild   Kind = "xcodebuild"
	MCP          Kind = "mcp"
)

// ExitCode is the stable process exit code taxonomy from spec.md §6.
type ExitCode int

const (
	ExitSuccess            ExitCode = 0
	ExitClassifierRejected ExitCode = 10
	ExitTransportSSH       ExitCode = 20
	ExitTransfer           ExitCode = 30
	ExitExecutor           ExitCode = 40
	ExitXcodebuild         ExitCode = 50
	ExitMCP                ExitCode = 60
	ExitArtifacts          ExitCode = 70
	ExitCancelled          ExitCode = 80
	ExitWorkerBusy         ExitCode = 90
	ExitWorkerIncompatible ExitCode = 91
	ExitBundler            ExitCode = 92
	ExitAttestation        ExitCode = 93
)

// kindExitCodes maps each Kind to its default exit code. Callers with more
// context (e.g. the RPC client, which sees the specific wire code) may
// override this via WithExitCode.
var kindExitCodes = map[Kind]ExitCode{
	Parsing:      ExitClassifierRejected,
	Policy:       ExitClassifierRejected,
	Resolution:   ExitWorkerIncompatible,
	Protocol:     ExitTransportSSH,
	Transport:    ExitTransportSSH,
	Capacity:     ExitWorkerBusy,
	Lease:        ExitWorkerBusy,
	Source:       ExitTransfer,
	Job:          ExitExecutor,
	Artifacts:    ExitArtifacts,
	Cancellation: ExitCancelled,
	Timeout:      ExitCancelled,
	Bundler:      ExitBundler,
	Attestation:  ExitAttestation,
	Executor:     ExitExecutor,
	Xcodebuild:   ExitXcodebuild,
	MCP:          ExitMCP,
}

// Error is the error type carried across every internal component
// boundary. It always knows its Kind; Data carries the per-variant
// fields spec.md calls out (e.g. retry_after_seconds, expected/actual).
type Error struct {
	kind     Kind
	msg      string
	cause    error
	code     ExitCode
	hasCode  bool
	Data     map[string]any
}

// New creates a fresh *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf creates a fresh *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error, preserving it as the cause.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{kind: kind, msg: msg, cause: errors.Wrap(cause, msg)}
}

// WithData attaches per-variant structured fields and returns the receiver
// for chaining at the call site.
func (e *Error) WithData(key string, value any) *Error {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// WithExitCode overrides the exit code this Kind would otherwise map to.
func (e *Error) WithExitCode(code ExitCode) *Error {
	e.code = code
	e.hasCode = true
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Kind returns this error's closed category.
func (e *Error) Kind() Kind {
	return e.kind
}

// ExitCode returns the stable process exit code for this error.
func (e *Error) ExitCode() ExitCode {
	if e.hasCode {
		return e.code
	}
	if code, ok := kindExitCodes[e.kind]; ok {
		return code
	}
	return ExitExecutor
}

// As attempts to recover an *Error from an arbitrary error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HighestSeverity picks the exit code for the run summary: success (0)
// only if every error is nil; otherwise the highest-severity
// (numerically largest, matching spec.md's exit code ordering where
// later-assigned codes supersede earlier ones in a single run) exit code
// observed across all steps.
func HighestSeverity(errs []error) ExitCode {
	worst := ExitSuccess
	for _, err := range errs {
		if err == nil {
			continue
		}
		code := ExitExecutor
		if e, ok := As(err); ok {
			code = e.ExitCode()
		}
		if code > worst {
			worst = code
		}
	}
	return worst
}
