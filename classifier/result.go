package classifier

// ReasonType is the closed tag for RejectionReason (spec.md §3).
type ReasonType string

const (
	ReasonParseError            ReasonType = "ParseError"
	ReasonDeniedAction          ReasonType = "DeniedAction"
	ReasonUnknownAction         ReasonType = "UnknownAction"
	ReasonMissingAction         ReasonType = "MissingAction"
	ReasonDeniedFlag            ReasonType = "DeniedFlag"
	ReasonUnknownFlag           ReasonType = "UnknownFlag"
	ReasonMissingRequiredFlag   ReasonType = "MissingRequiredFlag"
	ReasonWorkspaceMismatch     ReasonType = "WorkspaceMismatch"
	ReasonProjectMismatch       ReasonType = "ProjectMismatch"
	ReasonSchemeMismatch        ReasonType = "SchemeMismatch"
	ReasonConfigurationNotAllowed ReasonType = "ConfigurationNotAllowed"
	ReasonDestinationMismatch   ReasonType = "DestinationMismatch"
)

// RejectionReason is a tagged rejection variant. Expected/Actual are
// populated for the *Mismatch variants; Detail carries the single
// string payload for the others (action/flag name, parse error text).
type RejectionReason struct {
	Type     ReasonType `json:"type"`
	Detail   string     `json:"detail,omitempty"`
	Expected string     `json:"expected,omitempty"`
	Actual   string     `json:"actual,omitempty"`
}

// MachineString renders the reason as e.g. "DENIED_ACTION:archive",
// "SCHEME_MISMATCH:BadScheme" — matching the original implementation's
// machine-readable explain format.
func (r RejectionReason) MachineString() string {
	switch r.Type {
	case ReasonParseError:
		return "PARSE_ERROR:" + r.Detail
	case ReasonDeniedAction:
		return "DENIED_ACTION:" + r.Detail
	case ReasonUnknownAction:
		return "UNKNOWN_ACTION:" + r.Detail
	case ReasonMissingAction:
		return "MISSING_ACTION"
	case ReasonDeniedFlag:
		return "DENIED_FLAG:" + r.Detail
	case ReasonUnknownFlag:
		return "UNKNOWN_FLAG:" + r.Detail
	case ReasonMissingRequiredFlag:
		return "MISSING_REQUIRED_FLAG:" + r.Detail
	case ReasonWorkspaceMismatch:
		return "WORKSPACE_MISMATCH:" + r.Actual
	case ReasonProjectMismatch:
		return "PROJECT_MISMATCH:" + r.Actual
	case ReasonSchemeMismatch:
		return "SCHEME_MISMATCH:" + r.Actual
	case ReasonConfigurationNotAllowed:
		return "CONFIGURATION_NOT_ALLOWED:" + r.Detail
	case ReasonDestinationMismatch:
		return "DESTINATION_MISMATCH:" + r.Actual
	default:
		return string(r.Type)
	}
}

// MatchedConstraints records what config constraints were observed in
// argv, regardless of whether the overall result was accepted.
type MatchedConstraints struct {
	Workspace     string `json:"workspace,omitempty"`
	Project       string `json:"project,omitempty"`
	Scheme        string `json:"scheme"`
	Destination   string `json:"destination,omitempty"`
	Configuration string `json:"configuration,omitempty"`
}

// Result is the outcome of classifying one xcodebuild invocation
// (spec.md §3 "ClassifierResult").
type Result struct {
	Accepted           bool                `json:"accepted"`
	Action             string              `json:"action,omitempty"`
	SanitizedArgv      []string            `json:"sanitized_argv,omitempty"`
	RejectedFlags      []string            `json:"rejected_flags,omitempty"`
	RejectionReasons   []RejectionReason   `json:"rejection_reasons,omitempty"`
	MatchedConstraints MatchedConstraints  `json:"matched_constraints"`
}

// RejectionReasonStrings renders every rejection reason via MachineString.
func (r Result) RejectionReasonStrings() []string {
	out := make([]string, 0, len(r.RejectionReasons))
	for _, reason := range r.RejectionReasons {
		out = append(out, reason.MachineString())
	}
	return out
}

func rejected(reasons []RejectionReason, rejectedFlags []string, constraints MatchedConstraints) Result {
	return Result{
		Accepted:           false,
		RejectedFlags:      rejectedFlags,
		RejectionReasons:   reasons,
		MatchedConstraints: constraints,
	}
}
