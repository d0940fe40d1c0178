// Package classifier implements the deny-by-default safety gate for
// xcodebuild invocations (spec.md §4.B). Classify is a pure function:
// (argv, Policy) -> Result, deterministic across repeated calls for
// equal inputs (spec.md §8 quantified invariant).
package classifier

import "sort"

// Policy is the allowlist+denylist+pinned-constraint configuration a
// Classifier is built from (spec.md §3 "ClassifierPolicy").
type Policy struct {
	AllowedActions       []string
	AllowedFlags         []string
	DeniedActions        []string
	DeniedFlags          []string
	Workspace            string // mutually exclusive with Project
	Project              string
	Scheme               string
	Destination          string // optional pinned destination string
	AllowedConfigurations []string // empty = any
}

// Classifier evaluates argv against a fixed Policy. It holds no mutable
// state and is safe for concurrent use.
type Classifier struct {
	policy        Policy
	allowedAction map[string]bool
	allowedFlag   map[string]bool
	deniedAction  map[string]bool
	deniedFlag    map[string]bool
}

// New builds a Classifier from the given policy, pre-indexing its
// allow/deny sets for O(1) lookups during Classify.
func New(policy Policy) *Classifier {
	c := &Classifier{
		policy:        policy,
		allowedAction: toSet(policy.AllowedActions),
		allowedFlag:   toSet(policy.AllowedFlags),
		deniedAction:  toSet(policy.DeniedActions),
		deniedFlag:    toSet(policy.DeniedFlags),
	}
	return c
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// Classify accepts or rejects argv, accumulating every applicable
// rejection reason before returning (spec.md §4.B validation order).
func (c *Classifier) Classify(argv []string) Result {
	parsed, err := parseArgv(argv)
	if err != nil {
		return rejected(
			[]RejectionReason{{Type: ReasonParseError, Detail: err.Error()}},
			nil,
			MatchedConstraints{},
		)
	}

	var reasons []RejectionReason
	var rejectedFlags []string

	action := ""
	switch {
	case !parsed.hasAction:
		reasons = append(reasons, RejectionReason{Type: ReasonMissingAction})
	case c.deniedAction[parsed.action]:
		reasons = append(reasons, RejectionReason{Type: ReasonDeniedAction, Detail: parsed.action})
	case !c.allowedAction[parsed.action]:
		reasons = append(reasons, RejectionReason{Type: ReasonUnknownAction, Detail: parsed.action})
	default:
		action = parsed.action
	}

	for _, flag := range parsed.flagOrder {
		fv := parsed.flags[flag]

		if c.deniedFlag[flag] {
			reasons = append(reasons, RejectionReason{Type: ReasonDeniedFlag, Detail: flag})
			rejectedFlags = append(rejectedFlags, flag)
			continue
		}
		if !c.allowedFlag[flag] {
			reasons = append(reasons, RejectionReason{Type: ReasonUnknownFlag, Detail: flag})
			rejectedFlags = append(rejectedFlags, flag)
			continue
		}
		if !fv.hasValue {
			continue
		}

		switch flag {
		case "-workspace":
			if c.policy.Workspace != "" && fv.value != c.policy.Workspace {
				reasons = append(reasons, RejectionReason{
					Type: ReasonWorkspaceMismatch, Expected: c.policy.Workspace, Actual: fv.value,
				})
				rejectedFlags = append(rejectedFlags, flag)
			}
		case "-project":
			if c.policy.Project != "" && fv.value != c.policy.Project {
				reasons = append(reasons, RejectionReason{
					Type: ReasonProjectMismatch, Expected: c.policy.Project, Actual: fv.value,
				})
				rejectedFlags = append(rejectedFlags, flag)
			}
		case "-scheme":
			if fv.value != c.policy.Scheme {
				reasons = append(reasons, RejectionReason{
					Type: ReasonSchemeMismatch, Expected: c.policy.Scheme, Actual: fv.value,
				})
				rejectedFlags = append(rejectedFlags, flag)
			}
		case "-configuration":
			if len(c.policy.AllowedConfigurations) > 0 && !contains(c.policy.AllowedConfigurations, fv.value) {
				reasons = append(reasons, RejectionReason{Type: ReasonConfigurationNotAllowed, Detail: fv.value})
				rejectedFlags = append(rejectedFlags, flag)
			}
		case "-destination":
			if c.policy.Destination != "" && fv.value != c.policy.Destination {
				reasons = append(reasons, RejectionReason{
					Type: ReasonDestinationMismatch, Expected: c.policy.Destination, Actual: fv.value,
				})
				rejectedFlags = append(rejectedFlags, flag)
			}
		}
	}

	if c.policy.Workspace != "" && !parsed.hasFlag("-workspace") {
		reasons = append(reasons, RejectionReason{Type: ReasonMissingRequiredFlag, Detail: "-workspace"})
	}
	if c.policy.Project != "" && !parsed.hasFlag("-project") {
		reasons = append(reasons, RejectionReason{Type: ReasonMissingRequiredFlag, Detail: "-project"})
	}
	if !parsed.hasFlag("-scheme") {
		reasons = append(reasons, RejectionReason{Type: ReasonMissingRequiredFlag, Detail: "-scheme"})
	}

	constraints := c.extractConstraints(parsed)

	if len(reasons) > 0 {
		return Result{
			Accepted:           false,
			RejectedFlags:      rejectedFlags,
			RejectionReasons:   reasons,
			MatchedConstraints: constraints,
		}
	}

	return Result{
		Accepted:           true,
		Action:             action,
		SanitizedArgv:      c.sanitizedArgv(action, parsed),
		MatchedConstraints: constraints,
	}
}

// sanitizedArgv builds the canonical argv: action first, then flags
// sorted lexicographically by flag name, each followed by its value if
// any (spec.md §3, §4.B). This ordering is the source of determinism
// that job-key derivation depends on.
func (c *Classifier) sanitizedArgv(action string, parsed *parsedArgs) []string {
	flagNames := make([]string, 0, len(parsed.flags))
	for name := range parsed.flags {
		flagNames = append(flagNames, name)
	}
	sort.Strings(flagNames)

	out := make([]string, 0, 1+2*len(flagNames))
	out = append(out, action)
	for _, name := range flagNames {
		out = append(out, name)
		if fv := parsed.flags[name]; fv.hasValue {
			out = append(out, fv.value)
		}
	}
	return out
}

func (c *Classifier) extractConstraints(parsed *parsedArgs) MatchedConstraints {
	workspace, _ := parsed.flagString("-workspace")
	project, _ := parsed.flagString("-project")
	scheme, _ := parsed.flagString("-scheme")
	destination, _ := parsed.flagString("-destination")
	configuration, _ := parsed.flagString("-configuration")
	return MatchedConstraints{
		Workspace:     workspace,
		Project:       project,
		Scheme:        scheme,
		Destination:   destination,
		Configuration: configuration,
	}
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
