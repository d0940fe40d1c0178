package classifier

// Explanation is a diagnostic rendering of a classification decision,
// for the `explain` CLI surface and for classifier_policy.json auditing.
// Grounded on original_source/src/classifier/explain.rs.
type Explanation struct {
	InputArgv          []string            `json:"input_argv"`
	Accepted           bool                `json:"accepted"`
	Action             string              `json:"action,omitempty"`
	SanitizedArgv      []string            `json:"sanitized_argv,omitempty"`
	RejectionReasons   []string            `json:"rejection_reasons"`
	MatchedConstraints MatchedConstraints  `json:"matched_constraints"`
	EffectivePolicy    EffectivePolicy     `json:"effective_policy"`
	Summary            string              `json:"summary"`
}

// EffectivePolicy is the policy snapshot rendered alongside a decision.
type EffectivePolicy struct {
	AllowedActions        []string `json:"allowed_actions"`
	DeniedActions         []string `json:"denied_actions"`
	AllowedFlags          []string `json:"allowed_flags"`
	DeniedFlags           []string `json:"denied_flags"`
	Workspace             string   `json:"workspace,omitempty"`
	Project               string   `json:"project,omitempty"`
	RequiredScheme         string   `json:"required_scheme"`
	AllowedConfigurations []string `json:"allowed_configurations"`
}

// Explain builds a full Explanation for argv, re-running Classify so the
// explanation and the live decision can never drift apart.
func (c *Classifier) Explain(argv []string) Explanation {
	result := c.Classify(argv)
	return Explanation{
		InputArgv:          argv,
		Accepted:           result.Accepted,
		Action:             result.Action,
		SanitizedArgv:      result.SanitizedArgv,
		RejectionReasons:   result.RejectionReasonStrings(),
		MatchedConstraints: result.MatchedConstraints,
		EffectivePolicy: EffectivePolicy{
			AllowedActions:        c.policy.AllowedActions,
			DeniedActions:         c.policy.DeniedActions,
			AllowedFlags:          c.policy.AllowedFlags,
			DeniedFlags:           c.policy.DeniedFlags,
			Workspace:             c.policy.Workspace,
			Project:               c.policy.Project,
			RequiredScheme:        c.policy.Scheme,
			AllowedConfigurations: c.policy.AllowedConfigurations,
		},
		Summary: summarize(result),
	}
}

func summarize(result Result) string {
	if result.Accepted {
		return "accepted: action=" + result.Action
	}
	if len(result.RejectionReasons) == 0 {
		return "rejected: no reasons recorded"
	}
	reason := result.RejectionReasons[0].MachineString()
	if len(result.RejectionReasons) > 1 {
		return "rejected: " + reason + " (+ more)"
	}
	return "rejected: " + reason
}

// PolicyHash computes the RFC 8785 canonical-JSON SHA-256 digest of a
// Policy snapshot so the active policy is auditable (spec.md §3).
func PolicyHash(policy Policy) (digest string, canonicalBytes []byte, err error) {
	return policyHash(policy)
}
