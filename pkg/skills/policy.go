package skills

// Decision is the outcome of a policy evaluation: whether the call may
// proceed, whether it instead needs caller approval, and why.
type Decision struct {
	Allowed          bool
	RequiresApproval bool
	Reason           string
}

// Policy is the tag-based approval gate: manifests whose risk tags
// include approval-required must be called with approved=true.
type Policy struct{}

// Evaluate checks manifest's risk tags against the approved flag.
func (Policy) Evaluate(manifest *Manifest, approved bool) Decision {
	requiresApproval := false
	for _, tag := range manifest.RiskTags {
		if tag == RiskApprovalRequired {
			requiresApproval = true
			break
		}
	}

	if requiresApproval && !approved {
		return Decision{Allowed: false, RequiresApproval: true, Reason: "skill requires explicit approval"}
	}
	return Decision{Allowed: true, RequiresApproval: requiresApproval}
}
