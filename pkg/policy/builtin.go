package policy

// Built-in guardrails. These encode the free-tier ceilings so a mistyped
// profile cannot request billable capacity.

const freeTierRego = `package capahunt.freetier

deny contains msg if {
	input.spec.shape == "VM.Standard.A1.Flex"
	input.spec.ocpus > 4
	msg := sprintf("A1 profile %s requests %d OCPUs, free tier allows at most 4", [input.spec.profile, input.spec.ocpus])
}

deny contains msg if {
	input.spec.shape == "VM.Standard.A1.Flex"
	input.spec.memory_gb > 24
	msg := sprintf("A1 profile %s requests %d GB memory, free tier allows at most 24", [input.spec.profile, input.spec.memory_gb])
}
`

const completenessRego = `package capahunt.completeness

deny contains msg if {
	input.spec.display_name == ""
	msg := "display_name is required"
}

deny contains msg if {
	input.spec.image_id == ""
	msg := sprintf("profile %s has no image_id", [input.spec.profile])
}

deny contains msg if {
	input.spec.subnet_id == ""
	msg := sprintf("profile %s has no subnet_id", [input.spec.profile])
}

deny contains msg if {
	count(input.spec.zones) == 0
	msg := sprintf("profile %s has no candidate zones", [input.spec.profile])
}

deny contains msg if {
	input.spec.zones == null
	msg := sprintf("profile %s has no candidate zones", [input.spec.profile])
}
`

// BuiltinPolicies returns the guardrails every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		{
			Name:     "free-tier-limits",
			Source:   "builtin",
			Rego:     freeTierRego,
			Severity: SeverityError,
			Enabled:  true,
		},
		{
			Name:     "profile-completeness",
			Source:   "builtin",
			Rego:     completenessRego,
			Severity: SeverityError,
			Enabled:  true,
		},
	}
}
