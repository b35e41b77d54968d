package patterns

// =============================================================================
// BUILT-IN SIGNATURE DEFINITIONS
// Surgical regexes for the two attack classes the gateway blocks outright.
// Registration order is match order within a class.
// =============================================================================

// --- ROLE HIJACKING ---
// Attempts to change the assistant's role or identity.
func (r *Registry) registerRoleHijackingPatterns() {
	threat := ThreatRoleHijacking

	r.register("you_are_now_admin",
		`(?i)you\s+are\s+now\s+(?:an?\s+)?(?:admin|administrator|root|superuser)`,
		threat, "Direct role reassignment to a privileged identity")
	r.register("you_are_developer",
		`(?i)you\s+are\s+(?:now\s+)?(?:a\s+)?(?:developer|programmer|coder)`,
		threat, "Role reassignment to developer persona")
	r.register("act_as_admin",
		`(?i)act\s+as\s+(?:if\s+you\s+are\s+)?(?:an?\s+)?(?:admin|developer|system)`,
		threat, "Act-as framing for privileged persona")
	r.register("pretend_admin",
		`(?i)pretend\s+(?:that\s+)?you\s+are\s+(?:an?\s+)?(?:admin|developer|system)`,
		threat, "Pretend framing for privileged persona")
	r.register("from_now_on_admin",
		`(?i)from\s+now\s+on\s+you\s+are\s+(?:an?\s+)?(?:admin|developer)`,
		threat, "Persistent role reassignment")
}

// --- INSTRUCTION OVERRIDE ---
// Attempts to discard or bypass the system's standing instructions.
func (r *Registry) registerInstructionOverridePatterns() {
	threat := ThreatInstructionOverride

	r.register("ignore_instructions",
		`(?i)ignore\s+(?:all\s+)?(?:previous\s+)?(?:instructions|rules|guidelines)`,
		threat, "Ignore-previous-instructions phrasing")
	r.register("forget_instructions",
		`(?i)forget\s+(?:all\s+)?(?:previous\s+)?(?:instructions|rules)`,
		threat, "Forget-instructions phrasing")
	r.register("disregard_instructions",
		`(?i)disregard\s+(?:all\s+)?(?:previous\s+)?(?:instructions|rules)`,
		threat, "Disregard-instructions phrasing")
	r.register("override_instructions",
		`(?i)override\s+(?:all\s+)?(?:previous\s+)?(?:instructions|rules)`,
		threat, "Override-instructions phrasing")
	r.register("system_override",
		`(?i)system\s+override`,
		threat, "Claimed system override")
	r.register("bypass_instructions",
		`(?i)bypass\s+(?:all\s+)?(?:previous\s+)?(?:instructions|rules)`,
		threat, "Bypass-instructions phrasing")
}
