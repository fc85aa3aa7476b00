package cert

import "time"

// PhaseConfig enables a phase and gives it a duration.
type PhaseConfig struct {
	Phase    Phase
	Enabled  bool
	Duration time.Duration
}

// RuleHook identifies when a configured rule fires.
type RuleHook struct {
	Phase Phase
	Enter bool
}

// Definition is the immutable configuration template behind a certification.
// Builders stamp a reference onto every certification they generate; the
// engine only ever reads it.
type Definition struct {
	ID   string
	Name string

	StagingEnabled bool
	PhaseConfigs   []PhaseConfig

	// PhaseRules maps (phase, enter|exit) to a rule name. This is the
	// modern location.
	PhaseRules map[RuleHook]string

	// Attributes is the legacy attribute map. Phase rules recorded under
	// "<phase>PhaseEnterRule" / "<phase>PhaseExitRule" keys here take
	// precedence for backward compatibility.
	Attributes map[string]any

	CertifierNames []string

	ActivePeriodDuration time.Duration
	AutoCloseAfter       time.Duration

	// Auto close options.
	AutomaticClosingEnabled  bool
	AutomaticClosingAction   ActionStatus
	AutomaticClosingComments string
	AutomaticClosingSigner   string
	AutomaticClosingRule     string

	AllowExceptionDuration time.Duration

	// MitigationExpirationAction overrides the system-wide expiry action
	// for mitigations granted under this definition: "Nothing" or
	// "Provision".
	MitigationExpirationAction string

	// ShowRecommendations plus AutoApprove enables decision preloading
	// from the recommendation service when the certification activates.
	ShowRecommendations bool
	AutoApprove         bool

	// AutoDeprovisionMitigations adds a sunset removal plan to mitigate
	// decisions on deprovisionable item types.
	AutoDeprovisionMitigations bool

	// UpdateAttributeAssignments gates the assignment synchronizer.
	UpdateAttributeAssignments bool

	// ProcessRevokesImmediately switches items to rolling phases.
	ProcessRevokesImmediately bool

	// Manager generation options.
	IncludeSubordinateCerts bool
	FlattenHierarchy        bool
	IncludedApplications    []string
	PartitionCount          int
}

// PhaseEnabled reports whether the certification passes through the phase.
// Active and End are always part of the lifecycle; Staged only when staging
// is turned on.
func (d *Definition) PhaseEnabled(p Phase) bool {
	switch p {
	case PhaseActive, PhaseEnd:
		return true
	case PhaseStaged:
		return d.StagingEnabled
	}
	for _, pc := range d.PhaseConfigs {
		if pc.Phase == p {
			return pc.Enabled
		}
	}
	return false
}

// PhaseConfigFor returns the config for a phase, or nil.
func (d *Definition) PhaseConfigFor(p Phase) *PhaseConfig {
	for i := range d.PhaseConfigs {
		if d.PhaseConfigs[i].Phase == p {
			return &d.PhaseConfigs[i]
		}
	}
	if p == PhaseActive && d.ActivePeriodDuration > 0 {
		return &PhaseConfig{Phase: PhaseActive, Enabled: true, Duration: d.ActivePeriodDuration}
	}
	return nil
}

// legacy attribute-map keys checked before PhaseRules.
func legacyRuleKey(p Phase, enter bool) string {
	dir := "Exit"
	if enter {
		dir = "Enter"
	}
	return p.String() + "Phase" + dir + "Rule"
}

// RuleFor resolves the configured rule name for a phase transition, checking
// the legacy attribute-map location before the definition field.
func (d *Definition) RuleFor(p Phase, enter bool) string {
	if d == nil {
		return ""
	}
	if d.Attributes != nil {
		if name, ok := d.Attributes[legacyRuleKey(p, enter)].(string); ok && name != "" {
			return name
		}
	}
	if d.PhaseRules != nil {
		return d.PhaseRules[RuleHook{Phase: p, Enter: enter}]
	}
	return ""
}
