package cert

import "time"

// Phaseable is anything that moves through lifecycle phases: whole
// certifications, and individual items when the certification rolls phases
// per item.
type Phaseable interface {
	GetPhase() Phase
	SetPhase(Phase)
	GetNextPhaseTransition() *time.Time
	SetNextPhaseTransition(*time.Time)
	// GetCertification returns the owning certification (itself, for a
	// Certification).
	GetCertification() *Certification
	// NextPhase returns the next enabled phase, ignoring skip rules.
	NextPhase() Phase
	// PreviousPhase returns the previous enabled phase, ignoring skip rules.
	PreviousPhase() Phase
}

func (c *Certification) GetPhase() Phase                     { return c.Phase }
func (c *Certification) SetPhase(p Phase)                    { c.Phase = p }
func (c *Certification) GetNextPhaseTransition() *time.Time  { return c.NextPhaseTransition }
func (c *Certification) SetNextPhaseTransition(t *time.Time) { c.NextPhaseTransition = t }
func (c *Certification) GetCertification() *Certification    { return c }

func (c *Certification) NextPhase() Phase     { return NextEnabledPhase(c.Definition, c.Phase) }
func (c *Certification) PreviousPhase() Phase { return PreviousEnabledPhase(c.Definition, c.Phase) }

func (i *CertificationItem) GetPhase() Phase                     { return i.Phase }
func (i *CertificationItem) SetPhase(p Phase)                    { i.Phase = p }
func (i *CertificationItem) GetNextPhaseTransition() *time.Time  { return i.NextPhaseTransition }
func (i *CertificationItem) SetNextPhaseTransition(t *time.Time) { i.NextPhaseTransition = t }

func (i *CertificationItem) GetCertification() *Certification {
	if i.parent == nil {
		return nil
	}
	return i.parent.certification
}

func (i *CertificationItem) NextPhase() Phase {
	return NextEnabledPhase(i.GetCertification().Definition, i.Phase)
}

func (i *CertificationItem) PreviousPhase() Phase {
	return PreviousEnabledPhase(i.GetCertification().Definition, i.Phase)
}

// NextEnabledPhase walks forward from current to the next phase the definition
// enables. PhaseNone starts the walk from the beginning.
func NextEnabledPhase(def *Definition, current Phase) Phase {
	started := current == PhaseNone
	for _, p := range orderedPhases {
		if !started {
			if p == current {
				started = true
			}
			continue
		}
		if def == nil || def.PhaseEnabled(p) {
			return p
		}
	}
	return PhaseNone
}

// PreviousEnabledPhase walks backward from current.
func PreviousEnabledPhase(def *Definition, current Phase) Phase {
	started := false
	for idx := len(orderedPhases) - 1; idx >= 0; idx-- {
		p := orderedPhases[idx]
		if !started {
			if p == current {
				started = true
			}
			continue
		}
		if def == nil || def.PhaseEnabled(p) {
			return p
		}
	}
	return PhaseNone
}
