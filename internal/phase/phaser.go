package phase

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"certeon.org/internal/cert"
	"certeon.org/internal/config"
	"certeon.org/internal/obs"
	"certeon.org/internal/remediation"
	"certeon.org/internal/rule"
	"certeon.org/internal/store"
	"certeon.org/internal/work"
)

// AutoDecisioner preloads decisions from the recommendation service. It runs
// against a detached session, so callers must reattach their certification
// reference afterwards.
type AutoDecisioner interface {
	AutoDecide(ctx context.Context, c *cert.Certification) error
}

// Results carries the sweep counters back to the host.
type Results struct {
	CertificationsPhased     int
	CertificationItemsPhased int
}

// Phaser performs the business logic around certification phase transitions:
// a certification becoming active, the challenge period beginning, and so
// on, plus refreshing items while a certification sits in a phase.
type Phaser struct {
	st      store.Store
	rules   rule.Engine
	workEng work.Engine
	remed   *remediation.Manager
	auto    AutoDecisioner
	cfg     config.SystemConfig
	msgs    *obs.Messages

	handlers map[cert.Phase]Handler

	terminate atomic.Bool
	results   Results

	skipped map[cert.Phase]bool
}

// New wires a Phaser. auto may be nil when the deployment has no
// recommendation service.
func New(st store.Store, rules rule.Engine, workEng work.Engine, remed *remediation.Manager, auto AutoDecisioner, cfg config.SystemConfig, msgs *obs.Messages) *Phaser {
	p := &Phaser{
		st:      st,
		rules:   rules,
		workEng: workEng,
		remed:   remed,
		auto:    auto,
		cfg:     cfg,
		msgs:    msgs,
		skipped: make(map[cert.Phase]bool),
	}
	p.handlers = map[cert.Phase]Handler{
		cert.PhaseStaged:      &stagedHandler{baseHandler{p}},
		cert.PhaseActive:      &activeHandler{baseHandler{p}},
		cert.PhaseChallenge:   &challengeHandler{baseHandler{p}},
		cert.PhaseRemediation: &remediationHandler{remediatingHandler{baseHandler{p}}},
		cert.PhaseEnd:         &finishHandler{remediatingHandler{baseHandler{p}}},
	}
	return p
}

// Terminate asks the sweep loops to stop after their current unit of work.
func (p *Phaser) Terminate() { p.terminate.Store(true) }

// Results returns the counters accumulated so far.
func (p *Phaser) Results() Results { return p.results }

func (p *Phaser) handler(phase cert.Phase) Handler { return p.handlers[phase] }

// runPhaseRule executes the configured rule for a phase transition, if any.
// The legacy attribute-map rule location wins over the definition field.
func (p *Phaser) runPhaseRule(ctx context.Context, phase cert.Phase, enter bool, ph cert.Phaseable) error {
	c := ph.GetCertification()
	if c == nil || c.Definition == nil {
		return nil
	}
	name := c.Definition.RuleFor(phase, enter)
	if name == "" {
		return nil
	}
	args := map[string]any{
		"certification": c,
		"previousPhase": ph.PreviousPhase(),
		"nextPhase":     ph.NextPhase(),
	}
	if item, ok := ph.(*cert.CertificationItem); ok {
		args["certificationItem"] = item
	}
	if _, err := p.rules.Run(ctx, name, args); err != nil {
		return fmt.Errorf("phase rule %q (%s %s): %w", name, phase, direction(enter), err)
	}
	return nil
}

func direction(enter bool) string {
	if enter {
		return "enter"
	}
	return "exit"
}

// AdvancePhase transitions the phaseable to its next non-skipped phase.
func (p *Phaser) AdvancePhase(ctx context.Context, ph cert.Phaseable) (cert.Phaseable, error) {
	current := ph.GetPhase()
	next, err := p.NextPhase(ctx, ph)
	if err != nil {
		return ph, err
	}
	return p.ChangePhase(ctx, ph, current, next)
}

// RewindPhase transitions the phaseable to its previous non-skipped phase.
func (p *Phaser) RewindPhase(ctx context.Context, ph cert.Phaseable) (cert.Phaseable, error) {
	current := ph.GetPhase()
	prev, err := p.PreviousPhase(ctx, ph)
	if err != nil {
		return ph, err
	}
	return p.ChangePhase(ctx, ph, current, prev)
}

// ChangePhase moves the phaseable from currentPhase to newPhase, running the
// exit and enter hooks, and schedules the next timed transition.
func (p *Phaser) ChangePhase(ctx context.Context, ph cert.Phaseable, currentPhase, newPhase cert.Phase) (cert.Phaseable, error) {
	ph, err := p.changePhaseCollect(ctx, ph, currentPhase, newPhase, true)
	return ph, err
}

// changePhaseCollect is ChangePhase with the per-certification hooks made
// optional, so the item sweep can batch PostEnter/PostExit per
// certification.
func (p *Phaser) changePhaseCollect(ctx context.Context, ph cert.Phaseable, currentPhase, newPhase cert.Phase, postHooks bool) (cert.Phaseable, error) {
	// Exit the current phase. Can be none if the certification has not
	// activated yet.
	if currentPhase != cert.PhaseNone {
		h := p.handler(currentPhase)
		if h != nil {
			if err := p.runPhaseRule(ctx, currentPhase, false, ph); err != nil {
				return ph, err
			}
			exited, err := h.ExitPhase(ctx, ph)
			if err != nil {
				return ph, err
			}
			ph = exited

			// Set the phase before PostExit. Leaving the old phase in
			// place can loop back through refresh into another rolling
			// transition of the same phase.
			ph.SetPhase(newPhase)
			if postHooks {
				if _, err := h.PostExit(ctx, ph.GetCertification()); err != nil {
					return ph, err
				}
			}
		}
	}

	ph.SetPhase(newPhase)
	if err := p.savePhaseable(ctx, ph); err != nil {
		return ph, err
	}

	var nextTransition *time.Time
	if newPhase != cert.PhaseNone {
		h := p.handler(newPhase)
		if h != nil {
			if err := p.runPhaseRule(ctx, newPhase, true, ph); err != nil {
				return ph, err
			}
			entered, err := h.EnterPhase(ctx, ph)
			if err != nil {
				return ph, err
			}
			ph = entered
			if postHooks {
				if _, err := h.PostEnter(ctx, ph.GetCertification()); err != nil {
					return ph, err
				}
			}

			if h.UpdateNextPhaseTransition(ph) {
				// No config means no timed transition (the End phase);
				// continuous certifications may have configs without
				// durations.
				def := ph.GetCertification().Definition
				if def != nil {
					if pc := def.PhaseConfigFor(newPhase); pc != nil && pc.Duration > 0 {
						base := time.Now().UTC()
						if t := ph.GetNextPhaseTransition(); t != nil {
							base = *t
						}
						next := base.Add(pc.Duration)
						nextTransition = &next
					}
				}
			}
		}
	}

	ph.SetNextPhaseTransition(nextTransition)
	if err := p.savePhaseable(ctx, ph); err != nil {
		return ph, err
	}
	return ph, nil
}

func (p *Phaser) savePhaseable(ctx context.Context, ph cert.Phaseable) error {
	c := ph.GetCertification()
	if c == nil {
		return cert.ErrNotFound
	}
	return p.st.Certifications().Save(ctx, c)
}

// NextPhase returns the next enabled, non-skipped phase. Skipped phases are
// recorded so callers can ask about them afterwards.
func (p *Phaser) NextPhase(ctx context.Context, ph cert.Phaseable) (cert.Phase, error) {
	def := definitionOf(ph)
	phase := ph.GetPhase()
	for {
		next := cert.NextEnabledPhase(def, phase)
		if next == cert.PhaseNone {
			return next, nil
		}
		h := p.handler(next)
		skip, err := h.IsSkipped(ctx, ph)
		if err != nil {
			return cert.PhaseNone, err
		}
		if !skip {
			return next, nil
		}
		p.skipped[next] = true
		phase = next
	}
}

// PreviousPhase returns the previous enabled, non-skipped phase.
func (p *Phaser) PreviousPhase(ctx context.Context, ph cert.Phaseable) (cert.Phase, error) {
	def := definitionOf(ph)
	phase := ph.GetPhase()
	for {
		prev := cert.PreviousEnabledPhase(def, phase)
		if prev == cert.PhaseNone {
			return prev, nil
		}
		h := p.handler(prev)
		skip, err := h.IsSkipped(ctx, ph)
		if err != nil {
			return cert.PhaseNone, err
		}
		if !skip {
			return prev, nil
		}
		phase = prev
	}
}

func definitionOf(ph cert.Phaseable) *cert.Definition {
	if c := ph.GetCertification(); c != nil {
		return c.Definition
	}
	return nil
}

// WasSkipped reports whether the phaser skipped the given phase at some
// point during this run.
func (p *Phaser) WasSkipped(phase cert.Phase) bool { return p.skipped[phase] }

// HandleRollingPhaseTransitions transitions any items on the entity that
// should leave their current phase. Only rolling-phase certifications roll
// items individually.
func (p *Phaser) HandleRollingPhaseTransitions(ctx context.Context, c *cert.Certification, entity *cert.CertificationEntity) error {
	if !c.UseRollingPhases() {
		return nil
	}
	for _, item := range entity.Items {
		if !item.NeedsRefresh {
			continue
		}
		h := p.handler(item.GetPhase())
		if h == nil {
			continue
		}
		if err := h.HandleRollingTransition(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// Refresh re-evaluates the given item under the rules of its current phase.
// The phase comes off the item for rolling challenge/remediation periods and
// off the certification otherwise.
func (p *Phaser) Refresh(ctx context.Context, c *cert.Certification, item *cert.CertificationItem) error {
	current := item.GetPhase()
	if current == cert.PhaseNone {
		current = c.Phase
	}
	if current == cert.PhaseNone {
		return nil
	}
	h := p.handler(current)
	if h == nil {
		return nil
	}
	return h.Refresh(ctx, c, item)
}

// TransitionDue finds every phaseable past its transition time and advances
// it: whole certifications first, then individual items for rolling-phase
// certifications, items grouped by certification so the post-phase hooks
// batch per certification. A failure on one certification is recorded and
// does not stop the sweep.
func (p *Phaser) TransitionDue(ctx context.Context, now time.Time) error {
	certs := p.st.Certifications()

	ids, err := certs.DueForTransition(ctx, now)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if p.terminate.Load() {
			return nil
		}
		advanced, err := p.transitionOne(ctx, id)
		if err != nil {
			p.msgs.Errorf("certification %s: phase transition failed: %v", id, err)
			obs.Error("phase transition failed", map[string]any{"certification": id, "err": err.Error()})
			continue
		}
		if !advanced {
			continue
		}
		p.results.CertificationsPhased++
		obs.CertificationsPhased.Inc()
		p.st.Decache()
	}

	refs, err := certs.ItemsDueForTransition(ctx, now)
	if err != nil {
		return err
	}
	return p.transitionDueItems(ctx, refs)
}

func (p *Phaser) transitionOne(ctx context.Context, id string) (bool, error) {
	certs := p.st.Certifications()
	c, err := certs.ByID(ctx, id)
	if err != nil {
		return false, err
	}
	unlock, err := certs.Lock(ctx, id, p.cfg.LockTimeout)
	if err != nil {
		// Contended: skip this pass, the next scheduled run retries.
		p.msgs.Warnf("certification %s: locked elsewhere, skipping", id)
		return false, nil
	}
	defer unlock()

	c, err = certs.Reattach(ctx, c)
	if err != nil {
		return false, err
	}
	if _, err := p.AdvancePhase(ctx, c); err != nil {
		return false, err
	}
	return true, p.st.Commit(ctx)
}

func (p *Phaser) transitionDueItems(ctx context.Context, refs []store.ItemRef) error {
	certs := p.st.Certifications()

	var (
		current *cert.Certification
		unlock  func()
		entered = map[cert.Phase]bool{}
		exited  = map[cert.Phase]bool{}
	)
	finish := func() {
		if current != nil {
			if err := p.postExitAndEnter(ctx, current, exited, entered); err != nil {
				p.msgs.Errorf("certification %s: post-phase hooks failed: %v", current.ID, err)
			}
			entered = map[cert.Phase]bool{}
			exited = map[cert.Phase]bool{}
		}
		if unlock != nil {
			unlock()
			unlock = nil
		}
		current = nil
	}
	defer finish()

	for _, ref := range refs {
		if p.terminate.Load() {
			return nil
		}
		if current == nil || current.ID != ref.CertificationID {
			finish()
			c, err := certs.ByID(ctx, ref.CertificationID)
			if err != nil {
				p.msgs.Errorf("certification %s: %v", ref.CertificationID, err)
				continue
			}
			u, err := certs.Lock(ctx, c.ID, p.cfg.LockTimeout)
			if err != nil {
				p.msgs.Warnf("certification %s: locked elsewhere, skipping items", c.ID)
				continue
			}
			current, unlock = c, u
		}

		item := current.ItemByID(ref.ItemID)
		if item == nil {
			p.msgs.Errorf("certification item %s not found", ref.ItemID)
			continue
		}
		next, err := p.NextPhase(ctx, item)
		if err != nil {
			p.msgs.Errorf("certification %s item %s: %v", current.ID, item.ID, err)
			finish()
			continue
		}
		if item.GetPhase() != cert.PhaseNone {
			exited[item.GetPhase()] = true
		}
		entered[next] = true
		if _, err := p.changePhaseCollect(ctx, item, item.GetPhase(), next, false); err != nil {
			p.msgs.Errorf("certification %s item %s: %v", current.ID, item.ID, err)
			finish()
			continue
		}
		p.results.CertificationItemsPhased++
		obs.CertificationItemsPhased.Inc()

		if err := p.st.Commit(ctx); err != nil {
			return err
		}
		p.st.Decache()
		c, err := certs.Reattach(ctx, current)
		if err != nil {
			return err
		}
		current = c
	}
	return nil
}

// postExitAndEnter runs the batched per-certification hooks for every phase
// entered and exited during an item batch.
func (p *Phaser) postExitAndEnter(ctx context.Context, c *cert.Certification, exited, entered map[cert.Phase]bool) error {
	for phase := range exited {
		h := p.handler(phase)
		if h == nil {
			continue
		}
		updated, err := h.PostExit(ctx, c)
		if err != nil {
			return err
		}
		c = updated
	}
	for phase := range entered {
		h := p.handler(phase)
		if h == nil {
			continue
		}
		updated, err := h.PostEnter(ctx, c)
		if err != nil {
			return err
		}
		c = updated
	}
	return nil
}
