package phase

import (
	"context"
	"fmt"

	"certeon.org/internal/cert"
	"certeon.org/internal/work"
)

// challengeHandler covers the Challenge phase: affected users get a window
// to contest revocations before remediation launches.
type challengeHandler struct {
	baseHandler
}

// IsSkipped skips the challenge period when the certification is signed and
// carries no revocations to contest.
func (h *challengeHandler) IsSkipped(ctx context.Context, ph cert.Phaseable) (bool, error) {
	c := ph.GetCertification()
	if c == nil || !c.IsSigned() {
		return false, nil
	}
	for _, e := range c.Entities {
		for _, i := range e.Items {
			if i.Action != nil && i.Action.Status.IsRevoke() {
				return false, nil
			}
		}
	}
	return true, nil
}

// EnterPhase opens a challenge work item per revoked item, addressed to the
// identity losing access.
func (h *challengeHandler) EnterPhase(ctx context.Context, ph cert.Phaseable) (cert.Phaseable, error) {
	p := h.phaser

	open := func(item *cert.CertificationItem, c *cert.Certification) error {
		if item.ChallengeGenerated {
			return nil
		}
		action := item.Action
		if action == nil || !action.Status.IsRevoke() {
			return nil
		}
		target := item.TargetIdentityName()
		if target == "" {
			return nil
		}
		wi := &work.Item{
			Type:            work.TypeChallenge,
			Owner:           target,
			CertificationID: c.ID,
			TargetItemID:    item.ID,
			Description:     fmt.Sprintf("Challenge revocation from %s", c.Name),
		}
		if err := p.workEng.Open(ctx, wi); err != nil {
			return err
		}
		item.ChallengeGenerated = true
		return nil
	}

	switch v := ph.(type) {
	case *cert.Certification:
		for _, e := range v.Entities {
			for _, i := range e.Items {
				if err := open(i, v); err != nil {
					return ph, err
				}
			}
		}
		return v, p.st.Certifications().Save(ctx, v)
	case *cert.CertificationItem:
		c := v.GetCertification()
		if err := open(v, c); err != nil {
			return ph, err
		}
		return v, p.st.Certifications().Save(ctx, c)
	}
	return ph, nil
}

// HandleRollingTransition advances the item once its challenge window is no
// longer blocking: either no challenge was generated or it has been
// resolved.
func (h *challengeHandler) HandleRollingTransition(ctx context.Context, item *cert.CertificationItem) error {
	if item.Action == nil || !item.Action.Status.IsRevoke() {
		return nil
	}
	if item.Delegated() {
		return nil
	}
	_, err := h.phaser.AdvancePhase(ctx, item)
	return err
}
