package phase

import (
	"context"

	"certeon.org/internal/cert"
)

// remediatingHandler is the shared base for the phases that launch
// remediations on entry: Remediation and End. Rolling and continuous
// certifications may never pass through a discrete Remediation phase, so the
// End handler must also sweep for unlaunched remediations.
type remediatingHandler struct {
	baseHandler
}

func (h *remediatingHandler) EnterPhase(ctx context.Context, ph cert.Phaseable) (cert.Phaseable, error) {
	c, isCert := ph.(*cert.Certification)
	if !isCert {
		return ph, nil
	}
	updated, _, err := h.phaser.remed.KickoffForCertification(ctx, c)
	if err != nil {
		return ph, err
	}
	return updated, nil
}

// PostEnter flushes the remediation notifications batched across the item
// transitions of this certification.
func (h *remediatingHandler) PostEnter(ctx context.Context, c *cert.Certification) (*cert.Certification, error) {
	if err := h.phaser.remed.FlushNotifications(ctx, c); err != nil {
		return c, err
	}
	return c, h.phaser.st.Certifications().Save(ctx, c)
}

// remediationHandler covers the Remediation phase proper.
type remediationHandler struct {
	remediatingHandler
}

// ExitPhase clears the next-remediation-scan marker when the last item
// leaves the Remediation phase, so housekeeping stops polling the
// certification.
func (h *remediationHandler) ExitPhase(ctx context.Context, ph cert.Phaseable) (cert.Phaseable, error) {
	item, isItem := ph.(*cert.CertificationItem)
	if !isItem {
		return ph, nil
	}
	c := item.GetCertification()
	if c == nil {
		return ph, nil
	}
	remaining := 0
	for _, e := range c.Entities {
		for _, i := range e.Items {
			if i != item && i.GetPhase() == cert.PhaseRemediation {
				remaining++
			}
		}
	}
	if remaining == 0 {
		c.NextRemediationScan = nil
		if err := h.phaser.st.Certifications().Save(ctx, c); err != nil {
			return ph, err
		}
	}
	return ph, nil
}

// HandleRollingTransition moves an item out of Remediation once its
// remediation completed.
func (h *remediationHandler) HandleRollingTransition(ctx context.Context, item *cert.CertificationItem) error {
	if item.Action == nil || !item.Action.RemediationCompleted {
		return nil
	}
	_, err := h.phaser.AdvancePhase(ctx, item)
	return err
}

// finishHandler covers the terminal End phase. Nothing beyond the base
// remediating behavior: its job is making sure still-unlaunched remediations
// get launched.
type finishHandler struct {
	remediatingHandler
}

// UpdateNextPhaseTransition never schedules a timer out of the terminal
// phase.
func (h *finishHandler) UpdateNextPhaseTransition(ph cert.Phaseable) bool { return false }
