package phase

import (
	"context"
	"fmt"
	"time"

	"certeon.org/internal/cert"
	"certeon.org/internal/work"
)

// activeHandler covers the Active phase: activation bookkeeping, certifier
// work-item generation and optional decision preloading on entry, and the
// rolling transition of remediated items out of Active.
type activeHandler struct {
	baseHandler
}

func (h *activeHandler) EnterPhase(ctx context.Context, ph cert.Phaseable) (cert.Phaseable, error) {
	c, isCert := ph.(*cert.Certification)
	if !isCert {
		return ph, nil
	}
	p := h.phaser

	now := time.Now().UTC()
	c.Activated = &now

	// Only compute the expiration if unset. A reassigned certification
	// carries the expiration copied from the original and must keep it.
	if c.Expiration == nil && c.Definition != nil {
		if pc := c.Definition.PhaseConfigFor(cert.PhaseActive); pc != nil && pc.Duration > 0 {
			exp := now.Add(pc.Duration)
			c.Expiration = &exp
		}
	}
	if c.Definition != nil && c.Definition.AutomaticClosingEnabled {
		base := now
		if c.Expiration != nil {
			base = *c.Expiration
		}
		acd := base.Add(c.Definition.AutoCloseAfter)
		c.AutomaticClosingDate = &acd
	}

	if !c.IsSigned() {
		if err := h.generateWorkItems(ctx, c); err != nil {
			return ph, err
		}
	}
	if err := p.st.Certifications().Save(ctx, c); err != nil {
		return ph, err
	}
	if err := p.st.Commit(ctx); err != nil {
		return ph, err
	}

	// Preload decisions from the recommendation service when the
	// definition both shows recommendations and auto-approves. The
	// decisioner works in a detached session, so reattach afterwards.
	if p.auto != nil && c.Definition != nil &&
		c.Definition.ShowRecommendations && c.Definition.AutoApprove {
		if err := p.auto.AutoDecide(ctx, c); err != nil {
			return ph, fmt.Errorf("auto decisioning: %w", err)
		}
		reattached, err := p.st.Certifications().Reattach(ctx, c)
		if err != nil {
			return ph, err
		}
		c = reattached
	}
	return c, nil
}

// generateWorkItems opens one certification work item per certifier. A
// certifier whose forwarding rule redirects to another certifier already in
// the list is dropped rather than producing a duplicate item. Reprocessing a
// certification that already has work items is a no-op.
func (h *activeHandler) generateWorkItems(ctx context.Context, c *cert.Certification) error {
	if len(c.WorkItemIDs) > 0 {
		return nil
	}
	if len(c.Certifiers) == 0 {
		return cert.ErrMissingCertifier
	}
	p := h.phaser

	var finalOwners []string
	contains := func(list []string, name string) bool {
		for _, n := range list {
			if n == name {
				return true
			}
		}
		return false
	}

	for _, name := range c.Certifiers {
		stub := &work.Item{
			Type:            work.TypeCertification,
			Owner:           name,
			CertificationID: c.ID,
			TargetName:      c.Name,
		}
		owner, err := p.workEng.CheckForward(ctx, name, stub)
		if err != nil {
			return fmt.Errorf("forwarding check for %s: %w", name, err)
		}
		if owner != name && contains(c.Certifiers, owner) {
			// Forwarded onto another certifier who gets their own item.
			continue
		}
		if contains(finalOwners, owner) {
			continue
		}
		item := &work.Item{
			Type:            work.TypeCertification,
			Owner:           owner,
			CertificationID: c.ID,
			TargetName:      c.Name,
			Description:     fmt.Sprintf("Access review: %s", c.Name),
		}
		if err := p.workEng.Open(ctx, item); err != nil {
			return fmt.Errorf("open work item for %s: %w", owner, err)
		}
		c.WorkItemIDs = append(c.WorkItemIDs, item.ID)
		finalOwners = append(finalOwners, owner)
	}
	c.Certifiers = finalOwners
	return nil
}

// HandleRollingTransition advances a remediated item out of Active once
// nothing blocks it: the item must not be delegated, and an account revoke
// must not pile onto an account whose challenge is already open.
func (h *activeHandler) HandleRollingTransition(ctx context.Context, item *cert.CertificationItem) error {
	action := item.Action
	if action == nil || !action.Status.IsRevoke() {
		return nil
	}
	if item.Delegated() {
		return nil
	}
	if action.Status == cert.StatusRevokeAccount && h.accountHasOpenChallenge(item) {
		return nil
	}
	_, err := h.phaser.AdvancePhase(ctx, item)
	return err
}

// accountHasOpenChallenge reports whether another item on the same account
// already generated a challenge.
func (h *activeHandler) accountHasOpenChallenge(item *cert.CertificationItem) bool {
	key := item.AccountKey()
	if key == "" {
		return false
	}
	parent := item.Parent()
	if parent == nil {
		return false
	}
	for _, sibling := range parent.Items {
		if sibling == item {
			continue
		}
		if sibling.ChallengeGenerated && sibling.AccountKey() == key {
			return true
		}
	}
	return false
}

func (h *activeHandler) Refresh(ctx context.Context, c *cert.Certification, item *cert.CertificationItem) error {
	switch {
	case item.Delegated():
		item.Summary = cert.SummaryDelegated
	case item.Decided():
		item.Summary = cert.SummaryComplete
	default:
		item.Summary = cert.SummaryOpen
	}
	item.NeedsRefresh = false
	return nil
}
