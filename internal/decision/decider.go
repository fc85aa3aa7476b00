package decision

import (
	"context"
	"fmt"
	"time"

	"certeon.org/internal/assignment"
	"certeon.org/internal/cert"
	"certeon.org/internal/config"
	"certeon.org/internal/identity"
	"certeon.org/internal/mitigation"
	"certeon.org/internal/obs"
	"certeon.org/internal/store"
	"certeon.org/internal/work"
)

// Decider records certifier decisions on items and runs the per-status side
// effects: assignment synchronization for approvals and revokes, mitigation
// batching, delegation work items, and decision-history records for
// acknowledgements. Remediation launch is deliberately not a side effect
// here; the remediation manager picks decided items up when its phase
// arrives, or immediately for rolling certifications.
type Decider struct {
	st      store.Store
	mit     *mitigation.Manager
	workEng work.Engine
	cfg     config.SystemConfig
}

// NewDecider wires a Decider.
func NewDecider(st store.Store, mit *mitigation.Manager, workEng work.Engine, cfg config.SystemConfig) *Decider {
	return &Decider{st: st, mit: mit, workEng: workEng, cfg: cfg}
}

// Decide applies one decision to one item. The caller holds the
// certification lock and is responsible for saving the certification and
// flushing the mitigation manager afterward.
func (d *Decider) Decide(ctx context.Context, c *cert.Certification, item *cert.CertificationItem, action *cert.CertificationAction) error {
	if c.IsSigned() {
		return cert.ErrSignedImmutable
	}
	if action == nil {
		return fmt.Errorf("nil action for item %s", item.ID)
	}
	if action.Created.IsZero() {
		action.Created = time.Now().UTC()
	}
	action.SourceCertificationID = c.ID

	previous := item.Action
	item.Action = action
	item.Summary = cert.SummaryComplete

	// A redecision away from Mitigated must pull the mitigation record back
	// off the identity.
	if previous != nil && previous.Status == cert.StatusMitigated &&
		action.Status != cert.StatusMitigated {
		if err := d.mit.Supersede(ctx, item, previous); err != nil {
			return err
		}
	}

	var err error
	switch action.Status {
	case cert.StatusApproved:
		err = d.syncAssignments(ctx, c, item)
	case cert.StatusRemediated, cert.StatusRevokeAccount:
		if action.RemediatorName == "" {
			action.RemediatorName = d.cfg.DefaultRemediator
		}
		if action.Status == cert.StatusRevokeAccount {
			action.RevokeAccount = true
		}
		err = d.syncAssignments(ctx, c, item)
	case cert.StatusMitigated:
		err = d.mit.Mitigate(ctx, item, action)
	case cert.StatusDelegated:
		err = d.delegate(ctx, c, item, action)
	case cert.StatusAcknowledged:
		err = d.acknowledge(ctx, c, item, action)
	default:
		err = fmt.Errorf("unrecognized decision status %q", action.Status)
	}
	if err != nil {
		item.Action = previous
		if previous == nil {
			item.Summary = cert.SummaryOpen
		}
		return err
	}

	obs.CertificationItemsDecided.Inc()
	return nil
}

func (d *Decider) syncAssignments(ctx context.Context, c *cert.Certification, item *cert.CertificationItem) error {
	sync := assignment.New(d.st, d.cfg, c.Definition)
	if !sync.Enabled() {
		return nil
	}
	if err := sync.ComputeAssignment(item); err != nil {
		return err
	}
	return sync.UpdateAssignments(ctx, item.TargetIdentityName())
}

// delegate opens a delegation work item for the assignee, archiving any
// previous non-certification work item covering the same target first.
func (d *Decider) delegate(ctx context.Context, c *cert.Certification, item *cert.CertificationItem, action *cert.CertificationAction) error {
	if action.DelegateName == "" {
		return fmt.Errorf("delegation on item %s names no assignee", item.ID)
	}
	wi := &work.Item{
		Type:            work.TypeDelegation,
		Owner:           action.DelegateName,
		CertificationID: c.ID,
		TargetItemID:    item.ID,
		TargetName:      item.TargetIdentityName(),
		Description:     fmt.Sprintf("Delegated review from %s", c.Name),
	}
	if err := d.workEng.ArchiveIfNecessary(ctx, wi); err != nil {
		return err
	}
	if err := d.workEng.Open(ctx, wi); err != nil {
		return err
	}
	item.Delegation = &cert.Delegation{
		AssigneeName: action.DelegateName,
		WorkItemID:   wi.ID,
	}
	item.Summary = cert.SummaryDelegated
	return nil
}

// acknowledge records the decision in the identity's history without
// touching entitlements or assignments.
func (d *Decider) acknowledge(ctx context.Context, c *cert.Certification, item *cert.CertificationItem, action *cert.CertificationAction) error {
	name := item.TargetIdentityName()
	if name == "" {
		return nil
	}
	unlock, err := d.st.Identities().Lock(ctx, name, d.cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("lock identity %s: %w", name, err)
	}
	defer unlock()

	id, err := d.st.Identities().ByName(ctx, name)
	if err != nil {
		return err
	}
	id.DecisionHistory = append(id.DecisionHistory, identity.DecisionRecord{
		CertificationID: c.ID,
		ItemID:          item.ID,
		Status:          string(action.Status),
		Actor:           action.Actor,
		Comments:        action.Comments,
		Created:         action.Created,
	})
	if err := d.st.Identities().Save(ctx, id); err != nil {
		return err
	}
	return d.st.Commit(ctx)
}

// RevokeDelegation cancels an open delegation on an item so a direct
// decision can land. The delegation work item is archived.
func (d *Decider) RevokeDelegation(ctx context.Context, item *cert.CertificationItem) error {
	if !item.Delegated() {
		return nil
	}
	item.Delegation.Revoked = true
	wi := &work.Item{
		ID:           item.Delegation.WorkItemID,
		Type:         work.TypeDelegation,
		Owner:        item.Delegation.AssigneeName,
		TargetItemID: item.ID,
	}
	return d.workEng.ArchiveIfNecessary(ctx, wi)
}
