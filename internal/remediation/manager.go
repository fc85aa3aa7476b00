package remediation

import (
	"context"
	"fmt"
	"time"

	"certeon.org/internal/cert"
	"certeon.org/internal/checkpoint"
	"certeon.org/internal/obs"
	"certeon.org/internal/provision"
	"certeon.org/internal/store"
	"certeon.org/internal/work"
)

// Planner computes a provisioning plan that carries out a revoke decision on
// an item. The default implementation builds the plan from the item's
// entitlement snapshot; hosts may substitute a richer calculator.
type Planner interface {
	CalculatePlan(ctx context.Context, item *cert.CertificationItem, target cert.ActionStatus) (*provision.Plan, error)
}

// SnapshotPlanner derives revoke plans from the item's entitlement snapshot.
type SnapshotPlanner struct {
	// RoleAttribute names the account attribute that carries role
	// assignments, for Bundle items.
	RoleAttribute string
}

var _ Planner = SnapshotPlanner{}

func (p SnapshotPlanner) CalculatePlan(ctx context.Context, item *cert.CertificationItem, target cert.ActionStatus) (*provision.Plan, error) {
	plan := provision.NewPlan(item.TargetIdentityName())

	if item.Type == cert.ItemBundle {
		attr := p.RoleAttribute
		if attr == "" {
			attr = "assignedRoles"
		}
		plan.Add(provision.AccountRequest{
			Op: provision.OpRemove,
			Attributes: []provision.AttributeRequest{{
				Name:  attr,
				Value: item.Bundle,
				Op:    provision.OpRevoke,
			}},
		})
		return plan, nil
	}

	snap := item.Snapshot
	if snap == nil {
		return nil, fmt.Errorf("item %s has no entitlement snapshot", item.ID)
	}

	acct := provision.AccountRequest{
		Application:    snap.Application,
		Instance:       snap.Instance,
		NativeIdentity: snap.NativeIdentity,
		Op:             provision.OpRemove,
	}
	if target == cert.StatusRevokeAccount {
		// Account-level revoke removes the whole account; entitlement
		// detail is irrelevant.
		acct.Op = provision.OpDelete
		plan.Add(acct)
		return plan, nil
	}
	for name, values := range snap.Attributes {
		for _, v := range values {
			acct.Attributes = append(acct.Attributes, provision.AttributeRequest{
				Name: name, Value: v, Op: provision.OpRevoke,
			})
		}
	}
	for _, perm := range snap.Permissions {
		acct.Permissions = append(acct.Permissions, provision.PermissionRequest{
			Target: perm.Target, Rights: perm.Rights, Op: provision.OpRevoke,
		})
	}
	plan.Add(acct)
	return plan, nil
}

// Manager launches remediation requests for items decided with a revoke
// outcome. Kickoff queries the store rather than walking the entity tree so
// cost stays bounded on large certifications.
type Manager struct {
	st      store.Store
	planner Planner
	exec    provision.Executor
	workEng work.Engine

	commitEvery int

	// pending batches notification work items per remediator so one
	// certification pass sends each remediator a single item.
	pending map[string][]string

	kickedOff int
}

// NewManager wires a Manager. commitEvery <= 0 defaults to 50.
func NewManager(st store.Store, planner Planner, exec provision.Executor, workEng work.Engine, commitEvery int) *Manager {
	if commitEvery <= 0 {
		commitEvery = 50
	}
	return &Manager{
		st:          st,
		planner:     planner,
		exec:        exec,
		workEng:     workEng,
		commitEvery: commitEvery,
		pending:     make(map[string][]string),
	}
}

// KickedOff reports how many remediations this manager has launched.
func (m *Manager) KickedOff() int { return m.kickedOff }

// KickoffForCertification launches every not-yet-launched remediation on the
// certification. Items are processed in parent-entity order with a
// checkpoint every commitEvery items; the returned certification is the
// reattached reference in case a checkpoint decached the session.
func (m *Manager) KickoffForCertification(ctx context.Context, c *cert.Certification) (*cert.Certification, int, error) {
	ids, err := m.st.Certifications().ItemsPendingRemediation(ctx, c.ID)
	if err != nil {
		return c, 0, err
	}

	cp := checkpoint.New(m.st, checkpoint.Policy{
		CommitEvery:  m.commitEvery,
		DecacheEvery: m.commitEvery,
	})

	launched := 0
	for _, itemID := range ids {
		item := c.ItemByID(itemID)
		if item == nil || item.Action == nil || item.Action.RemediationKickedOff {
			continue
		}
		if err := m.launch(ctx, item); err != nil {
			return c, launched, fmt.Errorf("remediation kickoff for item %s: %w", itemID, err)
		}
		launched++

		evicted, err := cp.Tick(ctx)
		if err != nil {
			return c, launched, err
		}
		if evicted {
			c, err = m.st.Certifications().Reattach(ctx, c)
			if err != nil {
				return c, launched, err
			}
		}
	}
	if err := cp.Flush(ctx); err != nil {
		return c, launched, err
	}

	// Leave a marker so the periodic housekeeping job keeps scanning for
	// stragglers (decisions made after this pass).
	now := time.Now().UTC()
	c.NextRemediationScan = &now
	c.Statistics.RemediationsKickedOff += launched
	m.kickedOff += launched
	if err := m.st.Certifications().Save(ctx, c); err != nil {
		return c, launched, err
	}
	return c, launched, nil
}

// launch executes the remediation plan for one decided item.
func (m *Manager) launch(ctx context.Context, item *cert.CertificationItem) error {
	action := item.Action
	plan := action.RemediationPlan
	if plan.Empty() {
		calculated, err := m.planner.CalculatePlan(ctx, item, action.Status)
		if err != nil {
			return err
		}
		plan = calculated
		action.RemediationPlan = plan
	}
	if err := m.exec.Execute(ctx, plan); err != nil {
		return err
	}
	action.RemediationKickedOff = true
	obs.RemediationsKickedOff.Inc()
	if action.RemediatorName != "" {
		m.pending[action.RemediatorName] = append(m.pending[action.RemediatorName], item.ID)
	}
	return nil
}

// FlushNotifications opens one remediation work item per remediator covering
// everything batched since the last flush.
func (m *Manager) FlushNotifications(ctx context.Context, c *cert.Certification) error {
	for owner, itemIDs := range m.pending {
		item := &work.Item{
			Type:            work.TypeRemediation,
			Owner:           owner,
			CertificationID: c.ID,
			Description:     fmt.Sprintf("%d remediation(s) from %s", len(itemIDs), c.Name),
		}
		if err := m.workEng.Open(ctx, item); err != nil {
			return fmt.Errorf("open remediation work item for %s: %w", owner, err)
		}
	}
	m.pending = make(map[string][]string)
	return nil
}
