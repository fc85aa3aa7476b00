package mitigation

import (
	"context"
	"errors"
	"time"

	"certeon.org/internal/cert"
	"certeon.org/internal/config"
	"certeon.org/internal/identity"
	"certeon.org/internal/ids"
	"certeon.org/internal/obs"
	"certeon.org/internal/provision"
	"certeon.org/internal/remediation"
	"certeon.org/internal/store"
)

// Manager batches mitigation record changes per identity so each affected
// identity is locked exactly once per flush, however many items decided
// against it. Sunset plans for auto-deprovisioned mitigations execute after
// the lock is released; the provisioner talks to remote systems and must not
// hold an identity lock while it does.
type Manager struct {
	st      store.Store
	planner remediation.Planner
	exec    provision.Executor
	cfg     config.SystemConfig

	batches map[string]*identityBatch

	skipped int
}

type identityBatch struct {
	adds []identity.MitigationExpiration

	// removes holds source certification item ids. Removal matches by
	// source, not target key: a multi-attribute snapshot cannot
	// reproduce the record's (name, value) after the fact.
	removes []string

	sunset *provision.Plan
}

// NewManager wires a Manager.
func NewManager(st store.Store, planner remediation.Planner, exec provision.Executor, cfg config.SystemConfig) *Manager {
	return &Manager{
		st:      st,
		planner: planner,
		exec:    exec,
		cfg:     cfg,
		batches: make(map[string]*identityBatch),
	}
}

// Skipped reports how many identities were passed over for lock contention
// since the manager was built.
func (m *Manager) Skipped() int { return m.skipped }

// Mitigate queues the mitigation record for a Mitigated decision on an item.
// When the definition enables auto-deprovisioning and the item type supports
// it, a sunset removal plan is queued alongside and the expiration action is
// forced to Nothing, since the dated plan supersedes notification-driven
// expiry.
func (m *Manager) Mitigate(ctx context.Context, item *cert.CertificationItem, action *cert.CertificationAction) error {
	if action == nil || action.Status != cert.StatusMitigated {
		return errors.New("mitigate called with a non-mitigate action")
	}
	target := item.TargetIdentityName()
	if target == "" {
		return errors.New("mitigated item resolves to no identity")
	}

	expiration := action.MitigationExpiration
	if expiration.IsZero() {
		expiration = time.Now().UTC().Add(m.cfg.AllowExceptionDuration)
		action.MitigationExpiration = expiration
	}

	def := definitionFor(item)
	autoDeprovision := def != nil && def.AutoDeprovisionMitigations && item.Type.IsDeprovisionable()

	mit := identity.MitigationExpiration{
		ID:         ids.New(),
		ItemType:   string(item.Type),
		Expiration: expiration,
		Action:     m.expiryAction(def, autoDeprovision),
		Mitigator:  action.Actor,
		Comments:   action.Comments,
		SourceItem: item.ID,
		Created:    time.Now().UTC(),
	}
	if snap := item.Snapshot; snap != nil {
		mit.Application = snap.Application
		mit.NativeIdentity = snap.NativeIdentity
		mit.Name, mit.Value = snap.FirstAttribute()
	}
	if item.Type == cert.ItemBundle {
		mit.Name = "role"
		mit.Value = item.Bundle
	}

	batch := m.batch(target)

	if autoDeprovision {
		plan, err := m.planner.CalculatePlan(ctx, item, cert.StatusRemediated)
		if err != nil {
			return err
		}
		plan.RewriteRevokesAsRemoves(expiration)
		plan.AnnotateRoleRemovals("assignedRoles")
		if batch.sunset == nil {
			batch.sunset = plan
		} else {
			batch.sunset.Merge(plan)
		}
	}

	batch.adds = append(batch.adds, mit)
	return nil
}

// expiryAction resolves the expiration action for a new mitigation. A dated
// sunset plan supersedes expiry-time provisioning, so auto-deprovisioned
// mitigations always expire with Nothing.
func (m *Manager) expiryAction(def *cert.Definition, autoDeprovision bool) identity.ExpirationAction {
	if autoDeprovision {
		return identity.ExpirationNothing
	}
	name := m.cfg.MitigationExpirationAction
	if def != nil && def.MitigationExpirationAction != "" {
		name = def.MitigationExpirationAction
	}
	if name == string(identity.ExpirationProvision) {
		return identity.ExpirationProvision
	}
	return identity.ExpirationNothing
}

// Supersede queues removal of the mitigation previously recorded for an item
// that has since been re-decided with a non-mitigate outcome.
func (m *Manager) Supersede(ctx context.Context, item *cert.CertificationItem, previous *cert.CertificationAction) error {
	if previous == nil || previous.Status != cert.StatusMitigated {
		return nil
	}
	target := item.TargetIdentityName()
	if target == "" {
		return nil
	}
	b := m.batch(target)
	b.removes = append(b.removes, item.ID)
	return nil
}

func (m *Manager) batch(name string) *identityBatch {
	b, ok := m.batches[name]
	if !ok {
		b = &identityBatch{}
		m.batches[name] = b
	}
	return b
}

// Flush applies every queued batch. Lock contention on an identity skips the
// batch with a warning rather than failing the run; the next pass retries.
// Sunset plans execute after their identity's lock is released.
func (m *Manager) Flush(ctx context.Context) error {
	var firstErr error
	for name, batch := range m.batches {
		if err := m.flushOne(ctx, name, batch); err != nil {
			if errors.Is(err, store.ErrLockTimeout) {
				m.skipped++
				obs.LockContentionSkips.WithLabelValues("mitigation").Inc()
				obs.Warn("mitigation flush skipped, identity locked", map[string]any{
					"identity": name,
				})
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			obs.Error("mitigation flush failed", map[string]any{
				"identity": name, "err": err.Error(),
			})
		}
	}
	m.batches = make(map[string]*identityBatch)
	return firstErr
}

func (m *Manager) flushOne(ctx context.Context, name string, batch *identityBatch) error {
	err := func() error {
		unlock, err := m.st.Identities().Lock(ctx, name, m.cfg.LockTimeout)
		if err != nil {
			return err
		}
		defer unlock()

		id, err := m.st.Identities().ByName(ctx, name)
		if err != nil {
			return err
		}
		for _, src := range batch.removes {
			if removed := id.RemoveMitigationBySource(src); removed != nil {
				if err := m.st.Identities().DeleteMitigation(ctx, *removed); err != nil {
					return err
				}
			}
		}
		for _, add := range batch.adds {
			if evicted := id.AddMitigationExpiration(add); evicted != nil {
				if err := m.st.Identities().DeleteMitigation(ctx, *evicted); err != nil {
					return err
				}
			}
		}
		if err := m.st.Identities().Save(ctx, id); err != nil {
			return err
		}
		return m.st.Commit(ctx)
	}()
	if err != nil {
		return err
	}

	if !batch.sunset.Empty() {
		return m.exec.Execute(ctx, batch.sunset)
	}
	return nil
}

func definitionFor(item *cert.CertificationItem) *cert.Definition {
	if c := item.GetCertification(); c != nil {
		return c.Definition
	}
	return nil
}
