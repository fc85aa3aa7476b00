package assignment

import (
	"context"
	"fmt"
	"time"

	"certeon.org/internal/cert"
	"certeon.org/internal/config"
	"certeon.org/internal/identity"
	"certeon.org/internal/obs"
	"certeon.org/internal/store"
)

// Synchronizer keeps identity-level attribute assignments consistent with
// certification decisions. It accumulates two levels of add/remove lists
// while a caller walks an entity's items: a current list cleared after each
// item, for incremental flag refresh, and a master list spanning the whole
// entity so the identity is locked once rather than per item.
type Synchronizer struct {
	st  store.Store
	cfg config.SystemConfig

	enabled bool

	currentAdds    []identity.AttributeAssignment
	currentRemoves []identity.AttributeAssignment
	masterAdds     []identity.AttributeAssignment
	masterRemoves  []identity.AttributeAssignment
}

// New builds a Synchronizer gated by the definition's update-assignments
// flag. A nil definition disables it.
func New(st store.Store, cfg config.SystemConfig, def *cert.Definition) *Synchronizer {
	return &Synchronizer{
		st:      st,
		cfg:     cfg,
		enabled: def != nil && def.UpdateAttributeAssignments,
	}
}

// NewForViolations builds a Synchronizer for standalone policy-violation
// remediation, which always updates assignments.
func NewForViolations(st store.Store, cfg config.SystemConfig) *Synchronizer {
	return &Synchronizer{st: st, cfg: cfg, enabled: true}
}

// Enabled reports whether the synchronizer will do anything.
func (s *Synchronizer) Enabled() bool { return s.enabled }

// ComputeAssignment translates one decided item into assignment adds or
// removes. Only exception and data-owner items participate; role assignment
// uses a separate model.
func (s *Synchronizer) ComputeAssignment(item *cert.CertificationItem) error {
	s.ClearCurrent()
	if !s.enabled || item.Action == nil {
		return nil
	}
	if item.Type != cert.ItemException && item.Type != cert.ItemDataOwner {
		return nil
	}
	snap := item.Snapshot
	if snap == nil {
		return fmt.Errorf("item %s has no entitlement snapshot", item.ID)
	}

	var list *[]identity.AttributeAssignment
	switch {
	case item.Action.Status == cert.StatusApproved:
		list = &s.currentAdds
	case item.Action.Status.IsRevoke():
		list = &s.currentRemoves
	default:
		return nil
	}

	source := ""
	if c := item.GetCertification(); c != nil {
		source = c.ID
	}
	for name, values := range snap.Attributes {
		for _, v := range values {
			*list = append(*list, identity.AttributeAssignment{
				Application:    snap.Application,
				Instance:       snap.Instance,
				NativeIdentity: snap.NativeIdentity,
				Name:           name,
				Value:          v,
				Source:         source,
				Assigner:       item.Action.Actor,
				Created:        time.Now().UTC(),
			})
		}
	}
	for _, perm := range snap.Permissions {
		for _, right := range perm.Rights {
			*list = append(*list, identity.AttributeAssignment{
				Application:    snap.Application,
				Instance:       snap.Instance,
				NativeIdentity: snap.NativeIdentity,
				Name:           perm.Target,
				Value:          right,
				Source:         source,
				Assigner:       item.Action.Actor,
				Created:        time.Now().UTC(),
			})
		}
	}

	s.masterAdds = append(s.masterAdds, s.currentAdds...)
	s.masterRemoves = append(s.masterRemoves, s.currentRemoves...)
	return nil
}

// CurrentAdds returns the adds computed for the most recent item.
func (s *Synchronizer) CurrentAdds() []identity.AttributeAssignment { return s.currentAdds }

// CurrentRemoves returns the removes computed for the most recent item.
func (s *Synchronizer) CurrentRemoves() []identity.AttributeAssignment { return s.currentRemoves }

// ClearCurrent resets the per-item lists.
func (s *Synchronizer) ClearCurrent() {
	s.currentAdds = nil
	s.currentRemoves = nil
}

// UpdateAssignments applies the accumulated master lists to the named
// identity under its lock, then resets them.
func (s *Synchronizer) UpdateAssignments(ctx context.Context, identityName string) error {
	if !s.enabled || identityName == "" {
		return nil
	}
	if len(s.masterAdds) == 0 && len(s.masterRemoves) == 0 {
		return nil
	}

	unlock, err := s.st.Identities().Lock(ctx, identityName, s.cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("lock identity %s: %w", identityName, err)
	}
	defer unlock()

	id, err := s.st.Identities().ByName(ctx, identityName)
	if err != nil {
		return err
	}
	for _, rem := range s.masterRemoves {
		id.RemoveAssignments(rem)
	}
	for _, add := range s.masterAdds {
		id.AddAssignment(add)
	}
	if err := s.st.Identities().Save(ctx, id); err != nil {
		return err
	}
	if err := s.st.Commit(ctx); err != nil {
		return err
	}
	s.masterAdds = nil
	s.masterRemoves = nil
	return nil
}

// Revoke walks every item on the entity in a delegation-revocation pass and
// undoes approved assignments. Data-owner entities flush per item because
// each item may target a different identity; every other entity type batches
// and flushes once.
func (s *Synchronizer) Revoke(ctx context.Context, entity *cert.CertificationEntity) error {
	if !s.enabled {
		return nil
	}
	perItem := entity.Type == cert.EntityDataOwner

	for _, item := range entity.Items {
		if item.Action == nil || item.Action.Status != cert.StatusApproved {
			continue
		}
		// Undoing an approval removes what the approval added.
		flipped := *item.Action
		flipped.Status = cert.StatusRemediated
		restore := item.Action
		item.Action = &flipped
		err := s.ComputeAssignment(item)
		item.Action = restore
		if err != nil {
			return err
		}
		if perItem {
			if err := s.UpdateAssignments(ctx, item.TargetIdentityName()); err != nil {
				obs.Warn("assignment revoke skipped", map[string]any{
					"item": item.ID, "err": err.Error(),
				})
			}
		}
	}
	if !perItem {
		return s.UpdateAssignments(ctx, entity.TargetName)
	}
	return nil
}
