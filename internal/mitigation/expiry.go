package mitigation

import (
	"context"
	"errors"
	"time"

	"certeon.org/internal/cert"
	"certeon.org/internal/config"
	"certeon.org/internal/identity"
	"certeon.org/internal/obs"
	"certeon.org/internal/provision"
	"certeon.org/internal/store"
)

// ExpiredSource lists mitigation records past their expiration. The engine
// store's identity view satisfies it, as does the durable record store.
type ExpiredSource interface {
	ExpiredMitigations(ctx context.Context, now time.Time) ([]store.ExpiredMitigation, error)
}

// ExpiryResults carries the sweep counters back to the host.
type ExpiryResults struct {
	Expired     int
	Provisioned int
	Skipped     int
}

// ExpirySweeper retires mitigation records past their expiration. A record
// whose action is Provision gets a removal plan executed: the exception
// lapsed without a re-decision, so the excepted access comes back out.
// Records live on identities, so each affected identity is locked once per
// sweep; plans execute after the lock is released.
type ExpirySweeper struct {
	st   store.Store
	src  ExpiredSource
	exec provision.Executor
	cfg  config.SystemConfig
}

// NewExpirySweeper wires a sweeper reading expired records from src.
func NewExpirySweeper(st store.Store, src ExpiredSource, exec provision.Executor, cfg config.SystemConfig) *ExpirySweeper {
	return &ExpirySweeper{st: st, src: src, exec: exec, cfg: cfg}
}

// Execute runs one sweep. Lock contention on an identity skips its records
// with a warning rather than failing the run; the next pass retries.
func (s *ExpirySweeper) Execute(ctx context.Context, now time.Time) (ExpiryResults, error) {
	var res ExpiryResults
	expired, err := s.src.ExpiredMitigations(ctx, now)
	if err != nil {
		return res, err
	}

	byIdentity := make(map[string][]identity.MitigationExpiration)
	var order []string
	for _, e := range expired {
		if _, ok := byIdentity[e.IdentityName]; !ok {
			order = append(order, e.IdentityName)
		}
		byIdentity[e.IdentityName] = append(byIdentity[e.IdentityName], e.Record)
	}

	var firstErr error
	for _, name := range order {
		plan, err := s.expireOne(ctx, name, byIdentity[name], &res)
		if err != nil {
			if errors.Is(err, store.ErrLockTimeout) {
				res.Skipped++
				obs.LockContentionSkips.WithLabelValues("mitigation-expiry").Inc()
				obs.Warn("mitigation expiry skipped, identity locked", map[string]any{
					"identity": name,
				})
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			obs.Error("mitigation expiry failed", map[string]any{
				"identity": name, "err": err.Error(),
			})
			continue
		}
		if plan.Empty() {
			continue
		}
		if err := s.exec.Execute(ctx, plan); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			obs.Error("mitigation expiry provisioning failed", map[string]any{
				"identity": name, "plan": plan.ID, "err": err.Error(),
			})
			continue
		}
		res.Provisioned++
	}
	return res, firstErr
}

// expireOne retires one identity's expired records under its lock and
// returns the merged removal plan for the Provision-action ones.
func (s *ExpirySweeper) expireOne(ctx context.Context, name string, records []identity.MitigationExpiration, res *ExpiryResults) (*provision.Plan, error) {
	unlock, err := s.st.Identities().Lock(ctx, name, s.cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	id, err := s.st.Identities().ByName(ctx, name)
	if err != nil {
		return nil, err
	}

	var plan *provision.Plan
	for _, rec := range records {
		removed := id.RemoveMitigationExpiration(rec)
		if removed == nil {
			// Listed by a detached source; the identity no longer
			// carries it. The durable row still gets retired.
			removed = &rec
		}
		if err := s.st.Identities().DeleteMitigation(ctx, *removed); err != nil {
			return nil, err
		}
		res.Expired++
		obs.MitigationsExpired.Inc()

		if removed.Action != identity.ExpirationProvision {
			continue
		}
		p := expiryPlan(name, *removed)
		if plan == nil {
			plan = p
		} else {
			plan.Merge(p)
		}
	}
	if err := s.st.Identities().Save(ctx, id); err != nil {
		return nil, err
	}
	return plan, s.st.Commit(ctx)
}

// expiryPlan builds the removal that takes the lapsed exception's access
// back out.
func expiryPlan(identityName string, rec identity.MitigationExpiration) *provision.Plan {
	plan := provision.NewPlan(identityName)
	if rec.ItemType == string(cert.ItemBundle) {
		plan.Add(provision.AccountRequest{
			Op: provision.OpRemove,
			Attributes: []provision.AttributeRequest{{
				Name:  "assignedRoles",
				Value: rec.Value,
				Op:    provision.OpRevoke,
			}},
		})
		return plan
	}
	acct := provision.AccountRequest{
		Application:    rec.Application,
		NativeIdentity: rec.NativeIdentity,
		Op:             provision.OpRemove,
	}
	if rec.Name != "" {
		acct.Attributes = []provision.AttributeRequest{{
			Name:  rec.Name,
			Value: rec.Value,
			Op:    provision.OpRevoke,
		}}
	}
	plan.Add(acct)
	return plan
}
