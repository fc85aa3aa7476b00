package decision

import (
	"context"
	"fmt"
	"time"

	"certeon.org/internal/audit"
	"certeon.org/internal/config"
	"certeon.org/internal/identity"
	"certeon.org/internal/ids"
	"certeon.org/internal/provision"
	"certeon.org/internal/store"
	"certeon.org/internal/work"
)

// ViolationDecisioner applies decisions to standalone policy violations,
// outside any certification. Every decision emits an audit event carrying
// the policy name, rule name, actor, target identity and owner; the
// per-decision extras (expiration, delegate, remediator) ride alongside.
type ViolationDecisioner struct {
	st      store.Store
	exec    provision.Executor
	workEng work.Engine
	sink    audit.Sink
	cfg     config.SystemConfig
}

// NewViolationDecisioner wires a ViolationDecisioner.
func NewViolationDecisioner(st store.Store, exec provision.Executor, workEng work.Engine, sink audit.Sink, cfg config.SystemConfig) *ViolationDecisioner {
	return &ViolationDecisioner{st: st, exec: exec, workEng: workEng, sink: sink, cfg: cfg}
}

func (v *ViolationDecisioner) violation(ctx context.Context, id string) (*identity.PolicyViolation, error) {
	pv, err := v.st.Violations().ViolationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return pv, nil
}

func (v *ViolationDecisioner) auditFields(pv *identity.PolicyViolation, actor string) map[string]any {
	return map[string]any{
		"policy": pv.PolicyName,
		"rule":   pv.RuleName,
		"actor":  actor,
		"target": pv.IdentityName,
		"owner":  pv.Owner,
	}
}

// Mitigate attaches a time-boxed exception for the violation to its identity
// and marks the violation mitigated.
func (v *ViolationDecisioner) Mitigate(ctx context.Context, violationID, actor, comments string, expiration time.Time) error {
	pv, err := v.violation(ctx, violationID)
	if err != nil {
		return err
	}
	if expiration.IsZero() {
		expiration = time.Now().UTC().Add(v.cfg.AllowExceptionDuration)
	}

	unlock, err := v.st.Identities().Lock(ctx, pv.IdentityName, v.cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("lock identity %s: %w", pv.IdentityName, err)
	}
	err = func() error {
		defer unlock()
		id, err := v.st.Identities().ByName(ctx, pv.IdentityName)
		if err != nil {
			return err
		}
		mit := identity.MitigationExpiration{
			ID:         ids.New(),
			ItemType:   "PolicyViolation",
			Name:       pv.PolicyName,
			Value:      pv.RuleName,
			Expiration: expiration,
			Action:     identity.ExpirationNothing,
			Mitigator:  actor,
			Comments:   comments,
			SourceItem: pv.ID,
			Created:    time.Now().UTC(),
		}
		if evicted := id.AddMitigationExpiration(mit); evicted != nil {
			if err := v.st.Identities().DeleteMitigation(ctx, *evicted); err != nil {
				return err
			}
		}
		if err := v.st.Identities().Save(ctx, id); err != nil {
			return err
		}
		return v.st.Commit(ctx)
	}()
	if err != nil {
		return err
	}

	pv.Status = "Mitigated"
	if err := v.st.Violations().SaveViolation(ctx, pv); err != nil {
		return err
	}

	fields := v.auditFields(pv, actor)
	fields["expiration"] = expiration
	fields["comments"] = comments
	return v.sink.Log(ctx, audit.ActionViolationMitigated, fields)
}

// Remediate executes the supplied removal plan against the violating
// identity and marks the violation remediated.
func (v *ViolationDecisioner) Remediate(ctx context.Context, violationID, actor string, plan *provision.Plan) error {
	pv, err := v.violation(ctx, violationID)
	if err != nil {
		return err
	}
	if !plan.Empty() {
		if err := v.exec.Execute(ctx, plan); err != nil {
			return err
		}
	}
	pv.Status = "Remediated"
	if err := v.st.Violations().SaveViolation(ctx, pv); err != nil {
		return err
	}
	fields := v.auditFields(pv, actor)
	if plan != nil {
		fields["plan"] = plan.ID
	}
	return v.sink.Log(ctx, audit.ActionViolationRemediated, fields)
}

// Delegate routes the violation to another reviewer via a work item.
func (v *ViolationDecisioner) Delegate(ctx context.Context, violationID, actor, delegate, description string) error {
	pv, err := v.violation(ctx, violationID)
	if err != nil {
		return err
	}
	wi := &work.Item{
		Type:        work.TypeDelegation,
		Owner:       delegate,
		TargetName:  pv.IdentityName,
		Description: description,
	}
	if err := v.workEng.ArchiveIfNecessary(ctx, wi); err != nil {
		return err
	}
	if err := v.workEng.Open(ctx, wi); err != nil {
		return err
	}
	pv.Status = "Delegated"
	pv.Owner = delegate
	if err := v.st.Violations().SaveViolation(ctx, pv); err != nil {
		return err
	}
	fields := v.auditFields(pv, actor)
	fields["delegate"] = delegate
	return v.sink.Log(ctx, audit.ActionViolationDelegated, fields)
}

// Acknowledge records that a reviewer saw the violation and chose to leave
// the access in place without an expiration.
func (v *ViolationDecisioner) Acknowledge(ctx context.Context, violationID, actor, comments string) error {
	pv, err := v.violation(ctx, violationID)
	if err != nil {
		return err
	}
	pv.Status = "Acknowledged"
	if err := v.st.Violations().SaveViolation(ctx, pv); err != nil {
		return err
	}
	fields := v.auditFields(pv, actor)
	fields["comments"] = comments
	return v.sink.Log(ctx, audit.ActionViolationAcknowledged, fields)
}
