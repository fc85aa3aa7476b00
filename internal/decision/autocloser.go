package decision

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"certeon.org/internal/audit"
	"certeon.org/internal/cert"
	"certeon.org/internal/checkpoint"
	"certeon.org/internal/config"
	"certeon.org/internal/identity"
	"certeon.org/internal/mitigation"
	"certeon.org/internal/obs"
	"certeon.org/internal/rule"
	"certeon.org/internal/signoff"
	"certeon.org/internal/stats"
	"certeon.org/internal/store"
)

// AutoCloser sweeps certifications past their automatic closing date,
// forces a configured decision onto everything still open, and signs them.
// The sweep query orders creation-descending so child certifications close
// before their parents.
type AutoCloser struct {
	st      store.Store
	rules   rule.Engine
	decider *Decider
	mit     *mitigation.Manager
	signer  *signoff.Signer
	sink    audit.Sink
	cfg     config.SystemConfig
	msgs    *obs.Messages

	terminate atomic.Bool

	certificationsClosed int
	itemsDecided         int
}

// Results summarizes one auto-close run.
type Results struct {
	CertificationsClosed int
	ItemsDecided         int
	Messages             []obs.Message
}

// NewAutoCloser wires an AutoCloser.
func NewAutoCloser(st store.Store, rules rule.Engine, decider *Decider, mit *mitigation.Manager, signer *signoff.Signer, sink audit.Sink, cfg config.SystemConfig) *AutoCloser {
	return &AutoCloser{
		st:      st,
		rules:   rules,
		decider: decider,
		mit:     mit,
		signer:  signer,
		sink:    sink,
		cfg:     cfg,
		msgs:    &obs.Messages{},
	}
}

// Terminate asks a running Execute to stop after the certification in
// flight.
func (a *AutoCloser) Terminate() { a.terminate.Store(true) }

// Execute runs one sweep. A failure on one certification is recorded and the
// sweep moves on; only store-level failures abort the run.
func (a *AutoCloser) Execute(ctx context.Context) (Results, error) {
	ids, err := a.st.Certifications().DueForAutoClose(ctx, time.Now().UTC())
	if err != nil {
		return a.results(), err
	}

	for _, id := range ids {
		if a.terminate.Load() {
			break
		}
		if err := a.closeOne(ctx, id); err != nil {
			if errors.Is(err, store.ErrLockTimeout) {
				obs.LockContentionSkips.WithLabelValues("autoclose").Inc()
				a.msgs.Warnf("certification %s is locked, skipping this pass", id)
				continue
			}
			a.msgs.Errorf("auto close of certification %s failed: %v", id, err)
			continue
		}
		a.certificationsClosed++
		obs.CertificationsClosed.Inc()
		if err := a.sink.Log(ctx, audit.ActionCertificationsAutoClosed, map[string]any{
			"certification": id,
		}); err != nil {
			a.msgs.Warnf("audit log for certification %s failed: %v", id, err)
		}
		a.st.Decache()
	}
	return a.results(), nil
}

func (a *AutoCloser) results() Results {
	return Results{
		CertificationsClosed: a.certificationsClosed,
		ItemsDecided:         a.itemsDecided,
		Messages:             a.msgs.All(),
	}
}

func (a *AutoCloser) closeOne(ctx context.Context, id string) error {
	unlock, err := a.st.Certifications().Lock(ctx, id, a.cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := a.st.Certifications().ByID(ctx, id)
	if err != nil {
		return err
	}
	if c.IsSigned() {
		return nil
	}
	def := c.Definition
	if def == nil {
		return cert.ErrNoDefinition
	}

	if def.AutomaticClosingRule != "" {
		if _, err := a.rules.Run(ctx, def.AutomaticClosingRule, map[string]any{
			"certification": c,
		}); err != nil {
			return err
		}
	}

	action := def.AutomaticClosingAction
	signer := def.AutomaticClosingSigner
	if signer == "" {
		signer = a.cfg.AdminUser
	}

	cp := checkpoint.New(a.st, checkpoint.Policy{
		CommitEvery:  a.cfg.AutoCloseCommitEvery,
		DecacheEvery: a.cfg.AutoCloseCommitEvery,
	})

	// Open delegations come back first so every item is directly decidable.
	entityIDs, err := a.st.Certifications().IncompleteDelegatedEntities(ctx, c.ID)
	if err != nil {
		return err
	}
	for _, eid := range entityIDs {
		for _, e := range c.Entities {
			if e.ID == eid && e.Delegation.Active() {
				e.Delegation.Revoked = true
			}
		}
	}
	delegatedIDs, err := a.st.Certifications().IncompleteDelegatedItems(ctx, c.ID)
	if err != nil {
		return err
	}
	for _, itemID := range delegatedIDs {
		item := c.ItemByID(itemID)
		if item == nil {
			continue
		}
		if err := a.decider.RevokeDelegation(ctx, item); err != nil {
			return err
		}
	}

	undecided, err := a.st.Certifications().UndecidedItems(ctx, c.ID)
	if err != nil {
		return err
	}
	for _, itemID := range undecided {
		item := c.ItemByID(itemID)
		if item == nil || item.Decided() {
			continue
		}
		if err := a.decideItem(ctx, c, item, action, signer, def); err != nil {
			return err
		}
		a.itemsDecided++
		obs.CertificationItemsDecided.Inc()

		evicted, err := cp.Tick(ctx)
		if err != nil {
			return err
		}
		if evicted {
			c, err = a.st.Certifications().Reattach(ctx, c)
			if err != nil {
				return err
			}
		}
	}
	if err := a.mit.Flush(ctx); err != nil {
		return err
	}
	if err := cp.Flush(ctx); err != nil {
		return err
	}

	// Pending deferred commands would fight the final refresh.
	c.ClearCommands()
	stats.Refresh(c)

	a.st.Decache()
	c, err = a.st.Certifications().Reattach(ctx, c)
	if err != nil {
		return err
	}

	return a.sign(ctx, c, signer)
}

// decideItem forces the configured closing action onto one undecided item,
// downgrading where the policy behind a violation forbids it: SOD
// violations cannot be auto-remediated and some policies forbid approval, so
// those fall back to a mitigation bounded by the allow-exception duration.
func (a *AutoCloser) decideItem(ctx context.Context, c *cert.Certification, item *cert.CertificationItem, action cert.ActionStatus, signer string, def *cert.Definition) error {
	certAction := &cert.CertificationAction{
		Actor:    signer,
		Comments: def.AutomaticClosingComments,
	}

	switch action {
	case cert.StatusRemediated:
		remediable := true
		if item.Type == cert.ItemPolicyViolation {
			pol, err := a.policyFor(ctx, item)
			if err != nil {
				obs.Warn("policy lookup failed during auto close", map[string]any{
					"item": item.ID, "err": err.Error(),
				})
			}
			if pol.IsSOD() {
				remediable = false
			}
		}
		if remediable {
			certAction.Status = cert.StatusRemediated
			if item.PreferRevokeAccount {
				certAction.Status = cert.StatusRevokeAccount
				certAction.RevokeAccount = true
			}
			certAction.RemediatorName = a.cfg.DefaultRemediator
		} else {
			a.mitigateFallback(certAction, def)
		}

	case cert.StatusApproved:
		approvable := true
		if item.Type == cert.ItemPolicyViolation {
			pol, err := a.policyFor(ctx, item)
			if err != nil {
				obs.Warn("policy lookup failed during auto close", map[string]any{
					"item": item.ID, "err": err.Error(),
				})
			}
			if !pol.AllowsAction(string(cert.StatusApproved)) {
				approvable = false
			}
		}
		if approvable {
			certAction.Status = cert.StatusApproved
		} else {
			a.mitigateFallback(certAction, def)
		}

	case cert.StatusMitigated:
		a.mitigateFallback(certAction, def)

	default:
		return cert.ErrInvalidAutoClose
	}

	return a.decider.Decide(ctx, c, item, certAction)
}

func (a *AutoCloser) mitigateFallback(action *cert.CertificationAction, def *cert.Definition) {
	action.Status = cert.StatusMitigated
	window := def.AllowExceptionDuration
	if window <= 0 {
		window = a.cfg.AllowExceptionDuration
	}
	action.MitigationExpiration = time.Now().UTC().Add(window)
}

func (a *AutoCloser) policyFor(ctx context.Context, item *cert.CertificationItem) (*identity.Policy, error) {
	if item.ViolationID == "" {
		return nil, nil
	}
	pv, err := a.st.Violations().ViolationByID(ctx, item.ViolationID)
	if err != nil {
		return nil, err
	}
	pol, err := a.st.Violations().PolicyByName(ctx, pv.PolicyName)
	if err != nil {
		return nil, err
	}
	return pol, nil
}

// sign stamps the electronic signature and mints the sign-off receipt.
func (a *AutoCloser) sign(ctx context.Context, c *cert.Certification, signer string) error {
	now := time.Now().UTC()
	c.Signed = &now
	c.SignerName = signer

	receipt, err := a.signer.Mint(signoff.Receipt{
		CertificationID: c.ID,
		Signer:          signer,
		ItemsTotal:      c.Statistics.TotalItems,
		ItemsDecided:    c.Statistics.CompletedItems,
		SignedAt:        now,
	})
	if err != nil {
		return err
	}
	c.SignoffReceipt = receipt

	if err := a.st.Certifications().Save(ctx, c); err != nil {
		return err
	}
	if err := a.st.Commit(ctx); err != nil {
		return err
	}
	return a.sink.Log(ctx, audit.ActionCertificationSigned, map[string]any{
		"certification": c.ID,
		"signer":        signer,
		"items":         c.Statistics.TotalItems,
	})
}
