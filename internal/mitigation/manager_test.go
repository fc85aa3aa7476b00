package mitigation

import (
	"context"
	"testing"
	"time"

	"certeon.org/internal/cert"
	"certeon.org/internal/config"
	"certeon.org/internal/identity"
	"certeon.org/internal/provision"
	"certeon.org/internal/remediation"
	"certeon.org/internal/store"
)

func newManagerRig(t *testing.T, exec provision.Executor) (*Manager, *store.Memory, config.SystemConfig) {
	t.Helper()
	st := store.NewMemory()
	cfg := config.Default()
	if exec == nil {
		exec = provision.ExecutorFunc(func(ctx context.Context, plan *provision.Plan) error { return nil })
	}
	return NewManager(st, remediation.SnapshotPlanner{}, exec, cfg), st, cfg
}

func mitigatedItem(id string, def *cert.Definition) *cert.CertificationItem {
	c := &cert.Certification{ID: "c1", Type: cert.TypeManager, Definition: def}
	e := &cert.CertificationEntity{ID: "e1", Type: cert.EntityIdentity, TargetName: "ida"}
	c.AddEntity(e)
	item := &cert.CertificationItem{
		ID:   id,
		Type: cert.ItemException,
		Snapshot: &identity.EntitlementSnapshot{
			Application:    "AD",
			NativeIdentity: "CN=ida",
			Attributes:     map[string][]string{"memberOf": {"CN=Payroll"}},
		},
	}
	e.AddItem(item)
	return item
}

func TestFlushLocksIdentityOnce(t *testing.T) {
	m, st, _ := newManagerRig(t, nil)
	ctx := context.Background()
	st.Identities().Save(ctx, &identity.Identity{ID: "1", Name: "ida"})

	expiry := time.Now().UTC().Add(time.Hour)
	for _, id := range []string{"i1", "i2"} {
		item := mitigatedItem(id, nil)
		item.Snapshot.Attributes = map[string][]string{"memberOf": {"CN=" + id}}
		action := &cert.CertificationAction{Status: cert.StatusMitigated, Actor: "alice", MitigationExpiration: expiry}
		item.Action = action
		if err := m.Mitigate(ctx, item, action); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	ida, _ := st.Identities().ByName(ctx, "ida")
	if len(ida.MitigationExpirations) != 2 {
		t.Fatalf("expected 2 mitigations, got %d", len(ida.MitigationExpirations))
	}
	// Both items share one identity, so the whole batch is one commit.
	if st.Commits() != 1 {
		t.Fatalf("expected 1 commit, got %d", st.Commits())
	}
}

func TestSecondMitigationOfSameTargetEvictsFirst(t *testing.T) {
	m, st, _ := newManagerRig(t, nil)
	ctx := context.Background()
	st.Identities().Save(ctx, &identity.Identity{ID: "1", Name: "ida"})

	for i := 0; i < 2; i++ {
		item := mitigatedItem("i1", nil)
		action := &cert.CertificationAction{
			Status:               cert.StatusMitigated,
			Actor:                "alice",
			MitigationExpiration: time.Now().UTC().Add(time.Duration(i+1) * time.Hour),
		}
		item.Action = action
		if err := m.Mitigate(ctx, item, action); err != nil {
			t.Fatal(err)
		}
		if err := m.Flush(ctx); err != nil {
			t.Fatal(err)
		}
	}

	ida, _ := st.Identities().ByName(ctx, "ida")
	if len(ida.MitigationExpirations) != 1 {
		t.Fatalf("colliding mitigation not evicted: %d records", len(ida.MitigationExpirations))
	}
}

func TestFlushSkipsLockedIdentity(t *testing.T) {
	st := store.NewMemory()
	cfg := config.Default()
	cfg.LockTimeout = 20 * time.Millisecond
	exec := provision.ExecutorFunc(func(ctx context.Context, plan *provision.Plan) error { return nil })
	m := NewManager(st, remediation.SnapshotPlanner{}, exec, cfg)

	ctx := context.Background()
	st.Identities().Save(ctx, &identity.Identity{ID: "1", Name: "ida"})

	item := mitigatedItem("i1", nil)
	action := &cert.CertificationAction{Status: cert.StatusMitigated, Actor: "alice", MitigationExpiration: time.Now().UTC().Add(time.Hour)}
	item.Action = action
	if err := m.Mitigate(ctx, item, action); err != nil {
		t.Fatal(err)
	}

	unlock, err := st.Identities().Lock(ctx, "ida", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	// A held lock degrades to a skip, not a failure.
	if err := m.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if m.Skipped() != 1 {
		t.Fatalf("expected 1 skip, got %d", m.Skipped())
	}
	ida, _ := st.Identities().ByName(ctx, "ida")
	if len(ida.MitigationExpirations) != 0 {
		t.Fatal("mitigation applied despite held lock")
	}
}

func TestAutoDeprovisionBuildsSunsetPlan(t *testing.T) {
	var got *provision.Plan
	exec := provision.ExecutorFunc(func(ctx context.Context, plan *provision.Plan) error {
		got = plan
		return nil
	})
	m, st, _ := newManagerRig(t, exec)
	ctx := context.Background()
	st.Identities().Save(ctx, &identity.Identity{ID: "1", Name: "ida"})

	def := &cert.Definition{AutoDeprovisionMitigations: true}
	item := mitigatedItem("i1", def)
	expiry := time.Now().UTC().Add(48 * time.Hour)
	action := &cert.CertificationAction{Status: cert.StatusMitigated, Actor: "alice", MitigationExpiration: expiry}
	item.Action = action

	if err := m.Mitigate(ctx, item, action); err != nil {
		t.Fatal(err)
	}
	if err := m.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	if got == nil {
		t.Fatal("sunset plan not executed")
	}
	req := got.Accounts[0].Attributes[0]
	if req.Op != provision.OpRemove {
		t.Fatalf("revoke not rewritten to remove: %s", req.Op)
	}
	if req.RemoveDate == nil || !req.RemoveDate.Equal(expiry) {
		t.Fatalf("remove date %v, want %s", req.RemoveDate, expiry)
	}

	// The dated plan supersedes notification-driven expiry.
	ida, _ := st.Identities().ByName(ctx, "ida")
	if ida.MitigationExpirations[0].Action != identity.ExpirationNothing {
		t.Fatalf("expiration action %s", ida.MitigationExpirations[0].Action)
	}
}

func TestMitigationRecordKeyIsDeterministic(t *testing.T) {
	m, st, _ := newManagerRig(t, nil)
	ctx := context.Background()
	st.Identities().Save(ctx, &identity.Identity{ID: "1", Name: "ida"})

	item := mitigatedItem("i1", nil)
	item.Snapshot.Attributes = map[string][]string{
		"memberOf": {"CN=Payroll"},
		"groups":   {"payroll-rw"},
		"roles":    {"clerk"},
	}
	action := &cert.CertificationAction{Status: cert.StatusMitigated, Actor: "alice", MitigationExpiration: time.Now().UTC().Add(time.Hour)}
	item.Action = action
	if err := m.Mitigate(ctx, item, action); err != nil {
		t.Fatal(err)
	}
	if err := m.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	ida, _ := st.Identities().ByName(ctx, "ida")
	rec := ida.MitigationExpirations[0]
	if rec.Name != "groups" || rec.Value != "payroll-rw" {
		t.Fatalf("record keyed on (%s, %s), want lexically first attribute", rec.Name, rec.Value)
	}
}

func TestSupersedeMatchesBySourceItem(t *testing.T) {
	m, st, _ := newManagerRig(t, nil)
	ctx := context.Background()
	st.Identities().Save(ctx, &identity.Identity{ID: "1", Name: "ida"})

	item := mitigatedItem("i1", nil)
	item.Snapshot.Attributes = map[string][]string{
		"memberOf": {"CN=Payroll", "CN=Finance"},
		"groups":   {"payroll-rw"},
		"scopes":   {"ledger"},
	}
	previous := &cert.CertificationAction{Status: cert.StatusMitigated, Actor: "alice", MitigationExpiration: time.Now().UTC().Add(time.Hour)}
	item.Action = previous
	if err := m.Mitigate(ctx, item, previous); err != nil {
		t.Fatal(err)
	}
	if err := m.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	if err := m.Supersede(ctx, item, previous); err != nil {
		t.Fatal(err)
	}
	if err := m.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	ida, _ := st.Identities().ByName(ctx, "ida")
	if len(ida.MitigationExpirations) != 0 {
		t.Fatalf("mitigation from i1 not removed: %+v", ida.MitigationExpirations)
	}
}

func TestExpiryActionFromDefinition(t *testing.T) {
	m, st, _ := newManagerRig(t, nil)
	ctx := context.Background()
	st.Identities().Save(ctx, &identity.Identity{ID: "1", Name: "ida"})

	def := &cert.Definition{MitigationExpirationAction: "Provision"}
	item := mitigatedItem("i1", def)
	action := &cert.CertificationAction{Status: cert.StatusMitigated, Actor: "alice", MitigationExpiration: time.Now().UTC().Add(time.Hour)}
	item.Action = action
	if err := m.Mitigate(ctx, item, action); err != nil {
		t.Fatal(err)
	}
	if err := m.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	ida, _ := st.Identities().ByName(ctx, "ida")
	if ida.MitigationExpirations[0].Action != identity.ExpirationProvision {
		t.Fatalf("expiration action %s, want Provision", ida.MitigationExpirations[0].Action)
	}
}

func TestExpiryActionFromConfig(t *testing.T) {
	st := store.NewMemory()
	cfg := config.Default()
	cfg.MitigationExpirationAction = "Provision"
	exec := provision.ExecutorFunc(func(ctx context.Context, plan *provision.Plan) error { return nil })
	m := NewManager(st, remediation.SnapshotPlanner{}, exec, cfg)

	ctx := context.Background()
	st.Identities().Save(ctx, &identity.Identity{ID: "1", Name: "ida"})

	item := mitigatedItem("i1", nil)
	action := &cert.CertificationAction{Status: cert.StatusMitigated, Actor: "alice", MitigationExpiration: time.Now().UTC().Add(time.Hour)}
	item.Action = action
	if err := m.Mitigate(ctx, item, action); err != nil {
		t.Fatal(err)
	}
	if err := m.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	ida, _ := st.Identities().ByName(ctx, "ida")
	if ida.MitigationExpirations[0].Action != identity.ExpirationProvision {
		t.Fatalf("expiration action %s, want Provision", ida.MitigationExpirations[0].Action)
	}
}

func TestAutoDeprovisionOverridesExpiryAction(t *testing.T) {
	m, st, _ := newManagerRig(t, nil)
	ctx := context.Background()
	st.Identities().Save(ctx, &identity.Identity{ID: "1", Name: "ida"})

	def := &cert.Definition{
		AutoDeprovisionMitigations: true,
		MitigationExpirationAction: "Provision",
	}
	item := mitigatedItem("i1", def)
	action := &cert.CertificationAction{Status: cert.StatusMitigated, Actor: "alice", MitigationExpiration: time.Now().UTC().Add(time.Hour)}
	item.Action = action
	if err := m.Mitigate(ctx, item, action); err != nil {
		t.Fatal(err)
	}
	if err := m.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	// The dated sunset plan replaces expiry-time provisioning.
	ida, _ := st.Identities().ByName(ctx, "ida")
	if ida.MitigationExpirations[0].Action != identity.ExpirationNothing {
		t.Fatalf("expiration action %s, want Nothing", ida.MitigationExpirations[0].Action)
	}
}

func TestNonDeprovisionableTypeGetsNoSunsetPlan(t *testing.T) {
	var executed bool
	exec := provision.ExecutorFunc(func(ctx context.Context, plan *provision.Plan) error {
		executed = true
		return nil
	})
	m, st, _ := newManagerRig(t, exec)
	ctx := context.Background()
	st.Identities().Save(ctx, &identity.Identity{ID: "1", Name: "ida"})

	def := &cert.Definition{AutoDeprovisionMitigations: true}
	item := mitigatedItem("i1", def)
	item.Type = cert.ItemPolicyViolation
	action := &cert.CertificationAction{Status: cert.StatusMitigated, Actor: "alice", MitigationExpiration: time.Now().UTC().Add(time.Hour)}
	item.Action = action

	if err := m.Mitigate(ctx, item, action); err != nil {
		t.Fatal(err)
	}
	if err := m.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if executed {
		t.Fatal("sunset plan executed for non-deprovisionable item type")
	}
}
