package assignment

import (
	"context"
	"testing"

	"certeon.org/internal/cert"
	"certeon.org/internal/config"
	"certeon.org/internal/identity"
	"certeon.org/internal/store"
)

func itemWithDecision(status cert.ActionStatus, def *cert.Definition) *cert.CertificationItem {
	c := &cert.Certification{ID: "c1", Type: cert.TypeManager, Definition: def}
	e := &cert.CertificationEntity{ID: "e1", Type: cert.EntityIdentity, TargetName: "ida"}
	c.AddEntity(e)
	item := &cert.CertificationItem{
		ID:   "i1",
		Type: cert.ItemException,
		Snapshot: &identity.EntitlementSnapshot{
			Application:    "AD",
			NativeIdentity: "CN=ida",
			Attributes:     map[string][]string{"memberOf": {"CN=Payroll", "CN=Finance"}},
			Permissions:    []identity.Permission{{Target: "GL", Rights: []string{"read", "write"}}},
		},
		Action: &cert.CertificationAction{Status: status, Actor: "alice"},
	}
	e.AddItem(item)
	return item
}

func enabledDef() *cert.Definition {
	return &cert.Definition{UpdateAttributeAssignments: true}
}

func TestComputeAssignmentOnePerValueAndRight(t *testing.T) {
	s := New(store.NewMemory(), config.Default(), enabledDef())
	item := itemWithDecision(cert.StatusApproved, enabledDef())

	if err := s.ComputeAssignment(item); err != nil {
		t.Fatal(err)
	}
	adds := s.CurrentAdds()
	// Two attribute values plus two permission rights.
	if len(adds) != 4 {
		t.Fatalf("expected 4 adds, got %d: %+v", len(adds), adds)
	}
	byKey := map[string]bool{}
	for _, a := range adds {
		byKey[a.Name+"="+a.Value] = true
		if a.Application != "AD" || a.NativeIdentity != "CN=ida" || a.Assigner != "alice" {
			t.Fatalf("unexpected assignment %+v", a)
		}
	}
	for _, want := range []string{"memberOf=CN=Payroll", "memberOf=CN=Finance", "GL=read", "GL=write"} {
		if !byKey[want] {
			t.Fatalf("missing assignment %s in %v", want, byKey)
		}
	}
	if len(s.CurrentRemoves()) != 0 {
		t.Fatal("approval produced removes")
	}
}

func TestRevokeDecisionProducesRemoves(t *testing.T) {
	s := New(store.NewMemory(), config.Default(), enabledDef())
	item := itemWithDecision(cert.StatusRemediated, enabledDef())

	if err := s.ComputeAssignment(item); err != nil {
		t.Fatal(err)
	}
	if len(s.CurrentRemoves()) != 4 || len(s.CurrentAdds()) != 0 {
		t.Fatalf("adds=%d removes=%d", len(s.CurrentAdds()), len(s.CurrentRemoves()))
	}
}

func TestNonParticipatingItemTypesIgnored(t *testing.T) {
	s := New(store.NewMemory(), config.Default(), enabledDef())
	item := itemWithDecision(cert.StatusApproved, enabledDef())
	item.Type = cert.ItemBundle
	item.Bundle = "Accountant"
	if err := s.ComputeAssignment(item); err != nil {
		t.Fatal(err)
	}
	if len(s.CurrentAdds()) != 0 {
		t.Fatal("role item produced attribute assignments")
	}
}

func TestDisabledSynchronizerDoesNothing(t *testing.T) {
	s := New(store.NewMemory(), config.Default(), &cert.Definition{})
	if s.Enabled() {
		t.Fatal("synchronizer enabled without the definition flag")
	}
	item := itemWithDecision(cert.StatusApproved, &cert.Definition{})
	if err := s.ComputeAssignment(item); err != nil {
		t.Fatal(err)
	}
	if len(s.CurrentAdds()) != 0 {
		t.Fatal("disabled synchronizer computed assignments")
	}
}

func TestUpdateAssignmentsAppliesMasterListsOnce(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	st.Identities().Save(ctx, &identity.Identity{ID: "1", Name: "ida"})

	s := New(st, config.Default(), enabledDef())
	approved := itemWithDecision(cert.StatusApproved, enabledDef())
	if err := s.ComputeAssignment(approved); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateAssignments(ctx, "ida"); err != nil {
		t.Fatal(err)
	}

	ida, _ := st.Identities().ByName(ctx, "ida")
	if len(ida.Assignments) != 4 {
		t.Fatalf("expected 4 assignments, got %d", len(ida.Assignments))
	}
	if st.Commits() != 1 {
		t.Fatalf("expected 1 commit, got %d", st.Commits())
	}

	// Master lists reset after application.
	if err := s.UpdateAssignments(ctx, "ida"); err != nil {
		t.Fatal(err)
	}
	if st.Commits() != 1 {
		t.Fatal("empty update reached the store")
	}
}

func TestRevokePassUndoesApprovals(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	ida := &identity.Identity{ID: "1", Name: "ida"}
	st.Identities().Save(ctx, ida)

	s := New(st, config.Default(), enabledDef())
	approved := itemWithDecision(cert.StatusApproved, enabledDef())
	if err := s.ComputeAssignment(approved); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateAssignments(ctx, "ida"); err != nil {
		t.Fatal(err)
	}
	if len(ida.Assignments) != 4 {
		t.Fatalf("setup produced %d assignments", len(ida.Assignments))
	}

	if err := s.Revoke(ctx, approved.Parent()); err != nil {
		t.Fatal(err)
	}
	if len(ida.Assignments) != 0 {
		t.Fatalf("revocation pass left %d assignments", len(ida.Assignments))
	}
	if approved.Action.Status != cert.StatusApproved {
		t.Fatal("revocation pass mutated the recorded decision")
	}
}
