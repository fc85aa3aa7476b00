package partition

import (
	"context"
	"testing"

	"certeon.org/internal/cert"
	"certeon.org/internal/config"
	"certeon.org/internal/identity"
	"certeon.org/internal/store"
)

func seedIdentities(t *testing.T, st *store.Memory, ids ...*identity.Identity) {
	t.Helper()
	ctx := context.Background()
	for i, id := range ids {
		if id.ID == "" {
			id.ID = id.Name + "-id"
		}
		if err := st.Identities().Save(ctx, id); err != nil {
			t.Fatalf("seed identity %d: %v", i, err)
		}
	}
}

func manager(name, managerName string) *identity.Identity {
	return &identity.Identity{Name: name, ManagerName: managerName, ManagerStatus: true}
}

func names(managers []ManagerInfo) []string {
	out := make([]string, len(managers))
	for i, m := range managers {
		out[i] = m.ManagerName
	}
	return out
}

func flatten(parts []Partition) []ManagerInfo {
	var out []ManagerInfo
	for _, p := range parts {
		out = append(out, p.Managers...)
	}
	return out
}

func TestFlatDiscoveryTakesManagersWithReports(t *testing.T) {
	st := store.NewMemory()
	seedIdentities(t, st,
		manager("ann", ""),
		manager("bob", ""),
		&identity.Identity{Name: "cara", ManagerName: "ann"},
	)

	def := &cert.Definition{ID: "d1", Name: "Q3 Managers"}
	parts, err := New(st, def, config.Default()).CreatePartitions(context.Background(), "", 1)
	if err != nil {
		t.Fatal(err)
	}
	got := names(flatten(parts))
	if len(got) != 1 || got[0] != "ann" {
		t.Fatalf("managers = %v, want [ann]", got)
	}
}

func TestFlatDiscoveryFiltersByApplication(t *testing.T) {
	st := store.NewMemory()
	seedIdentities(t, st,
		manager("ann", ""),
		manager("bob", ""),
		&identity.Identity{Name: "cara", ManagerName: "ann"},
		&identity.Identity{Name: "dave", ManagerName: "bob", Applications: []string{"SAP"}},
	)

	def := &cert.Definition{ID: "d1", Name: "SAP Managers", IncludedApplications: []string{"SAP"}}
	parts, err := New(st, def, config.Default()).CreatePartitions(context.Background(), "", 1)
	if err != nil {
		t.Fatal(err)
	}
	got := names(flatten(parts))
	if len(got) != 1 || got[0] != "bob" {
		t.Fatalf("managers = %v, want [bob]", got)
	}
}

func TestSubordinateDiscoveryKeepsParentsBeforeReports(t *testing.T) {
	st := store.NewMemory()
	seedIdentities(t, st,
		manager("ceo", ""),
		manager("ann", "ceo"),
		manager("bob", "ceo"),
		manager("cara", "ann"),
	)

	def := &cert.Definition{ID: "d1", Name: "Hierarchy", IncludeSubordinateCerts: true}
	parts, err := New(st, def, config.Default()).CreatePartitions(context.Background(), "", 1)
	if err != nil {
		t.Fatal(err)
	}
	managers := flatten(parts)
	got := names(managers)
	want := []string{"ceo", "ann", "cara", "bob"}
	if len(got) != len(want) {
		t.Fatalf("managers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("managers = %v, want %v", got, want)
		}
	}
	if managers[1].ParentManagerName != "ceo" || managers[2].ParentManagerName != "ann" {
		t.Fatalf("parents wrong: %+v", managers)
	}
	if managers[0].ParentManagerName != "" {
		t.Fatalf("top-level manager has parent %q", managers[0].ParentManagerName)
	}
}

func TestFlattenWithoutSubordinatesTakesTopsOnly(t *testing.T) {
	st := store.NewMemory()
	seedIdentities(t, st,
		manager("ceo", ""),
		manager("ann", "ceo"),
	)

	def := &cert.Definition{ID: "d1", Name: "Flattened", FlattenHierarchy: true}
	parts, err := New(st, def, config.Default()).CreatePartitions(context.Background(), "", 1)
	if err != nil {
		t.Fatal(err)
	}
	got := names(flatten(parts))
	if len(got) != 1 || got[0] != "ceo" {
		t.Fatalf("managers = %v, want [ceo]", got)
	}
}

func TestSubordinateDiscoverySkipsInactiveSubtree(t *testing.T) {
	st := store.NewMemory()
	seedIdentities(t, st,
		manager("ceo", ""),
		&identity.Identity{Name: "ann", ManagerName: "ceo", ManagerStatus: true, Inactive: true},
		manager("cara", "ann"),
		manager("bob", "ceo"),
	)

	def := &cert.Definition{ID: "d1", Name: "Hierarchy", IncludeSubordinateCerts: true}
	parts, err := New(st, def, config.Default()).CreatePartitions(context.Background(), "", 1)
	if err != nil {
		t.Fatal(err)
	}
	got := names(flatten(parts))
	want := []string{"ceo", "bob"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("managers = %v, want %v", got, want)
	}
}

func TestSelfManagingTopDoesNotRecurseIntoItself(t *testing.T) {
	st := store.NewMemory()
	seedIdentities(t, st, manager("solo", "solo"))

	def := &cert.Definition{ID: "d1", Name: "Solo", IncludeSubordinateCerts: true}
	parts, err := New(st, def, config.Default()).CreatePartitions(context.Background(), "", 1)
	if err != nil {
		t.Fatal(err)
	}
	got := names(flatten(parts))
	if len(got) != 1 || got[0] != "solo" {
		t.Fatalf("managers = %v, want [solo]", got)
	}
}

func TestPartitionsBalancedByCeilDivision(t *testing.T) {
	st := store.NewMemory()
	seedIdentities(t, st,
		manager("m1", ""), manager("m2", ""), manager("m3", ""),
		manager("m4", ""), manager("m5", ""),
		&identity.Identity{Name: "r1", ManagerName: "m1"},
		&identity.Identity{Name: "r2", ManagerName: "m2"},
		&identity.Identity{Name: "r3", ManagerName: "m3"},
		&identity.Identity{Name: "r4", ManagerName: "m4"},
		&identity.Identity{Name: "r5", ManagerName: "m5"},
	)

	def := &cert.Definition{ID: "d1", Name: "Big Campaign"}
	parts, err := New(st, def, config.Default()).CreatePartitions(context.Background(), "g1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 {
		t.Fatalf("partitions = %d, want 2", len(parts))
	}
	if len(parts[0].Managers) != 3 || len(parts[1].Managers) != 2 {
		t.Fatalf("sizes = %d/%d, want 3/2", len(parts[0].Managers), len(parts[1].Managers))
	}
	if parts[0].Name != "Big Campaign - partition 1" || parts[1].Name != "Big Campaign - partition 2" {
		t.Fatalf("names = %q / %q", parts[0].Name, parts[1].Name)
	}
	for _, p := range parts {
		if p.DefinitionID != "d1" || p.GroupID != "g1" || p.ID == "" {
			t.Fatalf("unexpected partition %+v", p)
		}
	}
	if parts[0].ID == parts[1].ID {
		t.Fatal("partition ids collide")
	}
}

func TestRequestedPartitionsClampedToPopulation(t *testing.T) {
	st := store.NewMemory()
	seedIdentities(t, st,
		manager("m1", ""), manager("m2", ""),
		&identity.Identity{Name: "r1", ManagerName: "m1"},
		&identity.Identity{Name: "r2", ManagerName: "m2"},
	)

	def := &cert.Definition{ID: "d1", Name: "Tiny"}
	parts, err := New(st, def, config.Default()).CreatePartitions(context.Background(), "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 {
		t.Fatalf("partitions = %d, want 2", len(parts))
	}
	for _, p := range parts {
		if len(p.Managers) != 1 {
			t.Fatalf("partition %s holds %d managers", p.Name, len(p.Managers))
		}
	}
}

func TestEmptyPopulationYieldsNoPartitions(t *testing.T) {
	def := &cert.Definition{ID: "d1", Name: "Empty"}
	parts, err := New(store.NewMemory(), def, config.Default()).CreatePartitions(context.Background(), "", 3)
	if err != nil {
		t.Fatal(err)
	}
	if parts != nil {
		t.Fatalf("expected no partitions, got %v", parts)
	}
}

func TestNilDefinitionRejected(t *testing.T) {
	_, err := New(store.NewMemory(), nil, config.Default()).CreatePartitions(context.Background(), "", 1)
	if err != cert.ErrNoDefinition {
		t.Fatalf("err = %v, want ErrNoDefinition", err)
	}
}
