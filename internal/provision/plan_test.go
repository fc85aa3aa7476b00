package provision

import (
	"testing"
	"time"
)

func TestMergeConcatenatesSameAccount(t *testing.T) {
	p := NewPlan("ida")
	p.Add(AccountRequest{
		Application:    "AD",
		NativeIdentity: "CN=ida",
		Op:             OpRemove,
		Attributes:     []AttributeRequest{{Name: "memberOf", Value: "CN=Payroll", Op: OpRevoke}},
	})

	other := NewPlan("ida")
	other.Add(AccountRequest{
		Application:    "AD",
		NativeIdentity: "CN=ida",
		Op:             OpRemove,
		Attributes:     []AttributeRequest{{Name: "memberOf", Value: "CN=Finance", Op: OpRevoke}},
		Permissions:    []PermissionRequest{{Target: "GL", Rights: []string{"write"}, Op: OpRevoke}},
	})
	other.Add(AccountRequest{
		Application:    "SAP",
		NativeIdentity: "ida",
		Op:             OpRemove,
	})

	p.Merge(other)
	if len(p.Accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(p.Accounts))
	}
	ad := p.Accounts[0]
	if len(ad.Attributes) != 2 || len(ad.Permissions) != 1 {
		t.Fatalf("merged account = %+v", ad)
	}
	if p.Accounts[1].Application != "SAP" {
		t.Fatalf("new account = %+v", p.Accounts[1])
	}
}

func TestMergeNilIsNoop(t *testing.T) {
	p := NewPlan("ida")
	p.Merge(nil)
	if !p.Empty() {
		t.Fatal("merge of nil added work")
	}
}

func TestEmptyNilSafe(t *testing.T) {
	var p *Plan
	if !p.Empty() {
		t.Fatal("nil plan not empty")
	}
	if NewPlan("ida").Empty() != true {
		t.Fatal("fresh plan not empty")
	}
}

func TestRewriteRevokesAsRemoves(t *testing.T) {
	p := NewPlan("ida")
	p.Add(AccountRequest{
		Application: "AD",
		Op:          OpRevoke,
		Attributes: []AttributeRequest{
			{Name: "memberOf", Value: "CN=Payroll", Op: OpRevoke},
			{Name: "memberOf", Value: "CN=Finance", Op: OpRemove},
		},
		Permissions: []PermissionRequest{{Target: "GL", Rights: []string{"write"}, Op: OpRevoke}},
	})

	sunset := time.Now().UTC().Add(30 * 24 * time.Hour)
	p.RewriteRevokesAsRemoves(sunset)

	acct := p.Accounts[0]
	if acct.Op != OpRemove {
		t.Fatalf("account op = %s", acct.Op)
	}
	for _, req := range acct.Attributes {
		if req.Op != OpRemove {
			t.Fatalf("attribute op = %s", req.Op)
		}
		if req.RemoveDate == nil || !req.RemoveDate.Equal(sunset) {
			t.Fatalf("remove date = %v, want %v", req.RemoveDate, sunset)
		}
	}
	if acct.Permissions[0].Op != OpRemove {
		t.Fatalf("permission op = %s", acct.Permissions[0].Op)
	}
}

func TestAnnotateRoleRemovals(t *testing.T) {
	p := NewPlan("ida")
	p.Add(AccountRequest{
		Op: OpRemove,
		Attributes: []AttributeRequest{
			{Name: "assignedRoles", Value: "Accountant", Op: OpRevoke},
			{Name: "assignedRoles", Value: "Auditor", Op: OpAdd},
			{Name: "memberOf", Value: "CN=Payroll", Op: OpRevoke},
		},
	})

	p.AnnotateRoleRemovals("assignedRoles")

	attrs := p.Accounts[0].Attributes
	if v, ok := attrs[0].Args[ArgDeassignEntitlements].(bool); !ok || !v {
		t.Fatalf("role removal not annotated: %+v", attrs[0])
	}
	if attrs[1].Args != nil {
		t.Fatalf("role add annotated: %+v", attrs[1])
	}
	if attrs[2].Args != nil {
		t.Fatalf("non-role attribute annotated: %+v", attrs[2])
	}
}
