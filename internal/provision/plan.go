package provision

import (
	"time"

	"github.com/google/uuid"
)

// Op is a provisioning operation on an account or attribute.
type Op string

const (
	OpAdd    Op = "Add"
	OpRemove Op = "Remove"
	OpRevoke Op = "Revoke"
	OpRetain Op = "Retain"
	OpDelete Op = "Delete"
)

// ArgDeassignEntitlements on a role removal also deassigns the entitlements
// the role granted.
const ArgDeassignEntitlements = "deassignEntitlements"

// AttributeRequest asks for one attribute value change.
type AttributeRequest struct {
	Name  string
	Value string
	Op    Op

	// RemoveDate defers the removal, used for sunset plans attached to
	// mitigations.
	RemoveDate *time.Time

	Args map[string]any
}

// PermissionRequest asks for a permission right change.
type PermissionRequest struct {
	Target string
	Rights []string
	Op     Op
}

// AccountRequest groups changes against one account.
type AccountRequest struct {
	Application    string
	Instance       string
	NativeIdentity string
	Op             Op

	Attributes  []AttributeRequest
	Permissions []PermissionRequest
}

// Plan is a provisioning request for one identity.
type Plan struct {
	// ID doubles as the idempotency key on the downstream provisioner.
	ID       string
	Identity string
	Comments string
	Accounts []AccountRequest

	TrackingID string
}

// NewPlan creates an empty plan for an identity.
func NewPlan(identity string) *Plan {
	return &Plan{ID: uuid.NewString(), Identity: identity}
}

// Add appends an account request.
func (p *Plan) Add(req AccountRequest) { p.Accounts = append(p.Accounts, req) }

// Empty reports whether the plan carries no work.
func (p *Plan) Empty() bool { return p == nil || len(p.Accounts) == 0 }

// Merge folds another identity's-worth of requests into the plan. Requests
// against the same account are concatenated, not deduplicated; the
// provisioner compiles duplicates away.
func (p *Plan) Merge(other *Plan) {
	if other == nil {
		return
	}
	for _, acct := range other.Accounts {
		merged := false
		for i := range p.Accounts {
			if p.Accounts[i].Application == acct.Application &&
				p.Accounts[i].Instance == acct.Instance &&
				p.Accounts[i].NativeIdentity == acct.NativeIdentity {
				p.Accounts[i].Attributes = append(p.Accounts[i].Attributes, acct.Attributes...)
				p.Accounts[i].Permissions = append(p.Accounts[i].Permissions, acct.Permissions...)
				merged = true
				break
			}
		}
		if !merged {
			p.Accounts = append(p.Accounts, acct)
		}
	}
}

// RewriteRevokesAsRemoves downgrades permanent Revoke operations to soft
// Remove and stamps the given remove date on every attribute request.
// Mitigation end-date semantics want the access back out at the sunset, not
// revoked now.
func (p *Plan) RewriteRevokesAsRemoves(removeDate time.Time) {
	for ai := range p.Accounts {
		acct := &p.Accounts[ai]
		if acct.Op == OpRevoke {
			acct.Op = OpRemove
		}
		for ri := range acct.Attributes {
			req := &acct.Attributes[ri]
			if req.Op == OpRevoke {
				req.Op = OpRemove
			}
			d := removeDate
			req.RemoveDate = &d
		}
		for ri := range acct.Permissions {
			if acct.Permissions[ri].Op == OpRevoke {
				acct.Permissions[ri].Op = OpRemove
			}
		}
	}
}

// AnnotateRoleRemovals marks removal requests for the named attribute (the
// role assignment attribute) to also deassign dependent entitlements.
func (p *Plan) AnnotateRoleRemovals(roleAttribute string) {
	for ai := range p.Accounts {
		for ri := range p.Accounts[ai].Attributes {
			req := &p.Accounts[ai].Attributes[ri]
			if req.Name != roleAttribute {
				continue
			}
			if req.Op != OpRemove && req.Op != OpRevoke {
				continue
			}
			if req.Args == nil {
				req.Args = map[string]any{}
			}
			req.Args[ArgDeassignEntitlements] = true
		}
	}
}
