package cert

import (
	"errors"
	"time"

	"certeon.org/internal/identity"
	"certeon.org/internal/provision"
)

// Type enumerates the certification population kinds.
type Type string

const (
	TypeManager                 Type = "Manager"
	TypeApplicationOwner        Type = "ApplicationOwner"
	TypeAccountGroupMembership  Type = "AccountGroupMembership"
	TypeAccountGroupPermissions Type = "AccountGroupPermissions"
	TypeBusinessRoleComposition Type = "BusinessRoleComposition"
	TypeBusinessRoleMembership  Type = "BusinessRoleMembership"
	TypeDataOwner               Type = "DataOwner"
	TypeIdentity                Type = "Identity"
	TypeGroup                   Type = "Group"
	TypePolicyViolation         Type = "PolicyViolation"
)

// UsesItemLevelIdentity reports whether the identity being certified hangs
// off the item rather than the entity for this certification type. The
// asymmetry is type-specific in the underlying data model; do not try to
// re-derive it.
func (t Type) UsesItemLevelIdentity() bool {
	switch t {
	case TypeAccountGroupMembership, TypeDataOwner:
		return true
	}
	return false
}

// Phase enumerates the lifecycle phases in order. End is terminal.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseStaged
	PhaseActive
	PhaseChallenge
	PhaseRemediation
	PhaseEnd
)

var phaseNames = map[Phase]string{
	PhaseNone:        "",
	PhaseStaged:      "Staged",
	PhaseActive:      "Active",
	PhaseChallenge:   "Challenge",
	PhaseRemediation: "Remediation",
	PhaseEnd:         "End",
}

func (p Phase) String() string { return phaseNames[p] }

// orderedPhases excludes PhaseNone.
var orderedPhases = []Phase{PhaseStaged, PhaseActive, PhaseChallenge, PhaseRemediation, PhaseEnd}

// EntityType enumerates what a CertificationEntity represents.
type EntityType string

const (
	EntityIdentity     EntityType = "Identity"
	EntityAccountGroup EntityType = "AccountGroup"
	EntityRole         EntityType = "Role"
	EntityDataOwner    EntityType = "DataOwner"
)

// ItemType enumerates the decidable item kinds.
type ItemType string

const (
	ItemException                     ItemType = "Exception"
	ItemBundle                        ItemType = "Bundle"
	ItemAccountGroupMembership        ItemType = "AccountGroupMembership"
	ItemBusinessRoleHierarchy         ItemType = "BusinessRoleHierarchy"
	ItemBusinessRoleRequirement       ItemType = "BusinessRoleRequirement"
	ItemBusinessRolePermit            ItemType = "BusinessRolePermit"
	ItemBusinessRoleGrantedCapability ItemType = "BusinessRoleGrantedCapability"
	ItemBusinessRoleGrantedScope      ItemType = "BusinessRoleGrantedScope"
	ItemBusinessRoleProfile           ItemType = "BusinessRoleProfile"
	ItemPolicyViolation               ItemType = "PolicyViolation"
	ItemDataOwner                     ItemType = "DataOwner"
)

// SubTypeAssignedRole marks role items granted by assignment rather than
// detection.
const SubTypeAssignedRole = "AssignedRole"

// IsDeprovisionable reports whether a mitigation of this item type may carry
// a sunset-dated removal plan.
func (t ItemType) IsDeprovisionable() bool {
	switch t {
	case ItemBundle, ItemException, ItemAccountGroupMembership, ItemDataOwner:
		return true
	}
	return false
}

// ActionStatus enumerates decision outcomes.
type ActionStatus string

const (
	StatusApproved      ActionStatus = "Approved"
	StatusRemediated    ActionStatus = "Remediated"
	StatusRevokeAccount ActionStatus = "RevokeAccount"
	StatusMitigated     ActionStatus = "Mitigated"
	StatusDelegated     ActionStatus = "Delegated"
	StatusAcknowledged  ActionStatus = "Acknowledged"
)

// IsRevoke reports whether the status is one of the revoke outcomes.
// RevokeAccount removes the whole account, Remediated the one entitlement.
func (s ActionStatus) IsRevoke() bool {
	return s == StatusRemediated || s == StatusRevokeAccount
}

// ContinuousState tracks items in rolling campaigns.
type ContinuousState string

const (
	StateCertified             ContinuousState = "Certified"
	StateCertificationRequired ContinuousState = "CertificationRequired"
	StateOverdue               ContinuousState = "Overdue"
)

// SummaryStatus is the completion rollup on entities and items.
type SummaryStatus string

const (
	SummaryOpen       SummaryStatus = "Open"
	SummaryDelegated  SummaryStatus = "Delegated"
	SummaryChallenged SummaryStatus = "Challenged"
	SummaryComplete   SummaryStatus = "Complete"
)

// CertificationAction records a certifier decision on an item.
type CertificationAction struct {
	Status        ActionStatus
	Actor         string
	Created       time.Time
	Comments      string
	Description   string
	RevokeAccount bool

	// RemediationPlan holds the provisioning request for revoke outcomes.
	RemediationPlan *provision.Plan
	// RemediationKickedOff is set once the plan has been launched.
	RemediationKickedOff bool
	RemediationCompleted bool
	RemediatorName       string

	// MitigationExpiration is the exception end date for Mitigated.
	MitigationExpiration time.Time

	// DelegateName is the assignee for Delegated.
	DelegateName string

	// SourceCertificationID ties the action back to its campaign.
	SourceCertificationID string
}

// Delegation records a pending reassignment of an entity or item.
type Delegation struct {
	AssigneeName    string
	WorkItemID      string
	CompletionState string // empty until the delegate finishes
	Revoked         bool
}

// Active reports whether the delegation is still awaiting the delegate.
func (d *Delegation) Active() bool {
	return d != nil && !d.Revoked && d.CompletionState == ""
}

// CertificationItem is the unit of decision.
type CertificationItem struct {
	ID      string
	Type    ItemType
	SubType string

	// Phase and NextPhaseTransition are only set for rolling-phase
	// certifications; otherwise items follow the certification's phase.
	Phase               Phase
	NextPhaseTransition *time.Time

	Summary         SummaryStatus
	ContinuousState ContinuousState

	// Action is nil while the item is undecided. Invariant: at most one.
	Action     *CertificationAction
	Delegation *Delegation

	// TargetIdentity is set for certification types whose identity hangs
	// off the item (account-group membership, data owner).
	TargetIdentity string

	// Bundle is the role name for role-type items.
	Bundle string

	// ViolationID references the policy violation for violation items.
	ViolationID string

	// Snapshot captures the entitlement facts being certified, for
	// exception and data-owner items.
	Snapshot *identity.EntitlementSnapshot

	// PreferRevokeAccount marks items whose revoke semantics remove the
	// whole account rather than the single entitlement.
	PreferRevokeAccount bool

	// ChallengeGenerated is set once a challenge work item exists for this
	// item's account.
	ChallengeGenerated bool

	NeedsRefresh bool

	parent *CertificationEntity
}

// Parent returns the owning entity.
func (i *CertificationItem) Parent() *CertificationEntity { return i.parent }

// AccountKey identifies the account the item lives on, for the rule that a
// second account-revoke item on the same account must not advance while a
// challenge is already open.
func (i *CertificationItem) AccountKey() string {
	if i.Snapshot == nil {
		return ""
	}
	return i.Snapshot.Application + "/" + i.Snapshot.NativeIdentity
}

// TargetIdentityName resolves the identity a decision on this item affects.
// Account-group-membership and data-owner certifications hang the identity
// off the item; every other type hangs it off the entity. The asymmetry is a
// per-type policy, not something to re-derive.
func (i *CertificationItem) TargetIdentityName() string {
	if c := i.GetCertification(); c != nil && c.Type.UsesItemLevelIdentity() {
		return i.TargetIdentity
	}
	if i.parent != nil {
		return i.parent.TargetName
	}
	return i.TargetIdentity
}

// Decided reports whether a certifier decision has been recorded.
func (i *CertificationItem) Decided() bool { return i.Action != nil }

// Delegated reports whether the item is awaiting a delegate.
func (i *CertificationItem) Delegated() bool { return i.Delegation.Active() }

// CertificationEntity is one certifiable thing within a certification.
type CertificationEntity struct {
	ID         string
	Type       EntityType
	TargetName string
	TargetID   string

	Delegation      *Delegation
	Summary         SummaryStatus
	ContinuousState ContinuousState

	Items []*CertificationItem

	certification *Certification
}

// Certification returns the owning certification.
func (e *CertificationEntity) Certification() *Certification { return e.certification }

// AddItem attaches an item to the entity.
func (e *CertificationEntity) AddItem(item *CertificationItem) {
	item.parent = e
	e.Items = append(e.Items, item)
}

// Statistics is the aggregate snapshot refreshed after mutation batches.
type Statistics struct {
	TotalEntities     int
	CompletedEntities int
	TotalItems        int
	CompletedItems    int
	DelegatedItems    int
	OpenItems         int

	RemediationsKickedOff int
	RemediationsCompleted int
}

// Command is a deferred operation queued on a certification between
// refreshes. Pending commands are cleared before the final auto-close
// refresh.
type Command struct {
	Name   string
	Target string
}

// Certification is the root aggregate for one access-review campaign.
type Certification struct {
	ID   string
	Name string
	Type Type

	Phase               Phase
	NextPhaseTransition *time.Time

	Created              time.Time
	Activated            *time.Time
	Expiration           *time.Time
	AutomaticClosingDate *time.Time
	Signed               *time.Time
	SignerName           string
	SignoffReceipt       string

	// NextRemediationScan tells the housekeeping job to keep scanning for
	// unlaunched remediations. Cleared when the last item leaves the
	// Remediation phase.
	NextRemediationScan *time.Time

	Certifiers []string
	GroupID    string
	ParentID   string

	Definition *Definition

	Statistics Statistics
	Commands   []Command

	Entities    []*CertificationEntity
	WorkItemIDs []string

	// Continuous certifications roll items through phases individually.
	Continuous bool
}

// AddEntity attaches an entity to the certification.
func (c *Certification) AddEntity(e *CertificationEntity) {
	e.certification = c
	c.Entities = append(c.Entities, e)
}

// IsSigned reports whether the certification has been electronically signed
// and is therefore immutable.
func (c *Certification) IsSigned() bool { return c.Signed != nil }

// UseRollingPhases reports whether items advance individually.
func (c *Certification) UseRollingPhases() bool {
	if c.Continuous {
		return true
	}
	return c.Definition != nil && c.Definition.ProcessRevokesImmediately
}

// ClearCommands drops any pending deferred commands.
func (c *Certification) ClearCommands() { c.Commands = nil }

// ItemByID walks the entity tree for an item.
func (c *Certification) ItemByID(id string) *CertificationItem {
	for _, e := range c.Entities {
		for _, i := range e.Items {
			if i.ID == id {
				return i
			}
		}
	}
	return nil
}

var (
	ErrNotFound           = errors.New("certification object not found")
	ErrNoDefinition       = errors.New("certification has no definition")
	ErrInvalidAutoClose   = errors.New("invalid auto close action")
	ErrMissingCertifier   = errors.New("certification has no certifiers")
	ErrUnknownCertifiable = errors.New("certifiable of unrecognized type")
	ErrSignedImmutable    = errors.New("certification is signed and immutable")
)
