package identity

import (
	"errors"
	"sort"
	"time"
)

// Permission is one permission target with its granted rights.
type Permission struct {
	Target string
	Rights []string
}

// EntitlementSnapshot captures the entitlement facts on one account at the
// time the certification was generated.
type EntitlementSnapshot struct {
	Application    string
	Instance       string
	NativeIdentity string
	Attributes     map[string][]string
	Permissions    []Permission
}

// FirstAttribute returns the lexically first attribute name carrying a
// value, with that value. Attribute maps have no iteration order; record
// keys derived from a snapshot must not depend on one.
func (s *EntitlementSnapshot) FirstAttribute() (string, string) {
	names := make([]string, 0, len(s.Attributes))
	for name, values := range s.Attributes {
		if len(values) > 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", ""
	}
	sort.Strings(names)
	return names[0], s.Attributes[names[0]][0]
}

// AttributeAssignment asserts "this identity was explicitly assigned this
// entitlement via a certification or violation decision."
type AttributeAssignment struct {
	Application    string
	Instance       string
	NativeIdentity string
	Name           string
	Value          string
	Source         string // certification or violation id
	Assigner       string
	Created        time.Time
}

// Matches compares by application, native identity, instance and name. This
// is the removal-matching equality; Value intentionally excluded.
func (a AttributeAssignment) Matches(other AttributeAssignment) bool {
	return a.Application == other.Application &&
		a.NativeIdentity == other.NativeIdentity &&
		a.Instance == other.Instance &&
		a.Name == other.Name
}

// ExpirationAction is what happens when a mitigation expires.
type ExpirationAction string

const (
	ExpirationNothing   ExpirationAction = "Nothing"
	ExpirationProvision ExpirationAction = "Provision"
)

// MitigationExpiration is a time-boxed exception attached to an identity.
type MitigationExpiration struct {
	ID             string
	Application    string
	NativeIdentity string
	ItemType       string
	Name           string
	Value          string

	Expiration time.Time
	Action     ExpirationAction

	Mitigator  string
	Comments   string
	SourceItem string
	Created    time.Time
}

// SameTarget compares by application, native identity, type, name and value.
// Two mitigations of the same target collide; the later one evicts the
// earlier.
func (m MitigationExpiration) SameTarget(other MitigationExpiration) bool {
	return m.Application == other.Application &&
		m.NativeIdentity == other.NativeIdentity &&
		m.ItemType == other.ItemType &&
		m.Name == other.Name &&
		m.Value == other.Value
}

// DecisionRecord is one entry in the identity's certification-decision
// history. Acknowledge decisions land here without touching entitlements.
type DecisionRecord struct {
	CertificationID string
	ItemID          string
	Status          string
	Actor           string
	Comments        string
	Created         time.Time
}

// Identity is a user or service principal under governance.
type Identity struct {
	ID            string
	Name          string
	ManagerName   string
	ManagerStatus bool
	Inactive      bool

	// Applications lists the applications the identity holds accounts on.
	Applications []string

	Assignments           []AttributeAssignment
	MitigationExpirations []MitigationExpiration
	DecisionHistory       []DecisionRecord
}

// AddAssignment merges an assignment, replacing any record for the same
// (application, native identity, instance, name) key.
func (id *Identity) AddAssignment(a AttributeAssignment) {
	for i := range id.Assignments {
		if id.Assignments[i].Matches(a) && id.Assignments[i].Value == a.Value {
			id.Assignments[i] = a
			return
		}
	}
	id.Assignments = append(id.Assignments, a)
}

// RemoveAssignments drops every assignment matching the given key and
// returns how many were removed.
func (id *Identity) RemoveAssignments(a AttributeAssignment) int {
	kept := id.Assignments[:0]
	removed := 0
	for _, existing := range id.Assignments {
		if existing.Matches(a) && (a.Value == "" || existing.Value == a.Value) {
			removed++
			continue
		}
		kept = append(kept, existing)
	}
	id.Assignments = kept
	return removed
}

// AddMitigationExpiration attaches a mitigation, returning the evicted
// colliding record if one existed. The caller must delete evicted records
// from the store.
func (id *Identity) AddMitigationExpiration(m MitigationExpiration) *MitigationExpiration {
	for i := range id.MitigationExpirations {
		if id.MitigationExpirations[i].SameTarget(m) {
			evicted := id.MitigationExpirations[i]
			id.MitigationExpirations[i] = m
			return &evicted
		}
	}
	id.MitigationExpirations = append(id.MitigationExpirations, m)
	return nil
}

// RemoveMitigationExpiration drops the record with the same target, returning
// it if found.
func (id *Identity) RemoveMitigationExpiration(m MitigationExpiration) *MitigationExpiration {
	for i := range id.MitigationExpirations {
		if id.MitigationExpirations[i].SameTarget(m) {
			removed := id.MitigationExpirations[i]
			id.MitigationExpirations = append(
				id.MitigationExpirations[:i], id.MitigationExpirations[i+1:]...)
			return &removed
		}
	}
	return nil
}

// RemoveMitigationBySource drops the record created from the given
// certification item, returning it if found. Source ids identify a
// mitigation exactly; target-key matching cannot, since the item's snapshot
// may carry several attributes.
func (id *Identity) RemoveMitigationBySource(sourceItem string) *MitigationExpiration {
	if sourceItem == "" {
		return nil
	}
	for i := range id.MitigationExpirations {
		if id.MitigationExpirations[i].SourceItem == sourceItem {
			removed := id.MitigationExpirations[i]
			id.MitigationExpirations = append(
				id.MitigationExpirations[:i], id.MitigationExpirations[i+1:]...)
			return &removed
		}
	}
	return nil
}

// Policy is the constraint definition behind a violation.
type Policy struct {
	Name string
	Type string // e.g. "SOD"

	// CertificationActions lists the decision statuses the policy permits,
	// empty meaning unrestricted.
	CertificationActions []string
}

// AllowsAction reports whether the policy permits the given decision status.
func (p *Policy) AllowsAction(status string) bool {
	if p == nil || len(p.CertificationActions) == 0 {
		return true
	}
	for _, a := range p.CertificationActions {
		if a == status {
			return true
		}
	}
	return false
}

// IsSOD reports whether the policy is a separation-of-duties policy, which
// cannot be auto-remediated.
func (p *Policy) IsSOD() bool { return p != nil && p.Type == "SOD" }

// PolicyViolation is a detected policy breach on an identity.
type PolicyViolation struct {
	ID           string
	PolicyName   string
	RuleName     string
	IdentityName string
	Owner        string
	Status       string
	Active       bool
	Description  string
}

var ErrNotFound = errors.New("identity not found")
