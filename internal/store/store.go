package store

import (
	"context"
	"errors"
	"time"

	"certeon.org/internal/cert"
	"certeon.org/internal/identity"
)

var (
	// ErrLockTimeout is returned when a pessimistic lock cannot be
	// acquired within the caller's timeout. Callers treat it as
	// transient: skip the unit this pass and retry on the next run.
	ErrLockTimeout = errors.New("lock acquisition timed out")
)

// Store is the unit-of-work the engine mutates through. Commit flushes
// pending state; Decache evicts the session cache, after which any held
// reference must be revalidated through Reattach before further use.
type Store interface {
	Certifications() CertificationStore
	Identities() IdentityStore
	Violations() ViolationStore

	Commit(ctx context.Context) error
	Decache()
}

// ItemRef pairs an item with its owning certification for query results that
// must be processed grouped by certification.
type ItemRef struct {
	CertificationID string
	ItemID          string
}

// ExpiredMitigation pairs an expired mitigation record with the identity
// carrying it.
type ExpiredMitigation struct {
	IdentityName string
	Record       identity.MitigationExpiration
}

// CertificationStore queries and persists the certification aggregate.
type CertificationStore interface {
	ByID(ctx context.Context, id string) (*cert.Certification, error)
	Save(ctx context.Context, c *cert.Certification) error

	// Reattach returns the canonical current object for a possibly stale
	// reference held across a Decache.
	Reattach(ctx context.Context, c *cert.Certification) (*cert.Certification, error)

	// Lock acquires the per-certification lock. The returned function
	// releases it; releasing persists and commits.
	Lock(ctx context.Context, id string, timeout time.Duration) (func(), error)

	// DueForTransition returns ids of certifications whose next phase
	// transition time has passed.
	DueForTransition(ctx context.Context, now time.Time) ([]string, error)

	// ItemsDueForTransition returns item refs past their transition time,
	// ordered by certification so post-phase handling can batch per
	// certification.
	ItemsDueForTransition(ctx context.Context, now time.Time) ([]ItemRef, error)

	// DueForAutoClose returns ids of unsigned certifications past their
	// automatic closing date, creation-descending so children precede
	// parents.
	DueForAutoClose(ctx context.Context, now time.Time) ([]string, error)

	// UndecidedItems returns ids of items without an action.
	UndecidedItems(ctx context.Context, certID string) ([]string, error)

	// IncompleteDelegatedItems returns ids of items with an open
	// delegation.
	IncompleteDelegatedItems(ctx context.Context, certID string) ([]string, error)

	// IncompleteDelegatedEntities returns ids of entities with an open
	// delegation.
	IncompleteDelegatedEntities(ctx context.Context, certID string) ([]string, error)

	// ItemsPendingRemediation returns ids of items decided with a revoke
	// outcome whose remediation has not been kicked off, ordered by parent
	// entity so cache eviction does not split an entity mid-batch.
	ItemsPendingRemediation(ctx context.Context, certID string) ([]string, error)
}

// IdentityStore queries and persists identities and their attached records.
type IdentityStore interface {
	ByName(ctx context.Context, name string) (*identity.Identity, error)
	Save(ctx context.Context, id *identity.Identity) error

	// Lock acquires the per-identity pessimistic lock with bounded retry.
	// The returned function releases the lock; releasing persists and
	// commits the identity.
	Lock(ctx context.Context, name string, timeout time.Duration) (func(), error)

	// DeleteMitigation removes a mitigation record evicted from an
	// identity's collection.
	DeleteMitigation(ctx context.Context, m identity.MitigationExpiration) error

	// ExpiredMitigations returns records past their expiration, oldest
	// first, for the sweep that fires expiration actions.
	ExpiredMitigations(ctx context.Context, now time.Time) ([]ExpiredMitigation, error)

	// TopLevelManagers returns names of managers with no manager or who
	// manage themselves, filtered to managerStatus=true.
	TopLevelManagers(ctx context.Context) ([]string, error)

	// ManagersWithReports returns names of managers with at least one
	// direct report, optionally restricted to reports holding an account
	// on one of the included applications.
	ManagersWithReports(ctx context.Context, includedApps []string) ([]string, error)

	// DirectReports returns the direct reports of the named manager.
	DirectReports(ctx context.Context, managerName string) ([]*identity.Identity, error)
}

// ViolationStore resolves policy violations and their policies.
type ViolationStore interface {
	ViolationByID(ctx context.Context, id string) (*identity.PolicyViolation, error)
	SaveViolation(ctx context.Context, v *identity.PolicyViolation) error
	PolicyByName(ctx context.Context, name string) (*identity.Policy, error)
}
