package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"certeon.org/internal/cert"
	"certeon.org/internal/identity"
)

// Memory implements Store in process. It models the session semantics the
// engine is written against: explicit commit points, a decache generation,
// reattach returning the canonical object, and per-name locks with bounded
// acquisition.
type Memory struct {
	mu sync.RWMutex

	certs      map[string]*cert.Certification
	identities map[string]*identity.Identity
	violations map[string]*identity.PolicyViolation
	policies   map[string]*identity.Policy

	locks   map[string]chan struct{}
	locksMu sync.Mutex

	generation int
	commits    int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		certs:      make(map[string]*cert.Certification),
		identities: make(map[string]*identity.Identity),
		violations: make(map[string]*identity.PolicyViolation),
		policies:   make(map[string]*identity.Policy),
		locks:      make(map[string]chan struct{}),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Certifications() CertificationStore { return (*memoryCerts)(m) }
func (m *Memory) Identities() IdentityStore          { return (*memoryIdentities)(m) }
func (m *Memory) Violations() ViolationStore         { return (*memoryViolations)(m) }

// Commit flushes the unit of work. In memory this only counts commit points;
// the count is useful in tests asserting batching cadence.
func (m *Memory) Commit(ctx context.Context) error {
	m.mu.Lock()
	m.commits++
	m.mu.Unlock()
	return nil
}

// Commits reports how many commit points have been reached.
func (m *Memory) Commits() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commits
}

// Decache evicts the session cache. Previously issued references must be
// revalidated through Reattach before further use.
func (m *Memory) Decache() {
	m.mu.Lock()
	m.generation++
	m.mu.Unlock()
}

// Generation reports the decache generation, for tests asserting cadence.
func (m *Memory) Generation() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// AddPolicy registers a policy for violation lookups.
func (m *Memory) AddPolicy(p *identity.Policy) {
	m.mu.Lock()
	m.policies[p.Name] = p
	m.mu.Unlock()
}

// acquire takes the named lock with bounded wait.
func (m *Memory) acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	m.locksMu.Lock()
	ch, ok := m.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[key] = ch
	}
	m.locksMu.Unlock()

	if timeout <= 0 {
		// Non-blocking attempt only.
		select {
		case ch <- struct{}{}:
			return func() { <-ch }, nil
		default:
			return nil, ErrLockTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memoryCerts Memory

func (m *memoryCerts) ByID(ctx context.Context, id string) (*cert.Certification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.certs[id]
	if !ok {
		return nil, cert.ErrNotFound
	}
	return c, nil
}

func (m *memoryCerts) Save(ctx context.Context, c *cert.Certification) error {
	m.mu.Lock()
	m.certs[c.ID] = c
	m.mu.Unlock()
	return nil
}

func (m *memoryCerts) Reattach(ctx context.Context, c *cert.Certification) (*cert.Certification, error) {
	if c == nil {
		return nil, cert.ErrNotFound
	}
	return m.ByID(ctx, c.ID)
}

func (m *memoryCerts) Lock(ctx context.Context, id string, timeout time.Duration) (func(), error) {
	return (*Memory)(m).acquire(ctx, "cert:"+id, timeout)
}

func (m *memoryCerts) DueForTransition(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for _, c := range m.certs {
		if c.NextPhaseTransition != nil && c.NextPhaseTransition.Before(now) {
			ids = append(ids, c.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memoryCerts) ItemsDueForTransition(ctx context.Context, now time.Time) ([]ItemRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var refs []ItemRef
	for _, c := range m.certs {
		for _, e := range c.Entities {
			for _, i := range e.Items {
				if i.NextPhaseTransition != nil && i.NextPhaseTransition.Before(now) {
					refs = append(refs, ItemRef{CertificationID: c.ID, ItemID: i.ID})
				}
			}
		}
	}
	sort.Slice(refs, func(a, b int) bool {
		if refs[a].CertificationID != refs[b].CertificationID {
			return refs[a].CertificationID < refs[b].CertificationID
		}
		return refs[a].ItemID < refs[b].ItemID
	})
	return refs, nil
}

func (m *memoryCerts) DueForAutoClose(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type row struct {
		id      string
		created time.Time
	}
	var rows []row
	for _, c := range m.certs {
		if c.IsSigned() {
			continue
		}
		if c.AutomaticClosingDate != nil && c.AutomaticClosingDate.Before(now) {
			rows = append(rows, row{id: c.ID, created: c.Created})
		}
	}
	// Creation descending puts child certifications ahead of their parents.
	sort.Slice(rows, func(a, b int) bool {
		if !rows[a].created.Equal(rows[b].created) {
			return rows[a].created.After(rows[b].created)
		}
		return rows[a].id > rows[b].id
	})
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.id)
	}
	return ids, nil
}

func (m *memoryCerts) UndecidedItems(ctx context.Context, certID string) ([]string, error) {
	return m.itemIDs(certID, func(i *cert.CertificationItem) bool {
		return i.Action == nil
	})
}

func (m *memoryCerts) IncompleteDelegatedItems(ctx context.Context, certID string) ([]string, error) {
	return m.itemIDs(certID, func(i *cert.CertificationItem) bool {
		return i.Delegation.Active()
	})
}

func (m *memoryCerts) IncompleteDelegatedEntities(ctx context.Context, certID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.certs[certID]
	if !ok {
		return nil, cert.ErrNotFound
	}
	var ids []string
	for _, e := range c.Entities {
		if e.Delegation.Active() {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

func (m *memoryCerts) ItemsPendingRemediation(ctx context.Context, certID string) ([]string, error) {
	// Entity order is preserved by the tree walk, so items of one entity
	// stay contiguous for batched cache eviction.
	return m.itemIDs(certID, func(i *cert.CertificationItem) bool {
		return i.Action != nil && i.Action.Status.IsRevoke() && !i.Action.RemediationKickedOff
	})
}

func (m *memoryCerts) itemIDs(certID string, match func(*cert.CertificationItem) bool) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.certs[certID]
	if !ok {
		return nil, cert.ErrNotFound
	}
	var ids []string
	for _, e := range c.Entities {
		for _, i := range e.Items {
			if match(i) {
				ids = append(ids, i.ID)
			}
		}
	}
	return ids, nil
}

type memoryIdentities Memory

func (m *memoryIdentities) ByName(ctx context.Context, name string) (*identity.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[name]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return id, nil
}

func (m *memoryIdentities) Save(ctx context.Context, id *identity.Identity) error {
	m.mu.Lock()
	m.identities[id.Name] = id
	m.mu.Unlock()
	return nil
}

func (m *memoryIdentities) Lock(ctx context.Context, name string, timeout time.Duration) (func(), error) {
	return (*Memory)(m).acquire(ctx, "identity:"+name, timeout)
}

func (m *memoryIdentities) DeleteMitigation(ctx context.Context, mit identity.MitigationExpiration) error {
	// In memory the record lives only on the identity; eviction already
	// removed it. Durable stores delete the row here.
	return nil
}

func (m *memoryIdentities) ExpiredMitigations(ctx context.Context, now time.Time) ([]ExpiredMitigation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ExpiredMitigation
	for _, id := range m.identities {
		for _, mit := range id.MitigationExpirations {
			if mit.Expiration.After(now) {
				continue
			}
			out = append(out, ExpiredMitigation{IdentityName: id.Name, Record: mit})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Record.Expiration.Equal(out[j].Record.Expiration) {
			return out[i].Record.Expiration.Before(out[j].Record.Expiration)
		}
		return out[i].Record.ID < out[j].Record.ID
	})
	return out, nil
}

func (m *memoryIdentities) TopLevelManagers(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for _, id := range m.identities {
		if !id.ManagerStatus {
			continue
		}
		if id.ManagerName == "" || id.ManagerName == id.Name {
			names = append(names, id.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *memoryIdentities) ManagersWithReports(ctx context.Context, includedApps []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	for _, id := range m.identities {
		if id.ManagerName == "" || id.ManagerName == id.Name {
			continue
		}
		if len(includedApps) > 0 && !holdsAccountOn(id, includedApps) {
			continue
		}
		mgr, ok := m.identities[id.ManagerName]
		if !ok || !mgr.ManagerStatus {
			continue
		}
		seen[mgr.Name] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memoryIdentities) DirectReports(ctx context.Context, managerName string) ([]*identity.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var reports []*identity.Identity
	for _, id := range m.identities {
		if id.ManagerName == managerName && id.Name != managerName {
			reports = append(reports, id)
		}
	}
	sort.Slice(reports, func(a, b int) bool { return reports[a].Name < reports[b].Name })
	return reports, nil
}

func holdsAccountOn(id *identity.Identity, apps []string) bool {
	for _, have := range id.Applications {
		for _, want := range apps {
			if have == want {
				return true
			}
		}
	}
	return false
}

type memoryViolations Memory

func (m *memoryViolations) ViolationByID(ctx context.Context, id string) (*identity.PolicyViolation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.violations[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return v, nil
}

func (m *memoryViolations) SaveViolation(ctx context.Context, v *identity.PolicyViolation) error {
	m.mu.Lock()
	m.violations[v.ID] = v
	m.mu.Unlock()
	return nil
}

func (m *memoryViolations) PolicyByName(ctx context.Context, name string) (*identity.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[name]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return p, nil
}
