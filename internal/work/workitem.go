package work

import (
	"context"
	"errors"
	"sync"
	"time"

	"certeon.org/internal/ids"
)

// ItemType distinguishes certification work items from other kinds.
type ItemType string

const (
	TypeCertification ItemType = "Certification"
	TypeDelegation    ItemType = "Delegation"
	TypeRemediation   ItemType = "Remediation"
	TypeChallenge     ItemType = "Challenge"
)

// Item is a unit of work routed to an owner's inbox.
type Item struct {
	ID    string
	Type  ItemType
	Owner string

	CertificationID string
	TargetItemID    string
	TargetName      string
	Description     string
	Created         time.Time
}

// Engine routes work items. The production implementation is the workflow
// engine outside this module.
type Engine interface {
	// Open persists a new work item and notifies the owner.
	Open(ctx context.Context, item *Item) error

	// CheckForward resolves forwarding rules for the owner of a stub item,
	// returning the possibly different final owner.
	CheckForward(ctx context.Context, owner string, stub *Item) (string, error)

	// ArchiveIfNecessary archives a superseded non-certification work item
	// for the same target before a new one is opened.
	ArchiveIfNecessary(ctx context.Context, item *Item) error
}

// Memory is an in-process Engine for hosts and tests.
type Memory struct {
	mu       sync.Mutex
	items    map[string]*Item
	archived []*Item

	// Forwards maps an owner to a replacement owner, standing in for the
	// forwarding rule.
	Forwards map[string]string
}

// NewMemory creates an empty in-process engine.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]*Item)}
}

var _ Engine = (*Memory)(nil)

func (m *Memory) Open(ctx context.Context, item *Item) error {
	if item.Owner == "" {
		return errors.New("work item requires an owner")
	}
	if item.ID == "" {
		item.ID = ids.New()
	}
	if item.Created.IsZero() {
		item.Created = time.Now().UTC()
	}
	m.mu.Lock()
	m.items[item.ID] = item
	m.mu.Unlock()
	return nil
}

func (m *Memory) CheckForward(ctx context.Context, owner string, stub *Item) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next, ok := m.Forwards[owner]; ok && next != "" {
		return next, nil
	}
	return owner, nil
}

func (m *Memory) ArchiveIfNecessary(ctx context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.items {
		if existing.Type != TypeCertification &&
			existing.TargetItemID == item.TargetItemID &&
			existing.TargetItemID != "" {
			m.archived = append(m.archived, existing)
			delete(m.items, id)
		}
	}
	return nil
}

// Items returns a snapshot of the open work items.
func (m *Memory) Items() []*Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Item, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item)
	}
	return out
}

// Archived returns the archived work items.
func (m *Memory) Archived() []*Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Item(nil), m.archived...)
}
