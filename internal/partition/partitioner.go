package partition

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"certeon.org/internal/cert"
	"certeon.org/internal/config"
	"certeon.org/internal/obs"
	"certeon.org/internal/store"
)

// ManagerInfo names one manager to generate a certification for, with the
// parent manager when the certification is a subordinate of another.
type ManagerInfo struct {
	ManagerName       string `json:"managerName"`
	ParentManagerName string `json:"parentManagerName,omitempty"`
}

// Partition is one generation unit handed to a worker. It serializes as
// JSON so the scheduler can persist and redistribute it.
type Partition struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	DefinitionID string        `json:"definitionId"`
	GroupID      string        `json:"groupId,omitempty"`
	Managers     []ManagerInfo `json:"managers"`
}

// Partitioner discovers the manager population for a manager certification
// campaign and splits it into balanced partitions. Discovery walks the
// reporting hierarchy depth-first from the top-level managers when
// subordinate certifications or flattening are requested; otherwise it takes
// every manager with at least one direct report.
type Partitioner struct {
	st  store.Store
	def *cert.Definition
	cfg config.SystemConfig

	terminate atomic.Bool

	visited map[string]bool
	since   int
}

// New builds a Partitioner for one definition.
func New(st store.Store, def *cert.Definition, cfg config.SystemConfig) *Partitioner {
	return &Partitioner{st: st, def: def, cfg: cfg}
}

// Terminate asks a running CreatePartitions to stop after the manager in
// flight.
func (p *Partitioner) Terminate() { p.terminate.Store(true) }

// CreatePartitions discovers the manager population and chunks it into at
// most requested partitions, preserving discovery order so subordinates stay
// near their parents.
func (p *Partitioner) CreatePartitions(ctx context.Context, groupID string, requested int) ([]Partition, error) {
	if p.def == nil {
		return nil, cert.ErrNoDefinition
	}
	p.visited = make(map[string]bool)
	p.since = 0

	managers, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}
	if len(managers) == 0 {
		return nil, nil
	}

	if requested <= 0 {
		requested = p.def.PartitionCount
	}
	if requested <= 0 {
		requested = 1
	}
	if requested > len(managers) {
		requested = len(managers)
	}

	// ceil division keeps partitions balanced within one manager.
	per := (len(managers) + requested - 1) / requested

	var parts []Partition
	for start := 0; start < len(managers); start += per {
		end := start + per
		if end > len(managers) {
			end = len(managers)
		}
		parts = append(parts, Partition{
			ID:           uuid.NewString(),
			Name:         fmt.Sprintf("%s - partition %d", p.def.Name, len(parts)+1),
			DefinitionID: p.def.ID,
			GroupID:      groupID,
			Managers:     managers[start:end],
		})
	}
	return parts, nil
}

func (p *Partitioner) discover(ctx context.Context) ([]ManagerInfo, error) {
	if p.def.IncludeSubordinateCerts || p.def.FlattenHierarchy {
		tops, err := p.st.Identities().TopLevelManagers(ctx)
		if err != nil {
			return nil, err
		}
		var out []ManagerInfo
		for _, top := range tops {
			if p.terminate.Load() {
				break
			}
			if p.visited[top] {
				continue
			}
			p.visited[top] = true
			out = append(out, ManagerInfo{ManagerName: top})
			if p.def.IncludeSubordinateCerts {
				subs, err := p.descend(ctx, top)
				if err != nil {
					return nil, err
				}
				out = append(out, subs...)
			}
		}
		return out, nil
	}

	names, err := p.st.Identities().ManagersWithReports(ctx, p.def.IncludedApplications)
	if err != nil {
		return nil, err
	}
	out := make([]ManagerInfo, 0, len(names))
	for _, name := range names {
		out = append(out, ManagerInfo{ManagerName: name})
	}
	return out, nil
}

// descend walks the reporting tree under one manager depth-first. Two guards
// keep malformed hierarchies from looping: an identity managing itself is
// never recursed into, and a visited set breaks longer cycles.
func (p *Partitioner) descend(ctx context.Context, manager string) ([]ManagerInfo, error) {
	reports, err := p.st.Identities().DirectReports(ctx, manager)
	if err != nil {
		return nil, err
	}

	var out []ManagerInfo
	for _, report := range reports {
		if p.terminate.Load() {
			break
		}

		p.since++
		if p.since >= p.cfg.HierarchyDecacheEvery {
			p.st.Decache()
			p.since = 0
		}

		if !report.ManagerStatus || report.Inactive {
			continue
		}
		if report.Name == report.ManagerName {
			obs.Warn("identity manages itself, not recursing", map[string]any{
				"identity": report.Name,
			})
			continue
		}
		if p.visited[report.Name] {
			obs.Warn("reporting cycle detected, not recursing", map[string]any{
				"identity": report.Name, "manager": manager,
			})
			continue
		}
		p.visited[report.Name] = true

		out = append(out, ManagerInfo{
			ManagerName:       report.Name,
			ParentManagerName: manager,
		})
		subs, err := p.descend(ctx, report.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, subs...)
	}
	return out, nil
}
