package checkpoint

import (
	"context"

	"certeon.org/internal/store"
)

// Policy decides how often a batch loop commits and decaches. The cadences
// differ per workload: auto-close commits every 20 items, remediation
// kickoff every 50, hierarchy discovery evicts every 100 identities.
type Policy struct {
	CommitEvery  int
	DecacheEvery int
}

// Checkpointer is ticked once per processed unit by batch loops. It decides
// internally when to commit and when to evict the session cache, decoupling
// cadence from mechanism.
type Checkpointer struct {
	policy    Policy
	st        store.Store
	processed int
	evictions int
}

// New builds a Checkpointer over the store.
func New(st store.Store, policy Policy) *Checkpointer {
	return &Checkpointer{policy: policy, st: st}
}

// Tick records one processed unit. It returns true when a decache happened,
// signalling the caller that held references must be reattached before
// further use.
func (c *Checkpointer) Tick(ctx context.Context) (bool, error) {
	c.processed++
	if c.policy.CommitEvery > 0 && c.processed%c.policy.CommitEvery == 0 {
		if err := c.st.Commit(ctx); err != nil {
			return false, err
		}
	}
	if c.policy.DecacheEvery > 0 && c.processed%c.policy.DecacheEvery == 0 {
		c.st.Decache()
		c.evictions++
		return true, nil
	}
	return false, nil
}

// Flush commits any trailing work after the loop ends.
func (c *Checkpointer) Flush(ctx context.Context) error {
	return c.st.Commit(ctx)
}

// Processed reports how many units have been ticked.
func (c *Checkpointer) Processed() int { return c.processed }

// Evictions reports how many decaches have fired.
func (c *Checkpointer) Evictions() int { return c.evictions }
