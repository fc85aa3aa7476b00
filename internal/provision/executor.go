package provision

import (
	"context"

	"golang.org/x/time/rate"
)

// Executor compiles and executes provisioning plans. The real implementation
// lives in the provisioning engine outside this module.
type Executor interface {
	Execute(ctx context.Context, plan *Plan) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, plan *Plan) error

func (f ExecutorFunc) Execute(ctx context.Context, plan *Plan) error { return f(ctx, plan) }

// RateLimited wraps an Executor so a large remediation kickoff cannot flood
// the downstream provisioner. A nil limiter executes unthrottled.
type RateLimited struct {
	next    Executor
	limiter *rate.Limiter
}

// NewRateLimited builds a throttled executor. perSecond <= 0 disables
// throttling.
func NewRateLimited(next Executor, perSecond float64, burst int) *RateLimited {
	var lim *rate.Limiter
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &RateLimited{next: next, limiter: lim}
}

func (r *RateLimited) Execute(ctx context.Context, plan *Plan) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return r.next.Execute(ctx, plan)
}
