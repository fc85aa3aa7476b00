package phase

import (
	"context"

	"certeon.org/internal/cert"
)

// Handler provides the behavior around one lifecycle phase. Handlers may
// need to decache while processing; reattached objects are returned.
type Handler interface {
	// EnterPhase runs the phase-specific entry behavior. The returned
	// Phaseable is the caller's new reference; it may differ from the
	// argument if the handler decached the session.
	EnterPhase(ctx context.Context, ph cert.Phaseable) (cert.Phaseable, error)

	// ExitPhase runs the phase-specific exit behavior.
	ExitPhase(ctx context.Context, ph cert.Phaseable) (cert.Phaseable, error)

	// PostEnter runs after all items of the certification have entered
	// this phase, so per-certification work (notification flushes,
	// statistic rollups) batches across the item transitions.
	PostEnter(ctx context.Context, c *cert.Certification) (*cert.Certification, error)

	// PostExit is the exit-side batching hook.
	PostExit(ctx context.Context, c *cert.Certification) (*cert.Certification, error)

	// IsSkipped reports whether this phase should be skipped for the
	// phaseable even though it is enabled.
	IsSkipped(ctx context.Context, ph cert.Phaseable) (bool, error)

	// Refresh re-evaluates one item under this phase's rules.
	Refresh(ctx context.Context, c *cert.Certification, item *cert.CertificationItem) error

	// HandleRollingTransition advances or rewinds the item if it should
	// leave this phase, for rolling-phase certifications.
	HandleRollingTransition(ctx context.Context, item *cert.CertificationItem) error

	// UpdateNextPhaseTransition reports whether entering this phase should
	// schedule a timed transition. Rolling-phase certifications wait for
	// an event instead of a timer.
	UpdateNextPhaseTransition(ph cert.Phaseable) bool
}

// baseHandler supplies the defaults. Phase handlers embed it and override
// what their phase needs.
type baseHandler struct {
	phaser *Phaser
}

func (h *baseHandler) EnterPhase(ctx context.Context, ph cert.Phaseable) (cert.Phaseable, error) {
	return ph, nil
}

func (h *baseHandler) ExitPhase(ctx context.Context, ph cert.Phaseable) (cert.Phaseable, error) {
	return ph, nil
}

func (h *baseHandler) PostEnter(ctx context.Context, c *cert.Certification) (*cert.Certification, error) {
	return c, nil
}

func (h *baseHandler) PostExit(ctx context.Context, c *cert.Certification) (*cert.Certification, error) {
	return c, nil
}

func (h *baseHandler) IsSkipped(ctx context.Context, ph cert.Phaseable) (bool, error) {
	return false, nil
}

func (h *baseHandler) Refresh(ctx context.Context, c *cert.Certification, item *cert.CertificationItem) error {
	return nil
}

func (h *baseHandler) HandleRollingTransition(ctx context.Context, item *cert.CertificationItem) error {
	return nil
}

func (h *baseHandler) UpdateNextPhaseTransition(ph cert.Phaseable) bool {
	return !ph.GetCertification().UseRollingPhases()
}
