package phase

import (
	"context"

	"certeon.org/internal/cert"
)

// stagedHandler covers the Staged phase. A staged certification authors its
// decisions before formal activation: pending state is committed, then
// auto-decisioning runs immediately.
type stagedHandler struct {
	baseHandler
}

func (h *stagedHandler) EnterPhase(ctx context.Context, ph cert.Phaseable) (cert.Phaseable, error) {
	c, isCert := ph.(*cert.Certification)
	if !isCert {
		return ph, nil
	}
	p := h.phaser

	if err := p.st.Certifications().Save(ctx, c); err != nil {
		return ph, err
	}
	if err := p.st.Commit(ctx); err != nil {
		return ph, err
	}

	if p.auto != nil && c.Definition != nil && c.Definition.ShowRecommendations {
		if err := p.auto.AutoDecide(ctx, c); err != nil {
			return ph, err
		}
		reattached, err := p.st.Certifications().Reattach(ctx, c)
		if err != nil {
			return ph, err
		}
		c = reattached
	}
	return c, nil
}
