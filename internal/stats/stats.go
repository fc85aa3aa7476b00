package stats

import (
	"certeon.org/internal/cert"
)

// Refresh recomputes the certification's statistics snapshot from its entity
// and item states. Call after each mutation batch.
func Refresh(c *cert.Certification) {
	s := cert.Statistics{
		// Remediation counters accumulate across refreshes; preserve them.
		RemediationsKickedOff: c.Statistics.RemediationsKickedOff,
		RemediationsCompleted: c.Statistics.RemediationsCompleted,
	}
	for _, e := range c.Entities {
		s.TotalEntities++
		complete := len(e.Items) > 0
		for _, i := range e.Items {
			s.TotalItems++
			switch {
			case i.Delegated():
				s.DelegatedItems++
				complete = false
			case i.Decided():
				s.CompletedItems++
			default:
				s.OpenItems++
				complete = false
			}
		}
		if complete {
			s.CompletedEntities++
			e.Summary = cert.SummaryComplete
		}
	}
	c.Statistics = s
}

// PercentComplete returns the item completion percentage, 0-100.
func PercentComplete(c *cert.Certification) int {
	if c.Statistics.TotalItems == 0 {
		return 100
	}
	return 100 * c.Statistics.CompletedItems / c.Statistics.TotalItems
}
