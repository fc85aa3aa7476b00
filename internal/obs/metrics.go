package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counters for the batch sweeps. Hosts read the per-run numbers off the
// sweep results; these give the long-running aggregate view.
var (
	CertificationsPhased = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "certifications_phased_total",
		Help: "Certifications transitioned to a new phase.",
	})

	CertificationItemsPhased = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "certification_items_phased_total",
		Help: "Certification items transitioned to a new phase (rolling phases).",
	})

	CertificationsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "certifications_closed_total",
		Help: "Certifications closed by the auto-close sweep.",
	})

	CertificationItemsDecided = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "certification_items_decided_total",
		Help: "Certification item decisions applied.",
	})

	RemediationsKickedOff = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remediations_kicked_off_total",
		Help: "Remediation requests launched.",
	})

	MitigationsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mitigations_expired_total",
		Help: "Mitigation records retired by the expiry sweep.",
	})

	LockContentionSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_lock_skips_total",
			Help: "Identity updates skipped because the lock could not be acquired.",
		},
		[]string{"component"},
	)
)

// Init registers the sweep metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		CertificationsPhased,
		CertificationItemsPhased,
		CertificationsClosed,
		CertificationItemsDecided,
		RemediationsKickedOff,
		MitigationsExpired,
		LockContentionSkips,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
