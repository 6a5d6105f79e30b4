package keys

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/TheMichaelB/cryptodo/internal/models"
)

// Metrics are the key service's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	provisions *prometheus.CounterVec
	derivation *prometheus.HistogramVec
	rotations  *prometheus.CounterVec
	stale      prometheus.Counter
}

// NewMetrics creates and registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cryptodo",
			Subsystem: "keys",
			Name:      "provision_total",
			Help:      "Key provisioning calls by outcome.",
		}, []string{"result"}),
		derivation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cryptodo",
			Subsystem: "keys",
			Name:      "derive_seconds",
			Help:      "Time spent deriving a DEK.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"kdf"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cryptodo",
			Subsystem: "keys",
			Name:      "rotation_total",
			Help:      "Key rotation phase transitions.",
		}, []string{"phase"}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cryptodo",
			Subsystem: "keys",
			Name:      "stale_write_total",
			Help:      "Record writes refused for sealing under a generation other than the write generation.",
		}),
	}

	for _, c := range []prometheus.Collector{m.provisions, m.derivation, m.rotations, m.stale} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) provisioned(result string) {
	if m == nil {
		return
	}
	m.provisions.WithLabelValues(result).Inc()
}

func (m *Metrics) derived(version models.KDFVersion, d time.Duration) {
	if m == nil {
		return
	}
	m.derivation.WithLabelValues(version.String()).Observe(d.Seconds())
}

func (m *Metrics) rotation(phase string) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(phase).Inc()
}

func (m *Metrics) staleWrite() {
	if m == nil {
		return
	}
	m.stale.Inc()
}
