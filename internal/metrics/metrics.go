// Package metrics exposes claim-engine counters to Prometheus. A nil
// *Metrics is valid and records nothing, so tests and embedders that do not
// scrape can pass nil everywhere.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nostrcraft"

type Metrics struct {
	Hashes         prometheus.Counter
	Searches       *prometheus.CounterVec
	Offers         *prometheus.CounterVec
	IngestDropped  *prometheus.CounterVec
	Published      *prometheus.CounterVec
	TableClaims    prometheus.Gauge
	ActiveSearches prometheus.Gauge
}

// New builds the collectors and registers them with reg (if non-nil).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mining",
			Name:      "hashes_total",
			Help:      "Fingerprints evaluated by search workers.",
		}),
		Searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mining",
			Name:      "searches_total",
			Help:      "Searches by terminal state.",
		}, []string{"state"}),
		Offers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claims",
			Name:      "offers_total",
			Help:      "Claim table offers by origin and outcome.",
		}, []string{"origin", "outcome"}),
		IngestDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "ingest_dropped_total",
			Help:      "Inbound relay records dropped before reaching the table.",
		}, []string{"reason"}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "published_total",
			Help:      "Local claims handed to the relay transport.",
		}, []string{"result"}),
		TableClaims: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "claims",
			Name:      "table_entries",
			Help:      "Addresses with a winning claim.",
		}),
		ActiveSearches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mining",
			Name:      "active_searches",
			Help:      "Searches currently running.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Hashes, m.Searches, m.Offers, m.IngestDropped, m.Published, m.TableClaims, m.ActiveSearches)
	}
	return m
}

func (m *Metrics) AddHashes(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.Hashes.Add(float64(n))
}

func (m *Metrics) SearchStarted() {
	if m == nil {
		return
	}
	m.ActiveSearches.Inc()
}

// SearchEnded records a terminal state ("found" or "cancelled").
func (m *Metrics) SearchEnded(state string) {
	if m == nil {
		return
	}
	m.ActiveSearches.Dec()
	m.Searches.WithLabelValues(state).Inc()
}

func (m *Metrics) Offer(origin, outcome string, tableLen int) {
	if m == nil {
		return
	}
	m.Offers.WithLabelValues(origin, outcome).Inc()
	m.TableClaims.Set(float64(tableLen))
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.IngestDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Publish(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.Published.WithLabelValues(result).Inc()
}
