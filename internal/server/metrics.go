package server

import "github.com/prometheus/client_golang/prometheus"

// SyncMetrics counts sync ingest traffic. Record methods are safe on a nil
// receiver.
type SyncMetrics struct {
	batches   prometheus.Counter
	envelopes prometheus.Counter
	dedupHits prometheus.Counter
	rejected  prometheus.Counter
}

// NewSyncMetrics registers the ingest collectors. A nil registerer falls back
// to the default registry.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &SyncMetrics{
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionwire_sync_batches_total",
			Help: "Sync batches accepted by the ingest endpoint.",
		}),
		envelopes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionwire_sync_envelopes_total",
			Help: "Envelopes stored by the ingest endpoint.",
		}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionwire_sync_dedup_hits_total",
			Help: "Envelopes skipped because the (session, event) pair was already stored.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionwire_sync_envelopes_rejected_total",
			Help: "Envelopes rejected by validation or sender checks.",
		}),
	}
	reg.MustRegister(m.batches, m.envelopes, m.dedupHits, m.rejected)
	return m
}

func (m *SyncMetrics) recordBatch() {
	if m == nil {
		return
	}
	m.batches.Inc()
}

func (m *SyncMetrics) recordStored(inserted bool) {
	if m == nil {
		return
	}
	m.envelopes.Inc()
	if !inserted {
		m.dedupHits.Inc()
	}
}

func (m *SyncMetrics) recordRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}
