package nvwal

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the instance's prometheus collectors. Registerer may be nil,
// in which case the collectors are created but never exposed anywhere.
type metrics struct {
	durableEpoch prometheus.Gauge
	stableEpoch  prometheus.Gauge
	nextEpoch    prometheus.Gauge

	bytesFlushed prometheus.Counter
	bytesSynced  prometheus.Counter

	fsyncLatency prometheus.Histogram

	segmentRecycleWaits prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		durableEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvwal", Name: "durable_epoch", Help: "Last epoch durably persisted in the control file.",
		}),
		stableEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvwal", Name: "stable_epoch", Help: "Last epoch the caller has marked stable.",
		}),
		nextEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvwal", Name: "next_epoch", Help: "The epoch writers are currently allowed to submit into.",
		}),
		bytesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvwal", Name: "bytes_flushed_total", Help: "Bytes copied from writer buffers into NV segments.",
		}),
		bytesSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvwal", Name: "bytes_synced_total", Help: "Bytes copied from NV segments to disk segments.",
		}),
		fsyncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nvwal", Name: "fsync_latency_seconds", Help: "Latency of one segment's disk fsync.",
			Buckets: prometheus.DefBuckets,
		}),
		segmentRecycleWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvwal", Name: "segment_recycle_waits_total", Help: "Times the flusher blocked waiting for a pinned or unsynced segment to free up.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.durableEpoch, m.stableEpoch, m.nextEpoch,
			m.bytesFlushed, m.bytesSynced, m.fsyncLatency, m.segmentRecycleWaits,
		)
	}
	return m
}
