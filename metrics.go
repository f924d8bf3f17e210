package instill

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics is the node's fire-and-forget telemetry. report() publishes the
// position markers as-is; counters are bumped at the event sites.
type metrics struct {
	term             prometheus.Gauge
	lastAppliedIndex prometheus.Gauge
	committedIndex   prometheus.Gauge
	leaderChanges    prometheus.Counter
	snapshotInstalls prometheus.Counter
	snapshotRejects  prometheus.Counter
	snapshotBytes    prometheus.Counter
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		term: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "instill",
			Name:      "term",
			Help:      "Current term of the node",
		}),
		lastAppliedIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "instill",
			Name:      "last_applied_index",
			Help:      "Index of the last log entry reflected in the state machine",
		}),
		committedIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "instill",
			Name:      "committed_index",
			Help:      "Index of the last committed log entry",
		}),
		leaderChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "instill",
			Name:      "leader_changes_total",
			Help:      "Number of observed leadership changes",
		}),
		snapshotInstalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "instill",
			Name:      "snapshot_installs_total",
			Help:      "Number of snapshots installed into the state machine",
		}),
		snapshotRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "instill",
			Name:      "snapshot_rejects_total",
			Help:      "Number of snapshot chunks rejected with a segment mismatch",
		}),
		snapshotBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "instill",
			Name:      "snapshot_received_bytes_total",
			Help:      "Total snapshot bytes received from leaders",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.term, m.lastAppliedIndex, m.committedIndex,
			m.leaderChanges, m.snapshotInstalls, m.snapshotRejects, m.snapshotBytes)
	}
	return m
}

func (m *metrics) report(term uint64, lastApplied, committed *LogId) {
	m.term.Set(float64(term))
	if lastApplied != nil {
		m.lastAppliedIndex.Set(float64(lastApplied.Index))
	}
	if committed != nil {
		m.committedIndex.Set(float64(committed.Index))
	}
}
