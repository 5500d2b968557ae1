package perf

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/superfly/blockplan"
)

// Metrics holds the Prometheus collectors for the engine.
type Metrics struct {
	CommitsTotal   *prometheus.CounterVec
	CommitDuration prometheus.Histogram
	CommitRetries  prometheus.Counter
	ActionsTotal   *prometheus.CounterVec
	PendingActions prometheus.Gauge
	DevicesInTree  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer for the process-global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockplan",
			Name:      "commits_total",
			Help:      "Commit runs by result.",
		}, []string{"result"}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blockplan",
			Name:      "commit_duration_seconds",
			Help:      "Wall time of commit runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		CommitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockplan",
			Name:      "commit_retries_total",
			Help:      "Teardown-and-retry recoveries performed during commits.",
		}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockplan",
			Name:      "actions_total",
			Help:      "Executed actions by result.",
		}, []string{"result"}),
		PendingActions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockplan",
			Name:      "pending_actions",
			Help:      "Actions currently staged and not yet committed.",
		}),
		DevicesInTree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockplan",
			Name:      "devices",
			Help:      "Devices in the in-memory tree.",
		}),
	}
	reg.MustRegister(
		m.CommitsTotal, m.CommitDuration, m.CommitRetries,
		m.ActionsTotal, m.PendingActions, m.DevicesInTree,
	)
	return m
}

// ObserveBus wires the metrics to a session's event bus. The returned
// function removes the subscription.
func (m *Metrics) ObserveBus(bus *blockplan.Bus) func() {
	return bus.Subscribe(func(e blockplan.Event) {
		switch ev := e.(type) {
		case blockplan.DeviceAdded:
			m.DevicesInTree.Inc()
		case blockplan.DeviceRemoved:
			m.DevicesInTree.Dec()
		case blockplan.ActionAdded:
			m.PendingActions.Inc()
		case blockplan.ActionRemoved:
			m.PendingActions.Dec()
		case blockplan.ActionExecuted:
			m.PendingActions.Dec()
			if ev.Error == "" {
				m.ActionsTotal.WithLabelValues("ok").Inc()
			} else {
				m.ActionsTotal.WithLabelValues("error").Inc()
			}
		}
	})
}

// ObserveReport records the outcome of a finished commit run.
func (m *Metrics) ObserveReport(report *blockplan.CommitReport) {
	result := "ok"
	if !report.OK {
		result = "error"
	}
	m.CommitsTotal.WithLabelValues(result).Inc()
	m.CommitDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	m.CommitRetries.Add(float64(report.Retries))
}
