package mssqlpool

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects pool instrumentation counters, each as a plain
// prometheus.Counter/Gauge so a caller can register them on their own
// registry (or ignore them and read Snapshot() instead).
type Metrics struct {
	ConnectionsCreated         prometheus.Counter
	ConnectionsClosed          prometheus.Counter
	ConnectionsFailed          prometheus.Counter
	CheckoutsSucceeded         prometheus.Counter
	CheckoutsFailed            prometheus.Counter
	HealthChecksPerformed      prometheus.Counter
	HealthChecksFailed         prometheus.Counter
	ResetsPerformed            prometheus.Counter
	ResetsFailed               prometheus.Counter
	ConnectionsIdleExpired     prometheus.Counter
	ConnectionsLifetimeExpired prometheus.Counter
	ReaperRuns                 prometheus.Counter
	WaitQueueDepth             prometheus.Gauge
	AcquisitionTime            prometheus.Counter // cumulative nanoseconds, for averaging
}

// NewMetrics constructs an unregistered set of collectors, namespaced
// "mssql_pool", mirroring the pack's joaobrasildev pool+metrics split
// (DESIGN.md).
func NewMetrics() *Metrics {
	mk := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: "mssql_pool", Name: name, Help: help})
	}
	return &Metrics{
		ConnectionsCreated:         mk("connections_created_total", "connections opened"),
		ConnectionsClosed:          mk("connections_closed_total", "connections closed"),
		ConnectionsFailed:          mk("connections_failed_total", "connection attempts that failed"),
		CheckoutsSucceeded:         mk("checkouts_succeeded_total", "successful checkouts"),
		CheckoutsFailed:            mk("checkouts_failed_total", "failed checkouts (timeout or dial error)"),
		HealthChecksPerformed:      mk("health_checks_total", "health checks performed"),
		HealthChecksFailed:         mk("health_checks_failed_total", "health checks that failed"),
		ResetsPerformed:            mk("resets_performed_total", "sp_reset_connection piggy-backs scheduled"),
		ResetsFailed:               mk("resets_failed_total", "resets that failed"),
		ConnectionsIdleExpired:     mk("connections_idle_expired_total", "connections reaped for idle timeout"),
		ConnectionsLifetimeExpired: mk("connections_lifetime_expired_total", "connections reaped for max lifetime"),
		ReaperRuns:                 mk("reaper_runs_total", "reaper wakeups"),
		WaitQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mssql_pool", Name: "wait_queue_depth", Help: "callers currently waiting for a permit",
		}),
		AcquisitionTime: mk("acquisition_time_nanoseconds_total", "cumulative checkout acquisition time"),
	}
}

// Collectors returns every metric as a prometheus.Collector, for bulk
// registration: `for _, c := range m.Collectors() { registry.MustRegister(c) }`.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectionsCreated, m.ConnectionsClosed, m.ConnectionsFailed,
		m.CheckoutsSucceeded, m.CheckoutsFailed,
		m.HealthChecksPerformed, m.HealthChecksFailed,
		m.ResetsPerformed, m.ResetsFailed,
		m.ConnectionsIdleExpired, m.ConnectionsLifetimeExpired,
		m.ReaperRuns, m.WaitQueueDepth, m.AcquisitionTime,
	}
}

// Snapshot is a read-only point-in-time view for callers without a
// Prometheus registry, including derived values.
type Snapshot struct {
	ConnectionsCreated         float64
	ConnectionsClosed          float64
	CheckoutsSucceeded         float64
	CheckoutsFailed            float64
	HealthChecksPerformed      float64
	HealthChecksFailed         float64
	ConnectionsIdleExpired     float64
	ConnectionsLifetimeExpired float64
	ReaperRuns                 float64

	// CheckoutHitRatio is CheckoutsSucceeded / (CheckoutsSucceeded + CheckoutsFailed).
	CheckoutHitRatio float64
	// AvgAcquisitionTimeNanos is AcquisitionTime / CheckoutsSucceeded.
	AvgAcquisitionTimeNanos float64
}

func (m *Metrics) Snapshot() Snapshot {
	created := counterValue(m.ConnectionsCreated)
	closed := counterValue(m.ConnectionsClosed)
	succeeded := counterValue(m.CheckoutsSucceeded)
	failed := counterValue(m.CheckoutsFailed)
	acqTime := counterValue(m.AcquisitionTime)

	s := Snapshot{
		ConnectionsCreated:         created,
		ConnectionsClosed:          closed,
		CheckoutsSucceeded:         succeeded,
		CheckoutsFailed:            failed,
		HealthChecksPerformed:      counterValue(m.HealthChecksPerformed),
		HealthChecksFailed:         counterValue(m.HealthChecksFailed),
		ConnectionsIdleExpired:     counterValue(m.ConnectionsIdleExpired),
		ConnectionsLifetimeExpired: counterValue(m.ConnectionsLifetimeExpired),
		ReaperRuns:                 counterValue(m.ReaperRuns),
	}
	if total := succeeded + failed; total > 0 {
		s.CheckoutHitRatio = succeeded / total
	}
	if succeeded > 0 {
		s.AvgAcquisitionTimeNanos = acqTime / succeeded
	}
	return s
}

// counterValue extracts a Counter's current value via the standard
// dto.Metric round trip used to expose Prometheus values outside of a
// registry scrape.
func counterValue(c prometheus.Counter) float64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	if pb.Counter == nil {
		return 0
	}
	return pb.Counter.GetValue()
}
