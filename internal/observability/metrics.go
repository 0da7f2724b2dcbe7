package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the connector's Prometheus metrics.
type Metrics struct {
	CyclesTotal     *prometheus.CounterVec
	CycleDuration   *prometheus.HistogramVec
	RecordsTotal    *prometheus.CounterVec
	DeliveryErrors  *prometheus.CounterVec
	CommitErrors    *prometheus.CounterVec
	LastSuccess     *prometheus.GaugeVec
	CommittedWindow *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mixbridge_cycles_total",
			Help: "Poll cycles run, by outcome.",
		}, []string{"connector", "status"}),

		CycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mixbridge_cycle_duration_seconds",
			Help:    "Time spent fetching and draining one export window.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}, []string{"connector"}),

		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mixbridge_records_total",
			Help: "Event records delivered to Kafka.",
		}, []string{"connector", "topic"}),

		DeliveryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mixbridge_delivery_errors_total",
			Help: "Batches that failed to reach Kafka.",
		}, []string{"connector"}),

		CommitErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mixbridge_checkpoint_commit_errors_total",
			Help: "Checkpoint commits that failed after a delivered batch.",
		}, []string{"connector"}),

		LastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mixbridge_last_success_timestamp_seconds",
			Help: "Unix time of the last cycle whose batch was delivered and committed.",
		}, []string{"connector"}),

		CommittedWindow: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mixbridge_committed_position_timestamp_seconds",
			Help: "Committed checkpoint position (to_date) as a unix timestamp.",
		}, []string{"connector"}),
	}
}
