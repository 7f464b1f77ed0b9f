package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outflow_admissions_total",
			Help: "Total admission evaluations by outcome and throttling state",
		},
		[]string{"outcome", "state"},
	)

	EscalationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outflow_throttle_escalations_total",
			Help: "Total one-shot throttling state escalations",
		},
	)

	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outflow_dispatch_total",
			Help: "Total dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outflow_dispatch_retries_total",
			Help: "Total dispatch retries scheduled",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outflow_queue_depth",
			Help: "Jobs currently waiting in the dispatch ring",
		},
	)

	DispatchLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outflow_dispatch_latency_ms",
			Help:    "Latency of platform sink calls in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"operation"},
	)

	SignatureFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outflow_signature_failures_total",
			Help: "Total rejected internal calls with invalid signatures",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		AdmissionsTotal,
		EscalationsTotal,
		DispatchTotal,
		RetriesTotal,
		QueueDepth,
		DispatchLatencyMs,
		SignatureFailuresTotal,
	)
}
