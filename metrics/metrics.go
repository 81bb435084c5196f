package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpubot_commands_total",
			Help: "Total slash commands handled",
		},
		[]string{"action", "result"}, // result: success|format|not_found|conflict|denied|store|telemetry
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpubot_command_duration_seconds",
			Help:    "Duration of command processing",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	GPUsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpubot_gpus_in_use",
			Help: "GPUs currently claimed, as of the last status sweep",
		},
	)

	ExpiredClaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpubot_expired_claims_total",
			Help: "Claims released automatically after their expiry time",
		},
	)

	EventPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpubot_event_publish_failures_total",
			Help: "Allocation events that could not be published",
		},
	)
)

func init() {
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(GPUsInUse)
	prometheus.MustRegister(ExpiredClaimsTotal)
	prometheus.MustRegister(EventPublishFailures)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
