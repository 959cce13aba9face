package shutdown

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	shutdownDurationGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdmapool_shutdown_duration_seconds",
		Help: "Total duration of the shutdown sequence in seconds.",
	})

	shutdownPhaseGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rdmapool_shutdown_phase",
		Help: "Current shutdown phase (1 = active, 0 = inactive).",
	}, []string{"phase"})

	inFlightRequestsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdmapool_shutdown_in_flight_requests",
		Help: "Number of in-flight admin requests during shutdown.",
	})

	shutdownErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdmapool_shutdown_errors_total",
		Help: "Total number of errors encountered during shutdown.",
	})

	shutdownStartTimeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdmapool_shutdown_start_timestamp_seconds",
		Help: "Unix timestamp when shutdown started.",
	})
)

var allPhases = []Phase{
	PhaseNone,
	PhaseDraining,
	PhaseListener,
	PhasePool,
	PhaseComplete,
	PhaseForcedShutdown,
}

func setShutdownDuration(d time.Duration) {
	shutdownDurationGauge.Set(d.Seconds())
}

func setShutdownPhase(phase Phase) {
	for _, p := range allPhases {
		shutdownPhaseGauge.WithLabelValues(string(p)).Set(0)
	}
	shutdownPhaseGauge.WithLabelValues(string(phase)).Set(1)
}

func setInFlightRequests(count int64) {
	inFlightRequestsGauge.Set(float64(count))
}

func incrementShutdownErrors() {
	shutdownErrorsCounter.Inc()
}

func setShutdownStartTime(t time.Time) {
	shutdownStartTimeGauge.Set(float64(t.Unix()))
}
