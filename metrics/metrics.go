package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SpawnRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_spawn_requests_total",
			Help: "Spawn requests received from the intake queue",
		},
		[]string{"result"}, // accepted|rejected
	)

	SpawnTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_spawn_tasks_total",
			Help: "Spawn tasks that reached a terminal state",
		},
		[]string{"status"}, // open|aborted
	)

	SpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_spawn_duration_seconds",
			Help:    "Time from enqueue until a spawn task opens or aborts",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkersRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_workers_registered",
			Help: "Worker hosts currently registered",
		},
	)

	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_admissions_total",
			Help: "Admission grant outcomes",
		},
		[]string{"result"}, // granted|rejected|claimed|expired
	)

	ConnectedPlayers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_connected_players",
			Help: "Players connected to registered instances",
		},
	)
)

func init() {
	prometheus.MustRegister(SpawnRequestsTotal)
	prometheus.MustRegister(SpawnTasksTotal)
	prometheus.MustRegister(SpawnDuration)
	prometheus.MustRegister(WorkersRegistered)
	prometheus.MustRegister(AdmissionsTotal)
	prometheus.MustRegister(ConnectedPlayers)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
