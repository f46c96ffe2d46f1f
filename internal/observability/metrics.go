package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "shuttle_dispatch", Name: "matches_total", Help: "Requests matched to a vehicle"})
	ScanDuration   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "shuttle_dispatch", Name: "scan_duration_seconds", Help: "Dispatch scan pass latency", Buckets: prometheus.DefBuckets})
	ZombieRequests = promauto.NewCounter(prometheus.CounterOpts{Namespace: "shuttle_dispatch", Name: "zombie_requests_total", Help: "Requests flagged for operator cleanup"})
	Rebroadcasts   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "shuttle_dispatch", Name: "rebroadcasts_total", Help: "Match notifications re-sent by the ack sweep"})
	RidersBanned   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "shuttle_dispatch", Name: "riders_banned_total", Help: "Riders banned by the conduct enforcer"})
	OptimizerFails = promauto.NewCounter(prometheus.CounterOpts{Namespace: "shuttle_dispatch", Name: "optimizer_degraded_total", Help: "Delegated optimizer calls that fell back to the local heuristic"})
	VehiclesOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "shuttle_dispatch", Name: "vehicles_online", Help: "Vehicles reporting online"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "shuttle_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shuttle_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
