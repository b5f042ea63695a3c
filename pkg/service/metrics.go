package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsonrelay_jobs_total",
			Help: "Background translation jobs by status transition",
		},
		[]string{"status"},
	)

	jobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jsonrelay_jobs_in_flight",
			Help: "Background translation jobs currently running",
		},
	)

	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsonrelay_grpc_requests_total",
			Help: "gRPC requests by method and status code",
		},
		[]string{"method", "code"},
	)
)
