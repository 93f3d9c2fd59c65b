// Package metrics exposes Prometheus instruments for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ForwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rwkv_forward_total",
		Help: "Forward calls by path (one or seq) and outcome",
	}, []string{"mode", "outcome"})

	ForwardTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rwkv_forward_tokens_total",
		Help: "Tokens consumed by forward calls",
	})

	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rwkv_forward_duration_seconds",
		Help:    "Wall time of forward calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	StagedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rwkv_staged_bytes_total",
		Help: "Bytes copied to compute devices for streamed layers",
	}, []string{"device"})

	StagingPoolBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rwkv_staging_pool_bytes",
		Help: "Bytes held by idle staging buffers",
	}, []string{"device"})

	StagingWait = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "rwkv_staging_wait_seconds",
		Help: "Time a layer waited for its streamed weights",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rwkv_sessions_active",
		Help: "Open API sessions",
	})
)
