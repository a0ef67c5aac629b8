package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_kernel_launches_total",
		Help: "Total number of kernel launches",
	}, []string{"kernel", "variant"})

	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "longbow_kernel_duration_seconds",
		Help:    "Wall time of successful kernel launches",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 12),
	}, []string{"kernel", "variant"})

	kernelGflops = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "longbow_kernel_gflops",
		Help: "Throughput of the most recent launch in GFLOP/s",
	}, []string{"kernel", "variant"})

	kernelFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_kernel_faults_total",
		Help: "Launches that reported a fault after completion",
	}, []string{"kernel"})

	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "longbow_buffer_pool_hits_total",
		Help: "Total number of successful buffer pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "longbow_buffer_pool_misses_total",
		Help: "Total number of buffer pool misses (allocations)",
	})
)
