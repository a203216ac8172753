// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "calls",
			Name:      "total",
			Help:      "Calls sent to the core by module, function, mode and result.",
		},
		[]string{"module", "function", "mode", "result"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "calls",
			Name:      "duration_seconds",
			Help:      "Round trip time of calls to the core.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"module", "mode"},
	)
	duplexesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "duplex",
			Name:      "active",
			Help:      "Duplexes registered and not yet closed.",
		},
	)
	streamChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "duplex",
			Name:      "chunks_total",
			Help:      "Pushed stream chunks by routing result.",
		},
		[]string{"result"},
	)
)

// RegisterMetrics registers the bridge collectors with the default registry.
// Safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(callsTotal, callDuration, duplexesActive, streamChunks)
	})
}

// Collectors returns the bridge collectors for callers using their own registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{callsTotal, callDuration, duplexesActive, streamChunks}
}

func recordCall(module, function uint8, sync bool, result string, d time.Duration) {
	mode := "async"
	if sync {
		mode = "sync"
	}
	m := strconv.Itoa(int(module))
	callsTotal.WithLabelValues(m, strconv.Itoa(int(function)), mode, result).Inc()
	callDuration.WithLabelValues(m, mode).Observe(d.Seconds())
}

func recordChunk(result string) {
	streamChunks.WithLabelValues(result).Inc()
}
