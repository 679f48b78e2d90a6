// Package metrics exposes Prometheus collectors for halo fills:
//
//   - haloremap_fills_total: fills completed by Finish, by operation
//   - haloremap_fill_duration_seconds: Post to Finish latency, by operation
//   - haloremap_bytes_sent_total / haloremap_bytes_received_total: transfer volume
//   - haloremap_local_copy_cells_total: cells moved without leaving the rank, by strategy
//   - haloremap_handles_outstanding: posted handles not yet finished
//   - haloremap_arena_bytes_in_use: transfer buffer footprint, by memory kind
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"time"
)

var (
	// FillsTotal counts fills that reached the end of Finish, by operation
	FillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haloremap_fills_total",
			Help: "Total number of completed non-local ghost fills",
		},
		[]string{"op"},
	)

	// FillDuration tracks the time from Post to the end of Finish
	FillDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "haloremap_fill_duration_seconds",
			Help:    "Fill duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		},
		[]string{"op"},
	)

	BytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "haloremap_bytes_sent_total",
			Help: "Total bytes packed and sent to peer ranks",
		},
	)

	BytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "haloremap_bytes_received_total",
			Help: "Total bytes received from peer ranks",
		},
	)

	// LocalCopyCells counts cells copied rank-locally per strategy
	LocalCopyCells = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haloremap_local_copy_cells_total",
			Help: "Total cells copied without communication",
		},
		[]string{"strategy"},
	)

	HandlesOutstanding = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "haloremap_handles_outstanding",
			Help: "Posted transfer handles not yet finished",
		},
	)

	// ArenaBytesInUse tracks buffer bytes handed out per memory kind
	ArenaBytesInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "haloremap_arena_bytes_in_use",
			Help: "Transfer buffer bytes currently allocated",
		},
		[]string{"kind"},
	)
)

// RecordFill records a completed fill and its duration
func RecordFill(op string, duration time.Duration) {
	FillsTotal.WithLabelValues(op).Inc()
	FillDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// AddBytesSent adds to bytes sent counter
func AddBytesSent(bytes int) {
	BytesSent.Add(float64(bytes))
}

// AddBytesReceived adds to bytes received counter
func AddBytesReceived(bytes int) {
	BytesReceived.Add(float64(bytes))
}

func AddLocalCopyCells(strategy string, cells int) {
	LocalCopyCells.WithLabelValues(strategy).Add(float64(cells))
}
