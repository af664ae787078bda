// Package metrics registers the pipeline's Prometheus instrumentation,
// grounded in dmzoneill-ollama-proxy's pkg/metrics use of promauto: frame
// throughput, backpressure/pause state, and dequeue latency per BufferList.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesDequeued counts successful source-list dequeues, labeled by
	// list name (spec §4.2 dequeue's frames counter, surfaced externally).
	FramesDequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camerapipe_frames_dequeued_total",
		Help: "Total buffers successfully dequeued from a BufferList.",
	}, []string{"list"})

	// FramesEnqueued counts successful sink enqueues.
	FramesEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camerapipe_frames_enqueued_total",
		Help: "Total buffers successfully enqueued into a sink BufferList.",
	}, []string{"list"})

	// EnqueueBlocked counts enqueue calls that found no free slot (spec §8
	// boundary behavior: "enqueue when all sink slots are full").
	EnqueueBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camerapipe_enqueue_blocked_total",
		Help: "Total enqueue attempts that found no free slot.",
	}, []string{"list"})

	// EnqueueFormatErrors counts mmap-mode capacity overflows (spec §7
	// CapacityExceeded).
	EnqueueFormatErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camerapipe_enqueue_format_errors_total",
		Help: "Total enqueue attempts rejected for exceeding sink capacity.",
	}, []string{"list"})

	// DevicePaused reports the current pause state of a device (spec §4.5
	// step c, backpressure).
	DevicePaused = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "camerapipe_device_paused",
		Help: "1 if the device is currently paused, 0 otherwise.",
	}, []string{"device"})

	// DequeueLatency measures the time between a source list's previous
	// dequeue and its current one, on the list's pacing clock — the pacing
	// gate's actual cadence.
	DequeueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "camerapipe_dequeue_interval_seconds",
		Help:    "Observed interval between consecutive source dequeues.",
		Buckets: prometheus.DefBuckets,
	}, []string{"list"})

	// KernelIOErrors counts ioctl failures surfaced to the scheduler (spec
	// §7 KernelIO).
	KernelIOErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camerapipe_kernel_io_errors_total",
		Help: "Total kernel ioctl failures observed by the scheduler.",
	}, []string{"list", "op"})
)
