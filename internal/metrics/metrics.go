// Package metrics registers the Prometheus collectors shared by the
// pipeline stages. The API server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesIngested counts frames captured and enqueued, per camera.
	FramesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "frames_ingested_total",
		Help:      "Frames captured and enqueued by the ingestion worker.",
	}, []string{"camera"})

	// FramesDropped counts frames lost to full queues or decode errors.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped before classification, by reason.",
	}, []string{"reason"})

	// DetectionsEmitted counts detection bundles pushed downstream.
	DetectionsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "detections_total",
		Help:      "Detections that survived motion filtering, by kind.",
	}, []string{"kind"})

	// EventsWritten counts committed event rows.
	EventsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "events_written_total",
		Help:      "Event rows committed to the database, by kind.",
	}, []string{"kind"})

	// NotificationsSent counts successful deliveries.
	NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "notifications_sent_total",
		Help:      "Notifications delivered to the channel.",
	})

	// NotificationsSkipped counts debounced, disabled and failed attempts.
	NotificationsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "notifications_skipped_total",
		Help:      "Notifications not delivered, by reason.",
	}, []string{"reason"})

	// QueueDepth tracks the current fill of each pipeline queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vigil",
		Name:      "queue_depth",
		Help:      "Current number of jobs in each pipeline queue.",
	}, []string{"queue"})

	// WorkerRestarts counts supervisor restarts per worker.
	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "worker_restarts_total",
		Help:      "Workers restarted by the supervisor.",
	}, []string{"worker"})

	// InferenceSeconds observes classifier latency.
	InferenceSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vigil",
		Name:      "inference_seconds",
		Help:      "Classifier inference latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	})
)
