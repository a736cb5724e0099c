package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	storageDegradedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reminders",
		Subsystem: "store",
		Name:      "degraded",
		Help:      "1 when the schedule store fell back to in-memory operation for this session.",
	})
	nextFireGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reminders",
		Subsystem: "engine",
		Name:      "next_fire_timestamp_seconds",
		Help:      "Unix timestamp of the next scheduled fire per channel, 0 when idle.",
	}, []string{"channel"})
	firesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reminders",
		Subsystem: "dispatcher",
		Name:      "deliveries_total",
		Help:      "Reminder delivery attempts grouped by channel, backend and outcome.",
	}, []string{"channel", "backend", "result"})
	batchSizeHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reminders",
		Subsystem: "dispatcher",
		Name:      "scheduled_batch_size",
		Help:      "Number of notifications pre-scheduled with the OS scheduler per arm.",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
	}, []string{"channel"})
	capacityCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reminders",
		Subsystem: "dispatcher",
		Name:      "capacity_exceeded_total",
		Help:      "Batches truncated at the OS scheduler cap.",
	}, []string{"channel"})
	milestoneCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reminders",
		Subsystem: "stopwatch",
		Name:      "milestones_fired_total",
		Help:      "Stopwatch milestones fired, labeled by threshold in seconds.",
	}, []string{"threshold"})
	broadcastCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reminders",
		Subsystem: "coordinator",
		Name:      "events_total",
		Help:      "Cross-context events by direction (sent, received, ignored) and kind.",
	}, []string{"direction", "kind"})
)

func init() {
	prometheus.MustRegister(storageDegradedGauge, nextFireGauge, firesCounter, batchSizeHistogram, capacityCounter, milestoneCounter, broadcastCounter)
}

// SetStorageDegraded flips the degraded gauge.
func SetStorageDegraded(degraded bool) {
	if degraded {
		storageDegradedGauge.Set(1)
		return
	}
	storageDegradedGauge.Set(0)
}

// RecordNextFire updates the next-fire watermark for channel.
func RecordNextFire(channel string, next *time.Time) {
	if next == nil || next.IsZero() {
		nextFireGauge.WithLabelValues(channel).Set(0)
		return
	}
	nextFireGauge.WithLabelValues(channel).Set(float64(next.Unix()))
}

// RecordDelivery counts a delivery attempt.
func RecordDelivery(channel, backend, result string) {
	firesCounter.WithLabelValues(channel, backend, result).Inc()
}

// RecordBatch observes a pre-scheduled batch.
func RecordBatch(channel string, size int, truncated bool) {
	batchSizeHistogram.WithLabelValues(channel).Observe(float64(size))
	if truncated {
		capacityCounter.WithLabelValues(channel).Inc()
	}
}

// RecordMilestone counts a fired stopwatch milestone.
func RecordMilestone(seconds int64) {
	milestoneCounter.WithLabelValues(strconv.FormatInt(seconds, 10)).Inc()
}

// RecordEvent counts a coordinator event.
func RecordEvent(direction, kind string) {
	broadcastCounter.WithLabelValues(direction, kind).Inc()
}
