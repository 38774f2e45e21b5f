// SPDX-License-Identifier: MIT

// Package metrics exposes prometheus instrumentation for the submission pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Capture metrics
	recordingChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxpipe_recording_chunks_total",
		Help: "Total number of audio chunks materialized by capture sessions",
	})

	recordingBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxpipe_recording_bytes_total",
		Help: "Total bytes of audio captured",
	})

	recordingEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxpipe_recording_evictions_total",
		Help: "Delivered chunks evicted from in-memory storage under pressure",
	})

	recordingForceStopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxpipe_recording_force_stops_total",
		Help: "Recordings force-stopped by the watchdog, by limit",
	}, []string{"limit"}) // limit=duration|size

	// Memory pressure
	memoryPressureLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxpipe_memory_pressure_level",
		Help: "Current memory pressure classification (0=normal, 1=low, 2=critical)",
	})

	memoryUsagePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxpipe_memory_usage_percent",
		Help: "Estimated memory usage as a percentage of the configured budget",
	})

	// Upload metrics
	uploadSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxpipe_upload_sessions_total",
		Help: "Upload sessions by terminal outcome",
	}, []string{"outcome"}) // outcome=success|failure|cancelled

	chunkUploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxpipe_chunk_uploads_total",
		Help: "Chunk upload attempts by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	uploadRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxpipe_upload_retries_total",
		Help: "Total per-chunk upload retries",
	})

	chunkUploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voxpipe_chunk_upload_duration_seconds",
		Help:    "Duration of individual chunk uploads",
		Buckets: prometheus.DefBuckets,
	})

	uploadErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxpipe_upload_errors_total",
		Help: "Classified upload errors by type",
	}, []string{"type"})

	// Probe breaker
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voxpipe_breaker_state",
		Help: "Circuit breaker state by name (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	breakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxpipe_breaker_trips_total",
		Help: "Circuit breaker transitions to open, by trigger",
	}, []string{"name", "reason"}) // reason=threshold_exceeded|half_open_failure

	// Job polling metrics
	jobPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxpipe_job_polls_total",
		Help: "Job status polls by reported status",
	}, []string{"status"}) // status=pending|processing|completed|failed|error

	jobOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxpipe_job_outcomes_total",
		Help: "Tracked jobs by terminal outcome",
	}, []string{"outcome"}) // outcome=completed|failed|timeout
)

// RecordChunkCaptured records one materialized capture chunk of the given size.
func RecordChunkCaptured(bytes int) {
	recordingChunksTotal.Inc()
	recordingBytesTotal.Add(float64(bytes))
}

// RecordChunkEvicted records eviction of an already-delivered chunk.
func RecordChunkEvicted() {
	recordingEvictionsTotal.Inc()
}

// RecordForceStop records a watchdog force-stop, limit is "duration" or "size".
func RecordForceStop(limit string) {
	recordingForceStopsTotal.WithLabelValues(limit).Inc()
}

// SetMemoryPressure exports the current pressure classification and usage.
func SetMemoryPressure(severity int, percent float64) {
	memoryPressureLevel.Set(float64(severity))
	memoryUsagePercent.Set(percent)
}

// RecordUploadSession records a terminal upload session outcome.
func RecordUploadSession(outcome string) {
	uploadSessionsTotal.WithLabelValues(outcome).Inc()
}

// RecordChunkUpload records one chunk upload attempt.
func RecordChunkUpload(outcome string, seconds float64) {
	chunkUploadsTotal.WithLabelValues(outcome).Inc()
	chunkUploadDuration.Observe(seconds)
}

// RecordUploadRetry records a per-chunk retry.
func RecordUploadRetry() {
	uploadRetriesTotal.Inc()
}

// RecordUploadError records a classified upload error by taxonomy type.
func RecordUploadError(errType string) {
	uploadErrorsTotal.WithLabelValues(errType).Inc()
}

// SetCircuitBreakerState exports the breaker's current state as a number:
// 0 closed, 1 half-open, 2 open.
func SetCircuitBreakerState(name, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	breakerState.WithLabelValues(name).Set(v)
}

// RecordCircuitBreakerTrip counts a transition to the open state.
func RecordCircuitBreakerTrip(name, reason string) {
	breakerTripsTotal.WithLabelValues(name, reason).Inc()
}

// RecordJobPoll records one poll and the status it reported ("error" for
// polls that failed validation or transport).
func RecordJobPoll(status string) {
	jobPollsTotal.WithLabelValues(status).Inc()
}

// RecordJobOutcome records the terminal outcome of a tracked job.
func RecordJobOutcome(outcome string) {
	jobOutcomesTotal.WithLabelValues(outcome).Inc()
}
