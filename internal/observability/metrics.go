package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_core_active_sessions",
		Help: "Number of active voice sessions",
	})

	sessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_core_sessions_total",
		Help: "Total number of sessions started",
	})

	sessionMinutes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_core_session_minutes_total",
		Help: "Total billable minutes credited to user ledgers",
	})

	ledgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_core_ledger_operations_total",
		Help: "Session ledger operations by outcome",
	}, []string{"operation", "status"})

	reapedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_core_reaped_sessions_total",
		Help: "Stale sessions force-ended by the reaper",
	})

	// Scheduler metrics
	scheduledChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_core_scheduled_chunks_total",
		Help: "Audio chunks scheduled onto the sink",
	})

	droppedChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_core_dropped_chunks_total",
		Help: "Audio chunks dropped before scheduling",
	}, []string{"reason"}) // reason: "queue_full", "decode_error", "disposed"

	keepaliveBuffers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_core_keepalive_buffers_total",
		Help: "Silence buffers emitted to keep the media track live",
	})

	scheduledAudioSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_core_scheduled_audio_seconds_total",
		Help: "Total duration of audio scheduled for playback",
	})

	// Stage health metrics
	stageState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_core_stage_state",
		Help: "Pipeline stage state (0=idle, 1=connecting, 2=connected, 3=error, 4=reconnecting)",
	}, []string{"stage"})

	// Notification metrics
	notifyEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_core_notify_events_total",
		Help: "Best-effort room event publications by outcome",
	}, []string{"status"})

	// Stream gateway metrics
	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_core_active_streams",
		Help: "Number of open media stream connections",
	})

	streamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_core_stream_duration_seconds",
		Help:    "Duration of media stream connections in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600},
	})

	audioBytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_core_audio_bytes_in_total",
		Help: "Total audio bytes received from providers",
	})
)

// RecordSessionStart records the start of a session
func RecordSessionStart() {
	activeSessions.Inc()
	sessionsTotal.Inc()
}

// RecordSessionEnd records the end of a session and its credited minutes
func RecordSessionEnd(minutes int) {
	activeSessions.Dec()
	sessionMinutes.Add(float64(minutes))
}

// RecordLedgerOp records the outcome of a ledger operation
func RecordLedgerOp(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ledgerOps.WithLabelValues(operation, status).Inc()
}

// RecordReapedSession records a session force-ended by the reaper
func RecordReapedSession() {
	reapedSessions.Inc()
}

// RecordChunkScheduled records a chunk scheduled onto the sink
func RecordChunkScheduled(duration time.Duration) {
	scheduledChunks.Inc()
	scheduledAudioSeconds.Add(duration.Seconds())
}

// RecordChunkDropped records a chunk dropped before scheduling
func RecordChunkDropped(reason string) {
	droppedChunks.WithLabelValues(reason).Inc()
}

// RecordKeepalive records a silence buffer emission
func RecordKeepalive() {
	keepaliveBuffers.Inc()
}

// SetStageState updates the state gauge for a pipeline stage
func SetStageState(stage string, state int) {
	stageState.WithLabelValues(stage).Set(float64(state))
}

// RecordNotify records a best-effort event publication outcome
func RecordNotify(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	notifyEvents.WithLabelValues(status).Inc()
}

// StreamMetrics tracks metrics for a single media stream connection
type StreamMetrics struct {
	startTime time.Time
}

// NewStreamMetrics creates a metrics tracker for a stream connection
func NewStreamMetrics() *StreamMetrics {
	activeStreams.Inc()
	return &StreamMetrics{startTime: time.Now()}
}

// RecordAudioIn records audio bytes received from a provider
func (m *StreamMetrics) RecordAudioIn(bytes int64) {
	audioBytesIn.Add(float64(bytes))
}

// Close records the end of the stream connection
func (m *StreamMetrics) Close() {
	activeStreams.Dec()
	streamDuration.Observe(time.Since(m.startTime).Seconds())
}
