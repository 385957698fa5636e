package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the narrative session service
type Metrics struct {
	// Room metrics
	ActiveRooms        prometheus.Gauge
	RoomsCreated       prometheus.Counter
	ActiveParticipants prometheus.Gauge
	ParticipantJoins   prometheus.Counter
	ParticipantLeaves  prometheus.Counter

	// Expansion loop metrics
	CyclesCompleted   prometheus.Counter
	CycleFailures     prometheus.Counter
	CycleDuration     prometheus.Histogram
	SessionsStarted   prometheus.Counter
	SessionsFinished  prometheus.Counter
	SessionsRestarted prometheus.Counter

	// Speech synthesis metrics
	SynthesisRequests  prometheus.Counter
	SynthesisFailures  prometheus.Counter
	SynthesisDuration  prometheus.Histogram
	SpeechAudioSeconds prometheus.Histogram

	// Broadcast metrics
	EventsBroadcast *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Room metrics
		ActiveRooms: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aid_active_rooms",
			Help: "Current number of rooms held by the registry",
		}),
		RoomsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aid_rooms_created_total",
			Help: "Total number of rooms created",
		}),
		ActiveParticipants: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aid_active_participants",
			Help: "Current number of connected participants across all rooms",
		}),
		ParticipantJoins: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aid_participant_joins_total",
			Help: "Total number of participant joins",
		}),
		ParticipantLeaves: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aid_participant_leaves_total",
			Help: "Total number of participant departures",
		}),

		// Expansion loop metrics
		CyclesCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aid_expansion_cycles_total",
			Help: "Total number of completed expansion cycles",
		}),
		CycleFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aid_expansion_cycle_failures_total",
			Help: "Total number of expansion cycles aborted by a collaborator failure",
		}),
		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "aid_expansion_cycle_duration_seconds",
			Help:    "Wall time of one expansion cycle excluding the paced wait",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aid_sessions_started_total",
			Help: "Total number of session starts",
		}),
		SessionsFinished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aid_sessions_finished_total",
			Help: "Total number of sessions that reached their end condition",
		}),
		SessionsRestarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aid_sessions_restarted_total",
			Help: "Total number of session restarts",
		}),

		// Speech synthesis metrics
		SynthesisRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aid_synthesis_requests_total",
			Help: "Total number of speech synthesis requests sent",
		}),
		SynthesisFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aid_synthesis_failures_total",
			Help: "Total number of failed speech synthesis requests",
		}),
		SynthesisDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "aid_synthesis_duration_seconds",
			Help:    "Duration of speech synthesis requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		SpeechAudioSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "aid_speech_audio_seconds",
			Help:    "Measured playback duration of synthesized segments",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~2 minutes
		}),

		// Broadcast metrics
		EventsBroadcast: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aid_events_broadcast_total",
			Help: "Total number of events emitted to room members",
		}, []string{"event"}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aid_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aid_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aid_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetActiveRooms sets the current number of rooms
func (m *Metrics) SetActiveRooms(count int) {
	m.ActiveRooms.Set(float64(count))
}

// RecordRoomCreated increments the rooms created counter
func (m *Metrics) RecordRoomCreated() {
	m.RoomsCreated.Inc()
}

// RecordParticipantJoin records a participant joining a room
func (m *Metrics) RecordParticipantJoin(activeTotal int) {
	m.ParticipantJoins.Inc()
	m.ActiveParticipants.Set(float64(activeTotal))
}

// RecordParticipantLeave records a participant leaving
func (m *Metrics) RecordParticipantLeave(activeTotal int) {
	m.ParticipantLeaves.Inc()
	m.ActiveParticipants.Set(float64(activeTotal))
}

// RecordCycleCompleted records one finished expansion cycle
func (m *Metrics) RecordCycleCompleted(durationSeconds float64) {
	m.CyclesCompleted.Inc()
	m.CycleDuration.Observe(durationSeconds)
}

// RecordCycleFailure increments the cycle failure counter
func (m *Metrics) RecordCycleFailure() {
	m.CycleFailures.Inc()
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
}

// RecordSessionFinished increments the sessions finished counter
func (m *Metrics) RecordSessionFinished() {
	m.SessionsFinished.Inc()
}

// RecordSessionRestarted increments the sessions restarted counter
func (m *Metrics) RecordSessionRestarted() {
	m.SessionsRestarted.Inc()
}

// RecordSynthesisRequest records a synthesis request and its outcome
func (m *Metrics) RecordSynthesisRequest(durationSeconds float64, failed bool) {
	m.SynthesisRequests.Inc()
	m.SynthesisDuration.Observe(durationSeconds)
	if failed {
		m.SynthesisFailures.Inc()
	}
}

// RecordSpeechAudio records the measured playback duration of a segment
func (m *Metrics) RecordSpeechAudio(seconds float64) {
	m.SpeechAudioSeconds.Observe(seconds)
}

// RecordEventBroadcast records an event fan-out to a room
func (m *Metrics) RecordEventBroadcast(event string) {
	m.EventsBroadcast.WithLabelValues(event).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
