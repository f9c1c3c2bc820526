// Package telemetry provides Prometheus metrics, tracing and context-scoped logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventSubFrames       *prometheus.CounterVec // by message_type
	ChatMessagesReceived prometheus.Counter
	ChatMessagesSent     prometheus.Counter
	ChatSendFailures     prometheus.Counter
	Subscriptions        *prometheus.CounterVec // by type, result
	CommandsExecuted     *prometheus.CounterVec // by command, outcome
	LoginAttempts        *prometheus.CounterVec // by result
	ArchiveDropped       prometheus.Counter

	// Histograms (seconds)
	CommandDuration prometheus.Observer
	LoginDuration   prometheus.Observer

	// Gauges
	ConnectionStateGauge prometheus.Gauge
	PendingMessagesGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventSubFrames = promauto.NewCounterVec(prometheus.CounterOpts{Name: "seraphbot_eventsub_frames_total", Help: "EventSub frames received by message type"}, []string{"message_type"})
		ChatMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "seraphbot_chat_messages_received_total", Help: "Chat messages pushed to the application state"})
		ChatMessagesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "seraphbot_chat_messages_sent_total", Help: "Chat messages accepted by Helix"})
		ChatSendFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "seraphbot_chat_send_failures_total", Help: "Chat sends that failed or were dropped"})
		Subscriptions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "seraphbot_eventsub_subscriptions_total", Help: "EventSub subscription attempts"}, []string{"type", "result"})
		CommandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "seraphbot_commands_total", Help: "Chat command dispatches by outcome"}, []string{"command", "outcome"})
		LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "seraphbot_login_attempts_total", Help: "Login flows by result"}, []string{"result"})
		ArchiveDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "seraphbot_archive_dropped_total", Help: "Chat messages dropped by the archive batcher"})
		CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "seraphbot_command_duration_seconds", Help: "Command handler duration seconds", Buckets: prometheus.DefBuckets})
		LoginDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "seraphbot_login_duration_seconds", Help: "Login flow duration seconds", Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120}})
		ConnectionStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "seraphbot_connection_state", Help: "Connection state (0=disconnected,1=logging_in,2=logged_in,3=connecting,4=connected,5=error)"})
		PendingMessagesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "seraphbot_pending_messages", Help: "Chat messages waiting for the UI drain"})
	})
}

// CountFrame records a received EventSub frame.
func CountFrame(messageType string) {
	if EventSubFrames != nil {
		EventSubFrames.WithLabelValues(messageType).Inc()
	}
}

// CountSubscription records a subscription attempt result ("ok" or "failed").
func CountSubscription(eventType, result string) {
	if Subscriptions != nil {
		Subscriptions.WithLabelValues(eventType, result).Inc()
	}
}

// CountCommand records a command dispatch outcome.
func CountCommand(command, outcome string) {
	if CommandsExecuted != nil {
		CommandsExecuted.WithLabelValues(command, outcome).Inc()
	}
}

// CountLogin records a login flow result.
func CountLogin(result string) {
	if LoginAttempts != nil {
		LoginAttempts.WithLabelValues(result).Inc()
	}
}

// Inc increments c if it has been initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetConnectionState records the numeric connection state.
func SetConnectionState(v int) {
	if ConnectionStateGauge != nil {
		ConnectionStateGauge.Set(float64(v))
	}
}

// SetPending records the current pending queue depth.
func SetPending(n int) {
	if PendingMessagesGauge != nil {
		PendingMessagesGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
