package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wooffy_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wooffy_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	verificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wooffy_verifications_total",
			Help: "Verification calls by business outcome",
		},
		[]string{"status"},
	)

	verificationLockouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wooffy_verification_lockouts_total",
			Help: "Verification calls rejected by the per-business lockout",
		},
	)

	redemptionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wooffy_redemptions_total",
			Help: "Redemption rows committed",
		},
	)

	remindersSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wooffy_reminders_sent_total",
			Help: "Reminder notifications recorded by type",
		},
		[]string{"type"},
	)

	emailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wooffy_emails_total",
			Help: "Outbound reminder emails by result",
		},
		[]string{"result"},
	)

	chatRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wooffy_chat_requests_total",
			Help: "AI chat proxy requests by result",
		},
		[]string{"result"},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wooffy_rate_limit_rejections_total",
			Help: "Requests rejected by the Redis rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordVerification records one verification business outcome
func RecordVerification(status string) {
	verificationsTotal.WithLabelValues(status).Inc()
}

// RecordLockout records a verification call rejected while locked out
func RecordLockout() {
	verificationLockouts.Inc()
}

// RecordRedemption records a committed redemption
func RecordRedemption() {
	redemptionsTotal.Inc()
}

// RecordReminderSent records a reminder notification by type
func RecordReminderSent(reminderType string) {
	remindersSent.WithLabelValues(reminderType).Inc()
}

// RecordEmail records an outbound email result ("sent" or "failed")
func RecordEmail(result string) {
	emailsTotal.WithLabelValues(result).Inc()
}

// RecordChatRequest records an AI chat proxy result
func RecordChatRequest(result string) {
	chatRequestsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitRejection records a Redis rate limiter rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
