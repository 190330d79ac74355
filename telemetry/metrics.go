// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and
// correlation-id aware logging helpers for the live-status engine.
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
	Probes               *prometheus.CounterVec // platform, method, status
	ProbeErrors          *prometheus.CounterVec // platform, class
	Notifications        *prometheus.CounterVec // result
	PrivateNotifications *prometheus.CounterVec // result
	OfflineTransitions   *prometheus.CounterVec // result
	BackoffStrikes       *prometheus.CounterVec // platform
	QuotaBackoffs        prometheus.Counter
	JobsSkipped          prometheus.Counter

	// Histograms (seconds)
	ProbeDuration *prometheus.HistogramVec // platform
	TickDuration  prometheus.Observer

	// Gauges
	JobsInFlight  prometheus.Gauge
	FollowerCount *prometheus.GaugeVec // entity, platform
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		Probes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_probes_total", Help: "Completed platform probes by outcome"}, []string{"platform", "method", "status"})
		ProbeErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_probe_errors_total", Help: "Probe infrastructure failures by error class"}, []string{"platform", "class"})
		Notifications = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_notifications_total", Help: "Public live notifications by delivery result"}, []string{"result"})
		PrivateNotifications = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_private_notifications_total", Help: "Private subscriber notifications by delivery result"}, []string{"result"})
		OfflineTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_offline_total", Help: "Offline transitions by message deletion result"}, []string{"result"})
		BackoffStrikes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_backoff_strikes_total", Help: "Backoff strikes registered against handles"}, []string{"platform"})
		QuotaBackoffs = promauto.NewCounter(prometheus.CounterOpts{Name: "live_youtube_quota_backoff_total", Help: "YouTube Data API quota exhaustions"})
		JobsSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "live_jobs_skipped_total", Help: "Check jobs skipped because the pair was still in flight"})
		ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "live_probe_duration_seconds", Help: "Probe duration seconds", Buckets: prometheus.DefBuckets}, []string{"platform"})
		TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "live_tick_duration_seconds", Help: "Time to select and dispatch one tick", Buckets: prometheus.DefBuckets})
		JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{Name: "live_jobs_inflight", Help: "Check jobs currently running"})
		FollowerCount = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "live_follower_count", Help: "Last known follower count"}, []string{"entity", "platform"})
	})
}

// ObserveProbe records a finished probe. Safe to call before Init.
func ObserveProbe(platform, method, status string, d time.Duration) {
	if Probes == nil {
		return
	}
	Probes.WithLabelValues(platform, method, status).Inc()
	ProbeDuration.WithLabelValues(platform).Observe(d.Seconds())
}

// ObserveProbeError counts a probe failure by class.
func ObserveProbeError(platform, class string) {
	if ProbeErrors != nil {
		ProbeErrors.WithLabelValues(platform, class).Inc()
	}
}

// CountNotification increments the public notification counter.
func CountNotification(result string) {
	if Notifications != nil {
		Notifications.WithLabelValues(result).Inc()
	}
}

// CountPrivateNotification increments the private notification counter.
func CountPrivateNotification(result string) {
	if PrivateNotifications != nil {
		PrivateNotifications.WithLabelValues(result).Inc()
	}
}

// CountOffline increments the offline transition counter.
func CountOffline(result string) {
	if OfflineTransitions != nil {
		OfflineTransitions.WithLabelValues(result).Inc()
	}
}

// CountStrike increments the backoff strike counter.
func CountStrike(platform string) {
	if BackoffStrikes != nil {
		BackoffStrikes.WithLabelValues(platform).Inc()
	}
}

// CountQuotaBackoff increments the quota backoff counter.
func CountQuotaBackoff() {
	if QuotaBackoffs != nil {
		QuotaBackoffs.Inc()
	}
}

// CountSkipped increments the skipped job counter.
func CountSkipped() {
	if JobsSkipped != nil {
		JobsSkipped.Inc()
	}
}

// AddInFlight adjusts the in-flight job gauge.
func AddInFlight(delta float64) {
	if JobsInFlight != nil {
		JobsInFlight.Add(delta)
	}
}

// SetFollowerCount records the latest follower count for an identity.
func SetFollowerCount(entity, platform string, n int) {
	if FollowerCount != nil {
		FollowerCount.WithLabelValues(entity, platform).Set(float64(n))
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

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns base (or the default logger) with a corr attribute if present.
func LoggerWithCorr(ctx context.Context, base ...*slog.Logger) *slog.Logger {
	l := slog.Default()
	if len(base) > 0 && base[0] != nil {
		l = base[0]
	}
	if id := GetCorrelation(ctx); id != "" {
		return l.With(slog.String("corr", id))
	}
	return l
}
