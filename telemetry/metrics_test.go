package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsInitialized(t *testing.T) {
	Init()

	if Probes == nil || ProbeErrors == nil || ProbeDuration == nil {
		t.Error("probe metrics not initialized")
	}
	if Notifications == nil || PrivateNotifications == nil || OfflineTransitions == nil {
		t.Error("notification metrics not initialized")
	}
	if JobsInFlight == nil || TickDuration == nil || FollowerCount == nil {
		t.Error("scheduler metrics not initialized")
	}
}

func TestObserveProbeCounts(t *testing.T) {
	Init()

	before := testutil.ToFloat64(Probes.WithLabelValues("tiktok", "webcast", "live"))
	ObserveProbe("tiktok", "webcast", "live", 120*time.Millisecond)
	ObserveProbe("tiktok", "webcast", "live", 80*time.Millisecond)

	if got := testutil.ToFloat64(Probes.WithLabelValues("tiktok", "webcast", "live")) - before; got != 2 {
		t.Errorf("probe counter delta = %v, want 2", got)
	}
}

func TestCounterHelpers(t *testing.T) {
	Init()

	tests := []struct {
		name  string
		inc   func()
		value func() float64
	}{
		{"notification", func() { CountNotification("sent") }, func() float64 { return testutil.ToFloat64(Notifications.WithLabelValues("sent")) }},
		{"private", func() { CountPrivateNotification("failed") }, func() float64 { return testutil.ToFloat64(PrivateNotifications.WithLabelValues("failed")) }},
		{"offline", func() { CountOffline("retained") }, func() float64 { return testutil.ToFloat64(OfflineTransitions.WithLabelValues("retained")) }},
		{"strike", func() { CountStrike("tiktok") }, func() float64 { return testutil.ToFloat64(BackoffStrikes.WithLabelValues("tiktok")) }},
		{"quota", CountQuotaBackoff, func() float64 { return testutil.ToFloat64(QuotaBackoffs) }},
		{"skipped", CountSkipped, func() float64 { return testutil.ToFloat64(JobsSkipped) }},
		{"probe error", func() { ObserveProbeError("youtube", "transient") }, func() float64 { return testutil.ToFloat64(ProbeErrors.WithLabelValues("youtube", "transient")) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.value()
			tt.inc()
			if got := tt.value() - before; got != 1 {
				t.Errorf("%s delta = %v, want 1", tt.name, got)
			}
		})
	}
}

func TestGauges(t *testing.T) {
	Init()

	SetFollowerCount("e1", "twitch", 1234)
	if got := testutil.ToFloat64(FollowerCount.WithLabelValues("e1", "twitch")); got != 1234 {
		t.Errorf("follower gauge = %v, want 1234", got)
	}

	base := testutil.ToFloat64(JobsInFlight)
	AddInFlight(1)
	AddInFlight(1)
	AddInFlight(-1)
	if got := testutil.ToFloat64(JobsInFlight) - base; got != 1 {
		t.Errorf("inflight delta = %v, want 1", got)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil || metric.Histogram.GetSampleCount() == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Error("expected empty correlation on bare context")
	}
	ctx = WithCorrelation(ctx, "abc")
	if GetCorrelation(ctx) != "abc" {
		t.Errorf("GetCorrelation() = %q, want abc", GetCorrelation(ctx))
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
