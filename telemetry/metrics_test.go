package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestCounterVecsIncrement(t *testing.T) {
	tests := []struct {
		name string
		c    prometheus.Counter
	}{
		{"token refresh success", TokenRefreshes.WithLabelValues("success")},
		{"reward created", RewardSyncs.WithLabelValues("created")},
		{"tts failure", TTSRequests.WithLabelValues("failure")},
		{"redirects", ShortLinkRedirects},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := counterValue(t, tt.c)
			tt.c.Inc()
			if got := counterValue(t, tt.c); got != before+1 {
				t.Errorf("counter = %v, want %v", got, before+1)
			}
		})
	}
}

func TestConfigReadyGauge(t *testing.T) {
	var m dto.Metric
	SetConfigReady(true)
	_ = ConfigReady.Write(&m)
	if m.GetGauge().GetValue() != 1 {
		t.Errorf("gauge = %v, want 1", m.GetGauge().GetValue())
	}
	SetConfigReady(false)
	_ = ConfigReady.Write(&m)
	if m.GetGauge().GetValue() != 0 {
		t.Errorf("gauge = %v, want 0", m.GetGauge().GetValue())
	}
}

func TestTimeFuncObserves(t *testing.T) {
	d := TimeFunc(TTSDuration, func() { time.Sleep(5 * time.Millisecond) })
	if d < 5*time.Millisecond {
		t.Errorf("duration = %v", d)
	}
	var m dto.Metric
	if err := TTSDuration.Write(&m); err != nil {
		t.Fatal(err)
	}
	if m.GetHistogram().GetSampleCount() == 0 {
		t.Error("histogram recorded no samples")
	}
	if TimeFunc(nil, func() {}) < 0 {
		t.Error("negative duration")
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Error("expected empty correlation")
	}
	ctx = WithCorrelation(ctx, "abc")
	if GetCorrelation(ctx) != "abc" {
		t.Errorf("GetCorrelation() = %q", GetCorrelation(ctx))
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("nil logger")
	}
}

func TestStatusLabel(t *testing.T) {
	if StatusLabel(503) != "503" {
		t.Errorf("StatusLabel(503) = %s", StatusLabel(503))
	}
}
