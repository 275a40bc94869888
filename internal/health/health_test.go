package health

import (
	"context"
	"testing"
	"time"
)

func TestObserve_UpdatesEMAs(t *testing.T) {
	m := New()
	m.Observe("p", true, 100*time.Millisecond)
	m.Observe("p", true, 200*time.Millisecond)

	stats := m.Snapshot("p")
	if stats.TotalObserved != 2 {
		t.Errorf("expected 2 observations, got %d", stats.TotalObserved)
	}
	if stats.LatencyEMAMs <= 0 {
		t.Errorf("expected positive latency EMA, got %v", stats.LatencyEMAMs)
	}
	if stats.SuccessEMA <= 0 {
		t.Errorf("expected positive success EMA after two successes, got %v", stats.SuccessEMA)
	}
}

func TestBeginCall_TracksInFlight(t *testing.T) {
	m := New()
	done := m.BeginCall("p")
	if got := m.Snapshot("p").InFlight; got != 1 {
		t.Fatalf("expected in_flight=1 while call is open, got %d", got)
	}
	done(true, 10*time.Millisecond)
	if got := m.Snapshot("p").InFlight; got != 0 {
		t.Errorf("expected in_flight=0 after completion, got %d", got)
	}
}

func TestIsHealthy_DropsBelowThresholdAfterFailures(t *testing.T) {
	m := New(WithUnhealthyThreshold(0.9))
	for i := 0; i < 20; i++ {
		m.Observe("flaky", false, time.Millisecond)
	}
	if m.IsHealthy("flaky") {
		t.Error("expected provider with sustained failures to be unhealthy")
	}
}

func TestIsHealthy_NeutralDefaultForUnobservedProvider(t *testing.T) {
	m := New()
	if !m.IsHealthy("never-called") {
		t.Error("expected an unobserved provider to default to healthy")
	}
}

func TestStartActiveChecks_StopIsIdempotent(t *testing.T) {
	m := New(WithCheckInterval(time.Hour))
	m.StartActiveChecks(context.Background(), nil)
	m.Stop()
	m.Stop() // must not panic
}
