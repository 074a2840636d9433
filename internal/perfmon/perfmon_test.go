package perfmon_test

import (
	"testing"
	"time"

	"github.com/jetgogoing/memoryd/internal/perfmon"
)

func TestMonitorTrimsToMaxHistory(t *testing.T) {
	m := perfmon.NewMonitor(3, perfmon.DefaultThresholds())
	for i := 0; i < 5; i++ {
		m.Record(perfmon.Sample{Timestamp: time.Now()})
	}
	samples := m.RecentSamples(time.Hour)
	if len(samples) != 3 {
		t.Fatalf("RecentSamples() len = %d, want 3 (bounded history)", len(samples))
	}
}

func TestMonitorFiresAlertOnHighErrorRate(t *testing.T) {
	m := perfmon.NewMonitor(10, perfmon.DefaultThresholds())
	var fired []string
	m.OnAlert(func(msg string, _ perfmon.Sample) { fired = append(fired, msg) })

	m.Record(perfmon.Sample{Timestamp: time.Now(), ErrorRate: 0.5})
	if len(fired) == 0 {
		t.Fatal("OnAlert callback did not fire for error rate above threshold")
	}
}

func TestMonitorNoAlertBelowThresholds(t *testing.T) {
	m := perfmon.NewMonitor(10, perfmon.DefaultThresholds())
	var fired []string
	m.OnAlert(func(msg string, _ perfmon.Sample) { fired = append(fired, msg) })

	m.Record(perfmon.Sample{Timestamp: time.Now(), ErrorRate: 0.01, AvgResponseTimeMs: 50, CacheHitRate: 0.95})
	if len(fired) != 0 {
		t.Fatalf("OnAlert fired %v, want none for healthy sample", fired)
	}
}

func TestSummarizeAverages(t *testing.T) {
	m := perfmon.NewMonitor(10, perfmon.DefaultThresholds())
	m.Record(perfmon.Sample{Timestamp: time.Now(), RequestsPerSecond: 10, AvgResponseTimeMs: 100, CacheHitRate: 0.9})
	m.Record(perfmon.Sample{Timestamp: time.Now(), RequestsPerSecond: 20, AvgResponseTimeMs: 200, CacheHitRate: 0.8})

	sum, ok := m.Summarize(time.Hour)
	if !ok {
		t.Fatal("Summarize() ok = false, want true with samples present")
	}
	if sum.AvgQPS != 15 {
		t.Errorf("Summarize().AvgQPS = %v, want 15", sum.AvgQPS)
	}
	if sum.AvgResponseTimeMs != 150 {
		t.Errorf("Summarize().AvgResponseTimeMs = %v, want 150", sum.AvgResponseTimeMs)
	}
}

func TestSummarizeEmptyReturnsFalse(t *testing.T) {
	m := perfmon.NewMonitor(10, perfmon.DefaultThresholds())
	if _, ok := m.Summarize(time.Hour); ok {
		t.Error("Summarize() ok = true, want false with no samples")
	}
}

func TestAutoScalerScalesUpUnderLoad(t *testing.T) {
	a := perfmon.NewAutoScaler(5, 50)
	rec, err := a.Evaluate(perfmon.Sample{ActiveConnections: 5, AvgResponseTimeMs: 600, QueueLength: 15})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if rec == nil || rec.Action != "scale_up" {
		t.Fatalf("Evaluate() = %+v, want scale_up recommendation", rec)
	}
}

func TestAutoScalerRespectsCooldown(t *testing.T) {
	a := perfmon.NewAutoScaler(5, 50)
	rec, err := a.Evaluate(perfmon.Sample{ActiveConnections: 5, AvgResponseTimeMs: 600, QueueLength: 15})
	if err != nil || rec == nil {
		t.Fatalf("first Evaluate() = %+v, %v, want a recommendation", rec, err)
	}
	a.Apply(*rec)

	rec2, err := a.Evaluate(perfmon.Sample{ActiveConnections: 5, AvgResponseTimeMs: 600, QueueLength: 15})
	if err != nil {
		t.Fatalf("second Evaluate() error = %v", err)
	}
	if rec2 != nil {
		t.Errorf("second Evaluate() = %+v, want nil during cooldown", rec2)
	}
}

func TestAutoScalerScalesDownWhenIdle(t *testing.T) {
	a := perfmon.NewAutoScaler(5, 50).WithCooldown(0)
	a.Apply(perfmon.Recommendation{Action: "scale_up", NewSize: 20})

	rec, err := a.Evaluate(perfmon.Sample{ActiveConnections: 2, AvgResponseTimeMs: 10, QueueLength: 0})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if rec == nil || rec.Action != "scale_down" {
		t.Fatalf("Evaluate() = %+v, want scale_down recommendation", rec)
	}
}

func TestAutoScalerNeverExceedsMax(t *testing.T) {
	a := perfmon.NewAutoScaler(5, 6).WithCooldown(0)
	a.Apply(perfmon.Recommendation{Action: "scale_up", NewSize: 6})

	rec, err := a.Evaluate(perfmon.Sample{ActiveConnections: 6, AvgResponseTimeMs: 900, QueueLength: 50})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if rec != nil {
		t.Errorf("Evaluate() = %+v, want nil at max capacity", rec)
	}
}
