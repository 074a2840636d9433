// Package perfmon implements the Perf Monitor + Autoscaler (C11): a
// bounded ring buffer of periodic samples, threshold-based alerting, and
// a cooldown-gated autoscaler that votes on connection pool resizing.
// Near-direct translation of original_source's global_mcp/
// performance_optimizer.py (PerformanceMonitor + AutoScaler +
// PerformanceOptimizer) into the teacher's idiom.
package perfmon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/rs/zerolog/log"

	"github.com/jetgogoing/memoryd/pkg/models"
)

// Sample is one point-in-time measurement, mirroring PerformanceMetrics.
type Sample struct {
	Timestamp         time.Time
	RequestsPerSecond float64
	AvgResponseTimeMs float64
	ErrorRate         float64
	CacheHitRate      float64
	ActiveConnections int
	QueueLength       int
}

// Thresholds mirrors alert_thresholds: crossing any of these emits an alert.
type Thresholds struct {
	HighErrorRate      float64
	HighResponseTimeMs float64
	LowCacheHitRate    float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{HighErrorRate: 0.05, HighResponseTimeMs: 1000, LowCacheHitRate: 0.7}
}

// AlertFunc receives a human-readable alert message and the sample that triggered it.
type AlertFunc func(msg string, sample Sample)

// Monitor is a bounded-history sampler with alerting, grounded on
// PerformanceMonitor's deque(maxlen=max_history).
type Monitor struct {
	mu         sync.Mutex
	history    []Sample
	maxHistory int
	thresholds Thresholds
	onAlert    []AlertFunc
}

func NewMonitor(maxHistory int, thresholds Thresholds) *Monitor {
	return &Monitor{maxHistory: maxHistory, thresholds: thresholds}
}

func (m *Monitor) OnAlert(fn AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAlert = append(m.onAlert, fn)
}

// Record appends a sample, trimming the oldest once over capacity, and
// fires any alert thresholds it crosses.
func (m *Monitor) Record(s Sample) {
	m.mu.Lock()
	m.history = append(m.history, s)
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
	callbacks := append([]AlertFunc(nil), m.onAlert...)
	m.mu.Unlock()

	for _, alert := range m.checkAlerts(s) {
		for _, cb := range callbacks {
			cb(alert, s)
		}
	}
}

func (m *Monitor) checkAlerts(s Sample) []string {
	var alerts []string
	if s.ErrorRate > m.thresholds.HighErrorRate {
		alerts = append(alerts, fmt.Sprintf("high error rate: %.1f%%", s.ErrorRate*100))
	}
	if s.AvgResponseTimeMs > m.thresholds.HighResponseTimeMs {
		alerts = append(alerts, fmt.Sprintf("high response time: %.0fms", s.AvgResponseTimeMs))
	}
	if s.CacheHitRate < m.thresholds.LowCacheHitRate {
		alerts = append(alerts, fmt.Sprintf("low cache hit rate: %.1f%%", s.CacheHitRate*100))
	}
	return alerts
}

// RecentSamples mirrors get_recent_metrics: every sample within the
// last duration.
func (m *Monitor) RecentSamples(since time.Duration) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-since)
	out := make([]Sample, 0, len(m.history))
	for _, s := range m.history {
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Summary mirrors get_performance_summary's averages.
type Summary struct {
	Samples           int
	AvgQPS            float64
	AvgResponseTimeMs float64
	AvgErrorRate      float64
	AvgCacheHitRate   float64
}

func (m *Monitor) Summarize(window time.Duration) (Summary, bool) {
	samples := m.RecentSamples(window)
	if len(samples) == 0 {
		return Summary{}, false
	}
	var sum Summary
	sum.Samples = len(samples)
	for _, s := range samples {
		sum.AvgQPS += s.RequestsPerSecond
		sum.AvgResponseTimeMs += s.AvgResponseTimeMs
		sum.AvgErrorRate += s.ErrorRate
		sum.AvgCacheHitRate += s.CacheHitRate
	}
	n := float64(len(samples))
	sum.AvgQPS /= n
	sum.AvgResponseTimeMs /= n
	sum.AvgErrorRate /= n
	sum.AvgCacheHitRate /= n
	return sum, true
}

// AutoScaler votes on connection pool sizing from live samples. The
// scale-up/scale-down conditions are expressed as expr-lang rules so
// deployments can retune them without a rebuild (SPEC_FULL domain
// stack: github.com/expr-lang/expr), defaulting to the 2-of-3 /
// 3-of-3 vote from the original implementation.
type AutoScaler struct {
	mu            sync.Mutex
	min, max      int
	current       int
	cooldown      time.Duration
	lastScale     time.Time
	scaleUpExpr   string
	scaleDownExpr string
}

func NewAutoScaler(min, max int) *AutoScaler {
	return &AutoScaler{
		min: min, max: max, current: min,
		cooldown: 60 * time.Second,
		scaleUpExpr: "((active/float(current)) > 0.8 ? 1 : 0) + " +
			"(avgResponseTimeMs > 500 ? 1 : 0) + (queueLength > 10 ? 1 : 0) >= 2",
		scaleDownExpr: "(active/float(current)) < 0.3 && avgResponseTimeMs < 100 && queueLength < 2",
	}
}

// WithScaleRules overrides the default expr-lang conditions.
func (a *AutoScaler) WithScaleRules(scaleUp, scaleDown string) *AutoScaler {
	a.scaleUpExpr, a.scaleDownExpr = scaleUp, scaleDown
	return a
}

// WithCooldown overrides the default 60s cooldown between scale events.
func (a *AutoScaler) WithCooldown(d time.Duration) *AutoScaler {
	a.cooldown = d
	return a
}

type scaleEnv struct {
	Active            int
	Current           int
	AvgResponseTimeMs float64
	QueueLength       int
}

// Recommendation is what Evaluate returns when scaling is warranted.
type Recommendation struct {
	Action  string // "scale_up" | "scale_down"
	NewSize int
}

// Evaluate mirrors get_scale_recommendation: cooldown-gated, evaluating
// the configured expr-lang conditions against the sample.
func (a *AutoScaler) Evaluate(s Sample) (*Recommendation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if time.Since(a.lastScale) < a.cooldown {
		return nil, nil
	}

	env := scaleEnv{Active: s.ActiveConnections, Current: a.current, AvgResponseTimeMs: s.AvgResponseTimeMs, QueueLength: s.QueueLength}

	if a.current < a.max {
		up, err := evalBool(a.scaleUpExpr, env)
		if err != nil {
			return nil, err
		}
		if up {
			newSize := a.current + 2
			if newSize > a.max {
				newSize = a.max
			}
			return &Recommendation{Action: "scale_up", NewSize: newSize}, nil
		}
	}
	if a.current > a.min {
		down, err := evalBool(a.scaleDownExpr, env)
		if err != nil {
			return nil, err
		}
		if down {
			newSize := a.current - 1
			if newSize < a.min {
				newSize = a.min
			}
			return &Recommendation{Action: "scale_down", NewSize: newSize}, nil
		}
	}
	return nil, nil
}

func evalBool(rule string, env scaleEnv) (bool, error) {
	out, err := expr.Eval(rule, map[string]interface{}{
		"active": env.Active, "current": env.Current,
		"avgResponseTimeMs": env.AvgResponseTimeMs, "queueLength": env.QueueLength,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate autoscale rule: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("autoscale rule did not evaluate to a boolean")
	}
	return b, nil
}

// Apply mirrors apply_scaling: commits the recommendation and starts the cooldown.
func (a *AutoScaler) Apply(rec Recommendation) {
	a.mu.Lock()
	old := a.current
	a.current = rec.NewSize
	a.lastScale = time.Now()
	a.mu.Unlock()
	log.Info().Str("action", rec.Action).Int("from", old).Int("to", rec.NewSize).Msg("📈 connection pool rescaled")
}

func (a *AutoScaler) CurrentSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Optimizer ties Monitor + AutoScaler into the periodic sampling loop
// (spec §4.11), resizing the given pool via resize when a recommendation fires.
type Optimizer struct {
	monitor  *Monitor
	scaler   *AutoScaler
	resize   func(newSize int)
	interval time.Duration
	sample   func() Sample
}

func NewOptimizer(monitor *Monitor, scaler *AutoScaler, sample func() Sample, resize func(int), interval time.Duration) *Optimizer {
	o := &Optimizer{monitor: monitor, scaler: scaler, sample: sample, resize: resize, interval: interval}
	monitor.OnAlert(func(msg string, _ Sample) {
		log.Warn().Msg("⚠️  performance alert: " + msg)
	})
	return o
}

// Run drives the 10-second sampling loop until ctx is cancelled.
func (o *Optimizer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := o.sample()
			o.monitor.Record(s)
			rec, err := o.scaler.Evaluate(s)
			if err != nil {
				log.Error().Err(err).Msg("📈 autoscale rule evaluation failed")
				continue
			}
			if rec != nil {
				o.scaler.Apply(*rec)
				if o.resize != nil {
					o.resize(rec.NewSize)
				}
			}
		}
	}
}

// AnalyzePerformance mirrors analyze_performance: a summary plus
// generated optimization suggestions, for the §6.4 health object's
// `performance.suggestions` field.
func (o *Optimizer) AnalyzePerformance(window time.Duration) []models.Suggestion {
	summary, ok := o.monitor.Summarize(window)
	if !ok {
		return nil
	}
	return generateSuggestions(summary)
}

// generateSuggestions mirrors _generate_optimization_suggestions.
func generateSuggestions(s Summary) []models.Suggestion {
	var out []models.Suggestion
	if s.AvgResponseTimeMs > 500 {
		out = append(out, models.Suggestion{
			Category: "database", Severity: "high",
			Description: fmt.Sprintf("average response time %.0fms exceeds the 500ms guideline", s.AvgResponseTimeMs),
			Action:      "increase the database connection pool size, add indexes, or optimize slow queries",
		})
	}
	if s.AvgCacheHitRate < 0.8 {
		out = append(out, models.Suggestion{
			Category: "cache", Severity: "medium",
			Description: fmt.Sprintf("cache hit rate %.1f%% is below the 80%% guideline", s.AvgCacheHitRate*100),
			Action:      "increase cache capacity, tune eviction policy, or extend TTL",
		})
	}
	if s.AvgQPS < 10 {
		out = append(out, models.Suggestion{
			Category: "connection_pool", Severity: "medium",
			Description: fmt.Sprintf("average throughput %.1f qps is lower than expected", s.AvgQPS),
			Action:      "increase connection pool size or enable connection reuse",
		})
	}
	return out
}
