// Package alerting turns correlation events into alert payloads and hands
// them to the configured sinks. Notification transport beyond the Sink
// contract is an external collaborator.
package alerting

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/agentguard/internal/correlation"
	"github.com/lvonguyen/agentguard/internal/rules"
)

// Alert is the structured payload delivered to sinks.
type Alert struct {
	ID                string                         `json:"id"`
	Timestamp         time.Time                      `json:"timestamp"`
	Severity          rules.Severity                 `json:"severity"`
	RuleName          string                         `json:"rule_name"`
	AgentID           string                         `json:"agent_id,omitempty"`
	Confidence        float64                        `json:"confidence"`
	RecommendedAction string                         `json:"recommended_action"`
	Priority          string                         `json:"priority"`
	MITRETechniques   []string                       `json:"mitre_techniques,omitempty"`
	MatchedEvents     []*correlation.LayerEvent      `json:"matched_events"`
}

// Sink delivers one alert. Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, alert *Alert) error
}

// TechniqueMapper resolves ATT&CK techniques for an alert's matched events.
type TechniqueMapper interface {
	Techniques(categories []string) []string
}

// DispatcherConfig tunes alert suppression.
type DispatcherConfig struct {
	MinSeverity    rules.Severity
	CooldownWindow time.Duration
}

// Dispatcher fans alerts out to all sinks, applying a severity floor and a
// cooldown window so repeated incidents from one rule/agent pair do not
// flood the channels.
type Dispatcher struct {
	cfg    DispatcherConfig
	sinks  []Sink
	mapper TechniqueMapper
	log    *zap.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewDispatcher builds a dispatcher. mapper may be nil.
func NewDispatcher(cfg DispatcherConfig, mapper TechniqueMapper, log *zap.Logger, sinks ...Sink) *Dispatcher {
	if cfg.CooldownWindow <= 0 {
		cfg.CooldownWindow = 5 * time.Minute
	}
	return &Dispatcher{
		cfg:      cfg,
		sinks:    sinks,
		mapper:   mapper,
		log:      log,
		lastSent: make(map[string]time.Time),
	}
}

// Dispatch converts a correlation event into an alert and delivers it. A
// failing sink is logged and does not block the others.
func (d *Dispatcher) Dispatch(ctx context.Context, ce *correlation.CorrelationEvent) {
	alert := d.build(ce)

	if d.cfg.MinSeverity != "" && alert.Severity.Rank() < d.cfg.MinSeverity.Rank() {
		return
	}
	if d.onCooldown(alert) {
		d.log.Debug("alert suppressed by cooldown",
			zap.String("rule", alert.RuleName), zap.String("agent", alert.AgentID))
		return
	}

	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, alert); err != nil {
			d.log.Error("alert delivery failed",
				zap.String("sink", sink.Name()),
				zap.String("rule", alert.RuleName),
				zap.Error(err))
		}
	}
}

// build derives the alert payload from a correlation event. Alert severity
// follows the rule priority.
func (d *Dispatcher) build(ce *correlation.CorrelationEvent) *Alert {
	alert := &Alert{
		ID:                ce.ID,
		Timestamp:         ce.Timestamp,
		Severity:          prioritySeverity(ce.Priority),
		RuleName:          ce.RuleName,
		AgentID:           ce.AgentID,
		Confidence:        ce.Confidence,
		RecommendedAction: ce.RecommendedAction,
		Priority:          ce.Priority,
		MatchedEvents:     ce.MatchedEvents,
	}

	if d.mapper != nil {
		seen := make(map[string]bool)
		var categories []string
		for _, ev := range ce.MatchedEvents {
			if cat := ev.Field("category"); cat != "" && !seen[cat] {
				seen[cat] = true
				categories = append(categories, cat)
			}
		}
		alert.MITRETechniques = d.mapper.Techniques(categories)
	}
	return alert
}

// onCooldown tracks a (rule, agent) key and suppresses repeats inside the
// window, recording the first occurrence.
func (d *Dispatcher) onCooldown(alert *Alert) bool {
	sum := sha256.Sum256([]byte(alert.RuleName + "|" + alert.AgentID))
	key := hex.EncodeToString(sum[:8])

	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.cfg.CooldownWindow {
		return true
	}
	d.lastSent[key] = now
	return false
}

// prioritySeverity maps rule priority onto the severity scale.
func prioritySeverity(priority string) rules.Severity {
	switch priority {
	case "critical":
		return rules.SeverityCritical
	case "high":
		return rules.SeverityHigh
	case "medium":
		return rules.SeverityMedium
	default:
		return rules.SeverityLow
	}
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink.
func (s *LogSink) Deliver(_ context.Context, alert *Alert) error {
	s.log.Warn("security alert",
		zap.String("id", alert.ID),
		zap.String("severity", string(alert.Severity)),
		zap.String("rule", alert.RuleName),
		zap.String("agent", alert.AgentID),
		zap.Float64("confidence", alert.Confidence),
		zap.String("recommended_action", alert.RecommendedAction),
		zap.Int("matched_events", len(alert.MatchedEvents)),
		zap.Strings("mitre_techniques", alert.MITRETechniques))
	return nil
}
