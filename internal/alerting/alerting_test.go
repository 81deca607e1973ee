package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/agentguard/internal/correlation"
	"github.com/lvonguyen/agentguard/internal/rules"
)

// captureSink records delivered alerts for assertions.
type captureSink struct {
	mu     sync.Mutex
	alerts []*Alert
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Deliver(_ context.Context, alert *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func ce(rule, agent, priority string) *correlation.CorrelationEvent {
	return &correlation.CorrelationEvent{
		ID:                "ce-1",
		Timestamp:         time.Now().UTC(),
		AgentID:           agent,
		RuleName:          rule,
		Confidence:        0.8,
		RecommendedAction: "investigate",
		Priority:          priority,
	}
}

// TestDispatch_CooldownSuppressesRepeats verifies a second alert for the
// same rule and agent inside the window is dropped.
func TestDispatch_CooldownSuppressesRepeats(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(DispatcherConfig{CooldownWindow: time.Hour}, nil, zap.NewNop(), sink)
	ctx := context.Background()

	d.Dispatch(ctx, ce("Persistent Attacker", "agent-1", "high"))
	d.Dispatch(ctx, ce("Persistent Attacker", "agent-1", "high"))
	if sink.count() != 1 {
		t.Errorf("repeat inside cooldown should be suppressed, got %d deliveries", sink.count())
	}

	// A different agent for the same rule is a distinct incident.
	d.Dispatch(ctx, ce("Persistent Attacker", "agent-2", "high"))
	if sink.count() != 2 {
		t.Errorf("distinct agent should not share the cooldown, got %d", sink.count())
	}

	// A different rule for the same agent as well.
	d.Dispatch(ctx, ce("Malicious Skill Chain", "agent-1", "critical"))
	if sink.count() != 3 {
		t.Errorf("distinct rule should not share the cooldown, got %d", sink.count())
	}
}

// TestDispatch_MinSeverityFloor verifies alerts below the floor are dropped.
func TestDispatch_MinSeverityFloor(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(DispatcherConfig{MinSeverity: rules.SeverityHigh}, nil, zap.NewNop(), sink)
	ctx := context.Background()

	d.Dispatch(ctx, ce("Quiet Rule", "agent-1", "low"))
	d.Dispatch(ctx, ce("Quiet Rule Two", "agent-1", "medium"))
	if sink.count() != 0 {
		t.Errorf("alerts below the floor must be dropped, got %d", sink.count())
	}

	d.Dispatch(ctx, ce("Loud Rule", "agent-1", "critical"))
	if sink.count() != 1 {
		t.Errorf("critical alert should pass the floor, got %d", sink.count())
	}
}

// TestDispatch_PrioritySeverityMapping verifies rule priority maps onto the
// severity scale.
func TestDispatch_PrioritySeverityMapping(t *testing.T) {
	tests := []struct {
		priority string
		want     rules.Severity
	}{
		{"critical", rules.SeverityCritical},
		{"high", rules.SeverityHigh},
		{"medium", rules.SeverityMedium},
		{"low", rules.SeverityLow},
		{"", rules.SeverityLow},
	}
	for _, tt := range tests {
		if got := prioritySeverity(tt.priority); got != tt.want {
			t.Errorf("prioritySeverity(%q) = %s, want %s", tt.priority, got, tt.want)
		}
	}
}

// fixedMapper returns a canned technique list.
type fixedMapper struct{ out []string }

func (m fixedMapper) Techniques([]string) []string { return m.out }

// TestDispatch_AttachesTechniques verifies the mapper output lands on the
// alert payload.
func TestDispatch_AttachesTechniques(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(DispatcherConfig{}, fixedMapper{out: []string{"T1059"}}, zap.NewNop(), sink)

	event := ce("Mapped Rule", "agent-1", "high")
	event.MatchedEvents = []*correlation.LayerEvent{{
		ID:        "e1",
		Layer:     correlation.LayerSkillScanner,
		EventType: "finding",
		Data:      map[string]interface{}{"category": "code_execution"},
	}}
	d.Dispatch(context.Background(), event)

	if sink.count() != 1 {
		t.Fatalf("want one delivery, got %d", sink.count())
	}
	got := sink.alerts[0]
	if len(got.MITRETechniques) != 1 || got.MITRETechniques[0] != "T1059" {
		t.Errorf("techniques not attached: %+v", got.MITRETechniques)
	}
}
