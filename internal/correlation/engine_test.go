package correlation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/agentguard/internal/rules"
)

// testStore is a minimal in-memory Store for engine tests.
type testStore struct {
	mu     sync.Mutex
	events []*LayerEvent
	fail   error
}

func (s *testStore) Append(_ context.Context, event *LayerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	sort.Slice(s.events, func(i, j int) bool {
		return s.events[i].Timestamp.Before(s.events[j].Timestamp)
	})
	return nil
}

func (s *testStore) Window(_ context.Context, from, to time.Time) ([]*LayerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	var out []*LayerEvent
	for _, ev := range s.events {
		if !ev.Timestamp.Before(from) && !ev.Timestamp.After(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func newTestEngine(t *testing.T, ruleSet []*Rule) (*Engine, *testStore) {
	t.Helper()
	store := &testStore{}
	engine, err := NewEngine(store, ruleSet, time.Hour, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine, store
}

// TestIngest_TwoConditionRuleFiresOnce verifies the skill-plus-fragment rule
// fires exactly once when both conditions are met, and never again for the
// same event pair.
func TestIngest_TwoConditionRuleFiresOnce(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultRules())
	ctx := context.Background()
	base := time.Now().UTC()

	emitted, err := engine.Ingest(ctx, "skill_scanner", IngestEvent{
		EventType: "skill_installed",
		AgentID:   "agent-1",
		Timestamp: base,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(emitted) != 0 {
		t.Fatalf("one condition satisfied, nothing should fire: %+v", emitted)
	}

	emitted, err = engine.Ingest(ctx, "prompt_filter", IngestEvent{
		EventType: "fragment_detected",
		AgentID:   "agent-1",
		Timestamp: base.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(emitted) != 1 {
		t.Fatalf("want exactly one correlation, got %d", len(emitted))
	}

	ce := emitted[0]
	if ce.RuleName != "Malicious Skill Chain" {
		t.Errorf("want Malicious Skill Chain, got %s", ce.RuleName)
	}
	if len(ce.MatchedEvents) != 2 {
		t.Errorf("want 2 matched events, got %d", len(ce.MatchedEvents))
	}
	if ce.RecommendedAction != "quarantine_skill" {
		t.Errorf("want quarantine_skill action, got %s", ce.RecommendedAction)
	}
	if ce.Confidence <= 0 || ce.Confidence > 1 {
		t.Errorf("confidence out of range: %f", ce.Confidence)
	}

	// An unrelated later event re-evaluates the window but must not re-emit
	// the same correlation.
	emitted, err = engine.Ingest(ctx, "behavior", IngestEvent{
		EventType: "file_read",
		AgentID:   "agent-1",
		Timestamp: base.Add(20 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(emitted) != 0 {
		t.Errorf("same event pair re-emitted: %+v", emitted)
	}
}

// TestIngest_DuplicateEventsDoNotReEmit verifies that re-ingesting an exact
// duplicate of an already-matched event never produces a second correlation,
// even though the duplicate carries a fresh store ID that may displace the
// original in the matched set.
func TestIngest_DuplicateEventsDoNotReEmit(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultRules())
	ctx := context.Background()
	base := time.Now().UTC()

	install := IngestEvent{
		EventType: "skill_installed",
		AgentID:   "agent-1",
		Timestamp: base,
	}
	fragment := IngestEvent{
		EventType: "fragment_detected",
		AgentID:   "agent-1",
		Timestamp: base.Add(time.Minute),
		Data:      map[string]interface{}{"fragment": "ignore previous instructions"},
	}

	if _, err := engine.Ingest(ctx, "skill_scanner", install); err != nil {
		t.Fatal(err)
	}
	emitted, err := engine.Ingest(ctx, "prompt_filter", fragment)
	if err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 1 {
		t.Fatalf("want one correlation, got %d", len(emitted))
	}

	// A flaky layer redelivers the identical observations many times.
	total := 0
	for i := 0; i < 10; i++ {
		e1, err := engine.Ingest(ctx, "prompt_filter", fragment)
		if err != nil {
			t.Fatal(err)
		}
		e2, err := engine.Ingest(ctx, "skill_scanner", install)
		if err != nil {
			t.Fatal(err)
		}
		total += len(e1) + len(e2)
	}
	if total != 0 {
		t.Errorf("duplicate re-ingestion produced %d extra correlations, want 0", total)
	}
	if got := engine.Stats().Emitted; got != 1 {
		t.Errorf("want 1 emission total, got %d", got)
	}
}

// TestEngine_DedupOutlivesConfiguredRetention verifies dedup entries survive
// as long as their events remain inside the longest rule window, regardless
// of a shorter configured retention.
func TestEngine_DedupOutlivesConfiguredRetention(t *testing.T) {
	store := &testStore{}
	engine, err := NewEngine(store, DefaultRules(), 2*time.Hour, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	base := time.Now().UTC()
	data := map[string]interface{}{"source_repository": "github.com/evil/skills"}

	for i, agent := range []string{"agent-1", "agent-2", "agent-3"} {
		if _, err := engine.Ingest(ctx, "skill_scanner", IngestEvent{
			EventType: "malicious_skill_detected",
			AgentID:   agent,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Data:      data,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if got := engine.Stats().Emitted; got != 1 {
		t.Fatalf("want the campaign emitted once, got %d", got)
	}

	// Hours later an unrelated pair fires. The campaign events are still
	// inside their 24h window, so the earlier dedup entry must hold.
	if _, err := engine.Ingest(ctx, "skill_scanner", IngestEvent{
		EventType: "skill_installed",
		Timestamp: base.Add(3 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	emitted, err := engine.Ingest(ctx, "prompt_filter", IngestEvent{
		EventType: "fragment_detected",
		Timestamp: base.Add(3*time.Hour + time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 1 || emitted[0].RuleName != "Malicious Skill Chain" {
		t.Fatalf("want only Malicious Skill Chain in the late cycle, got %+v", emitted)
	}
	if got := engine.Stats().Emitted; got != 2 {
		t.Errorf("campaign re-emitted for the same matched set: %d emissions, want 2", got)
	}
}

// TestIngest_CountThresholdFiresOnThird verifies the repeated-injection rule
// stays quiet until the third qualifying event from one source.
func TestIngest_CountThresholdFiresOnThird(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultRules())
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 2; i++ {
		emitted, err := engine.Ingest(ctx, "prompt_filter", IngestEvent{
			EventType: "injection_blocked",
			AgentID:   "agent-1",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Data:      map[string]interface{}{"source": "203.0.113.7"},
		})
		if err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
		if len(emitted) != 0 {
			t.Fatalf("rule fired after %d events, threshold is 3", i+1)
		}
	}

	emitted, err := engine.Ingest(ctx, "prompt_filter", IngestEvent{
		EventType: "injection_blocked",
		AgentID:   "agent-1",
		Timestamp: base.Add(2 * time.Minute),
		Data:      map[string]interface{}{"source": "203.0.113.7"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(emitted) != 1 || emitted[0].RuleName != "Persistent Attacker" {
		t.Fatalf("want Persistent Attacker on third event, got %+v", emitted)
	}
	if len(emitted[0].MatchedEvents) != 3 {
		t.Errorf("want the 3 threshold events, got %d", len(emitted[0].MatchedEvents))
	}

	// A fourth event extends the qualifying set but the witness set stays the
	// earliest three, so nothing re-emits.
	emitted, err = engine.Ingest(ctx, "prompt_filter", IngestEvent{
		EventType: "injection_blocked",
		AgentID:   "agent-1",
		Timestamp: base.Add(3 * time.Minute),
		Data:      map[string]interface{}{"source": "203.0.113.7"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(emitted) != 0 {
		t.Errorf("fourth event re-emitted the correlation: %+v", emitted)
	}
}

// TestIngest_CorrelationKeySeparatesSources verifies events from different
// sources never pool toward one threshold.
func TestIngest_CorrelationKeySeparatesSources(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultRules())
	ctx := context.Background()
	base := time.Now().UTC()

	sources := []string{"a", "b", "c"}
	for i, src := range sources {
		emitted, err := engine.Ingest(ctx, "prompt_filter", IngestEvent{
			EventType: "injection_blocked",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Data:      map[string]interface{}{"source": src},
		})
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		if len(emitted) != 0 {
			t.Errorf("three events from distinct sources must not fire: %+v", emitted)
		}
	}
}

// TestIngest_MinAgentsRequiresDistinctAgents verifies the campaign rule only
// fires once three distinct agents report the same repository.
func TestIngest_MinAgentsRequiresDistinctAgents(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultRules())
	ctx := context.Background()
	base := time.Now().UTC()
	data := map[string]interface{}{"source_repository": "github.com/evil/skills"}

	// Three reports from the same agent: count satisfied, agents not.
	for i := 0; i < 3; i++ {
		emitted, err := engine.Ingest(ctx, "skill_scanner", IngestEvent{
			EventType: "malicious_skill_detected",
			AgentID:   "agent-1",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Data:      data,
		})
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		if len(emitted) != 0 {
			t.Fatalf("single-agent reports must not satisfy min_agents=3: %+v", emitted)
		}
	}

	if emitted, _ := engine.Ingest(ctx, "skill_scanner", IngestEvent{
		EventType: "malicious_skill_detected",
		AgentID:   "agent-2",
		Timestamp: base.Add(4 * time.Minute),
		Data:      data,
	}); len(emitted) != 0 {
		t.Fatalf("two distinct agents must not satisfy min_agents=3: %+v", emitted)
	}

	emitted, err := engine.Ingest(ctx, "skill_scanner", IngestEvent{
		EventType: "malicious_skill_detected",
		AgentID:   "agent-3",
		Timestamp: base.Add(5 * time.Minute),
		Data:      data,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(emitted) != 1 || emitted[0].RuleName != "Coordinated Campaign" {
		t.Fatalf("want Coordinated Campaign on third agent, got %+v", emitted)
	}
}

// TestIngest_MinMatchingConditions verifies a rule with min_matching=2 of 3
// fires on any two satisfied conditions.
func TestIngest_MinMatchingConditions(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultRules())
	ctx := context.Background()
	base := time.Now().UTC()

	if emitted, err := engine.Ingest(ctx, "integrity", IngestEvent{
		EventType: "file_modified",
		AgentID:   "agent-1",
		Timestamp: base,
	}); err != nil {
		t.Fatal(err)
	} else if len(emitted) != 0 {
		t.Fatalf("one of three conditions must not fire: %+v", emitted)
	}

	emitted, err := engine.Ingest(ctx, "behavior", IngestEvent{
		EventType: "network_call",
		AgentID:   "agent-1",
		Timestamp: base.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 1 || emitted[0].RuleName != "Tamper and Exfiltrate" {
		t.Fatalf("want Tamper and Exfiltrate on second condition, got %+v", emitted)
	}
	if emitted[0].Confidence >= 1 {
		t.Errorf("partial condition match should score below 1, got %f", emitted[0].Confidence)
	}
}

// TestIngest_RejectsInvalidInput verifies unknown layers, missing event
// types, and bad severities are rejected before storage.
func TestIngest_RejectsInvalidInput(t *testing.T) {
	engine, store := newTestEngine(t, DefaultRules())
	ctx := context.Background()

	tests := []struct {
		name  string
		layer string
		in    IngestEvent
	}{
		{"unknown layer", "firewall", IngestEvent{EventType: "x"}},
		{"empty layer", "", IngestEvent{EventType: "x"}},
		{"missing event type", "behavior", IngestEvent{}},
		{"bad severity", "behavior", IngestEvent{EventType: "x", Severity: rules.Severity("WILD")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := engine.Ingest(ctx, tt.layer, tt.in); err == nil {
				t.Error("want error")
			}
		})
	}
	if len(store.events) != 0 {
		t.Errorf("rejected events must not be stored, have %d", len(store.events))
	}
}

// TestIngest_EventsOutsideWindowIgnored verifies stale events age out of the
// rule window.
func TestIngest_EventsOutsideWindowIgnored(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultRules())
	ctx := context.Background()
	base := time.Now().UTC()

	// skill_installed two hours before the fragment: outside the 60m window.
	if _, err := engine.Ingest(ctx, "skill_scanner", IngestEvent{
		EventType: "skill_installed",
		Timestamp: base.Add(-2 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	emitted, err := engine.Ingest(ctx, "prompt_filter", IngestEvent{
		EventType: "fragment_detected",
		Timestamp: base,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(emitted) != 0 {
		t.Errorf("stale event correlated outside the window: %+v", emitted)
	}
}

// TestEngine_StoreFailureDegradesCycle verifies a store failure degrades the
// evaluation cycle without failing the rule set permanently.
func TestEngine_StoreFailureDegradesCycle(t *testing.T) {
	engine, store := newTestEngine(t, DefaultRules())
	ctx := context.Background()

	store.fail = errors.New("window query broke")
	if _, err := engine.Ingest(ctx, "behavior", IngestEvent{EventType: "x"}); err != nil {
		t.Fatalf("append succeeded, ingest must not fail on window errors: %v", err)
	}
	if engine.Stats().Degraded == 0 {
		t.Error("degraded cycles should be counted")
	}

	store.fail = nil
	if _, err := engine.Ingest(ctx, "behavior", IngestEvent{EventType: "x"}); err != nil {
		t.Fatalf("engine should recover once the store does: %v", err)
	}
}

// TestEngine_SetRulesHotSwap verifies rule reloads validate and take effect.
func TestEngine_SetRulesHotSwap(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultRules())

	replacement := []*Rule{{
		Name:       "Only Rule",
		Conditions: []Condition{{Layer: string(LayerBehavior), EventType: "boom"}},
		TimeWindow: time.Minute,
		Action:     "investigate",
		Priority:   "low",
	}}
	if err := engine.SetRules(replacement); err != nil {
		t.Fatalf("SetRules: %v", err)
	}
	if len(engine.Rules()) != 1 {
		t.Errorf("want 1 active rule, got %d", len(engine.Rules()))
	}

	bad := []*Rule{{Name: "Broken", TimeWindow: time.Minute}}
	if err := engine.SetRules(bad); !errors.Is(err, rules.ErrRuleLoad) {
		t.Errorf("invalid rule set must be rejected with ErrRuleLoad, got %v", err)
	}
	if len(engine.Rules()) != 1 {
		t.Error("failed reload must keep the previous rule set")
	}
}

// TestEngine_NotifierReceivesEmissions verifies the notifier sees exactly the
// emitted correlations.
func TestEngine_NotifierReceivesEmissions(t *testing.T) {
	var got []*CorrelationEvent
	store := &testStore{}
	engine, err := NewEngine(store, DefaultRules(), time.Hour,
		func(_ context.Context, ce *CorrelationEvent) { got = append(got, ce) },
		zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	base := time.Now().UTC()
	engine.Ingest(ctx, "skill_scanner", IngestEvent{EventType: "skill_installed", Timestamp: base})
	engine.Ingest(ctx, "prompt_filter", IngestEvent{EventType: "fragment_detected", Timestamp: base.Add(time.Minute)})

	if len(got) != 1 {
		t.Fatalf("notifier should see one emission, got %d", len(got))
	}
	if stats := engine.Stats(); stats.Emitted != 1 || stats.Ingested != 2 {
		t.Errorf("stats mismatch: %+v", stats)
	}
}

// TestConfidence_Monotonic verifies more satisfied conditions never lower
// the confidence score.
func TestConfidence_Monotonic(t *testing.T) {
	rule := &Rule{
		Name:       "r",
		Conditions: []Condition{{Layer: "behavior"}, {Layer: "integrity"}, {Layer: "prompt_filter"}},
		TimeWindow: time.Hour,
		Action:     "investigate",
		Priority:   "low",
	}
	now := time.Now()
	matched := []*LayerEvent{
		{ID: "1", Timestamp: now},
		{ID: "2", Timestamp: now.Add(time.Minute)},
	}

	prev := 0.0
	for satisfied := 1; satisfied <= 3; satisfied++ {
		c := confidence(rule, matched, satisfied)
		if c < 0 || c > 1 {
			t.Fatalf("confidence out of [0,1]: %f", c)
		}
		if c < prev {
			t.Errorf("confidence decreased from %f to %f at satisfied=%d", prev, c, satisfied)
		}
		prev = c
	}
}
