package correlation

import (
	"testing"
	"time"

	"github.com/lvonguyen/agentguard/internal/rules"
	"github.com/lvonguyen/agentguard/internal/scanner"
)

// TestWrapFindings_LowRisk verifies each finding becomes one event and no
// detection event is added below the risk threshold.
func TestWrapFindings_LowRisk(t *testing.T) {
	res := &scanner.Result{
		Timestamp: time.Now().UTC(),
		Path:      "/skills/demo",
		Issues: []scanner.Finding{
			{RuleID: "eval-usage", Severity: rules.SeverityHigh, FilePath: "a.js", Line: 3, Category: "code_execution"},
		},
		RiskScore: 15,
	}

	events := WrapFindings(res, "agent-1", "")
	if len(events) != 1 {
		t.Fatalf("want 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.EventType != "finding" || ev.AgentID != "agent-1" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Data["rule_id"] != "eval-usage" || ev.Data["file_path"] != "a.js" {
		t.Errorf("finding payload incomplete: %+v", ev.Data)
	}
}

// TestWrapFindings_HighRiskAddsDetection verifies the detection event above
// the threshold, with severity escalating at 90.
func TestWrapFindings_HighRiskAddsDetection(t *testing.T) {
	tests := []struct {
		riskScore int
		wantSev   rules.Severity
	}{
		{70, rules.SeverityHigh},
		{89, rules.SeverityHigh},
		{90, rules.SeverityCritical},
		{100, rules.SeverityCritical},
	}

	for _, tt := range tests {
		res := &scanner.Result{
			Timestamp: time.Now().UTC(),
			Path:      "/skills/demo",
			RiskScore: tt.riskScore,
		}
		events := WrapFindings(res, "agent-1", "github.com/evil/skills")
		if len(events) != 1 {
			t.Fatalf("risk %d: want the detection event, got %d events", tt.riskScore, len(events))
		}
		ev := events[0]
		if ev.EventType != "malicious_skill_detected" {
			t.Errorf("risk %d: want malicious_skill_detected, got %s", tt.riskScore, ev.EventType)
		}
		if ev.Severity != tt.wantSev {
			t.Errorf("risk %d: want severity %s, got %s", tt.riskScore, tt.wantSev, ev.Severity)
		}
		if ev.Data["source_repository"] != "github.com/evil/skills" {
			t.Errorf("risk %d: source repository missing from payload", tt.riskScore)
		}
	}
}

// TestWrapFindings_BelowThresholdNoDetection verifies 69 stays quiet.
func TestWrapFindings_BelowThresholdNoDetection(t *testing.T) {
	res := &scanner.Result{Timestamp: time.Now().UTC(), RiskScore: 69}
	if events := WrapFindings(res, "agent-1", ""); len(events) != 0 {
		t.Errorf("risk 69 must not emit a detection event: %+v", events)
	}
}
