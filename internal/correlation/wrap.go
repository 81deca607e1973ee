package correlation

import (
	"github.com/lvonguyen/agentguard/internal/rules"
	"github.com/lvonguyen/agentguard/internal/scanner"
)

// highRiskThreshold is the project risk score at which a scan is reported as
// a malicious skill detection.
const highRiskThreshold = 70

// WrapFindings lifts a scan result into skill_scanner layer events: one
// per finding, plus a malicious_skill_detected event when the derived risk
// score crosses the high-risk threshold.
func WrapFindings(res *scanner.Result, agentID, sourceRepository string) []IngestEvent {
	events := make([]IngestEvent, 0, len(res.Issues)+1)

	for _, f := range res.Issues {
		events = append(events, IngestEvent{
			EventType: "finding",
			Severity:  f.Severity,
			AgentID:   agentID,
			Timestamp: res.Timestamp,
			Data: map[string]interface{}{
				"rule_id":   f.RuleID,
				"category":  f.Category,
				"file_path": f.FilePath,
				"line":      f.Line,
				"scan_path": res.Path,
			},
		})
	}

	if res.RiskScore >= highRiskThreshold {
		data := map[string]interface{}{
			"scan_path":  res.Path,
			"risk_score": res.RiskScore,
		}
		if sourceRepository != "" {
			data["source_repository"] = sourceRepository
		}
		sev := rules.SeverityHigh
		if res.RiskScore >= 90 {
			sev = rules.SeverityCritical
		}
		events = append(events, IngestEvent{
			EventType: "malicious_skill_detected",
			Severity:  sev,
			AgentID:   agentID,
			Timestamp: res.Timestamp,
			Data:      data,
		})
	}

	return events
}
