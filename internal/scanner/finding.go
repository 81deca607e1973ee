// Package scanner implements the static scanner: it walks a file tree,
// applies the rule store's pattern, secret, dependency, permission, and
// signing passes, and produces a scored scan result.
package scanner

import (
	"sort"
	"time"

	"github.com/lvonguyen/agentguard/internal/rules"
)

// Finding is a single rule match emitted by a scan pass. Immutable once
// emitted; owned by the scan result.
type Finding struct {
	RuleID      string         `json:"rule_id"`
	Severity    rules.Severity `json:"severity"`
	Description string         `json:"description"`
	FilePath    string         `json:"file_path"` // relative to the scan root
	Line        int            `json:"line"`      // 1-based, 0 if not line-addressable
	Category    string         `json:"category"`
	Excerpt     string         `json:"excerpt,omitempty"` // matched text; omitted for secret matches
}

// Skipped records a file or manifest that could not be processed. Skips are
// reported, never silently dropped.
type Skipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Summary aggregates findings by severity and category.
type Summary struct {
	Total      int            `json:"total"`
	Critical   int            `json:"critical"`
	High       int            `json:"high"`
	Medium     int            `json:"medium"`
	Low        int            `json:"low"`
	Categories map[string]int `json:"categories"`
}

// Result is the terminal output of one scan invocation.
type Result struct {
	Timestamp  time.Time         `json:"timestamp"`
	Path       string            `json:"path"`
	Issues     []Finding         `json:"issues"`
	Summary    Summary           `json:"summary"`
	RiskScore  int               `json:"risk_score"`
	FileHashes map[string]string `json:"file_hashes,omitempty"` // relative path -> sha256
	Skipped    []Skipped         `json:"skipped,omitempty"`
	Incomplete bool              `json:"incomplete,omitempty"`
}

// HasCritical reports whether any CRITICAL finding exists, for the
// fail-on-critical CI exit convention.
func (r *Result) HasCritical() bool {
	return r.Summary.Critical > 0
}

// finalize sorts findings deterministically and computes the summary and the
// derived 0-100 risk score (weighted severity counts, capped).
func (r *Result) finalize() {
	sort.Slice(r.Issues, func(i, j int) bool {
		a, b := r.Issues[i], r.Issues[j]
		if a.FilePath != b.FilePath {
			return a.FilePath < b.FilePath
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.RuleID < b.RuleID
	})

	r.Summary = Summary{Categories: make(map[string]int)}
	score := 0
	for _, f := range r.Issues {
		r.Summary.Total++
		r.Summary.Categories[f.Category]++
		switch f.Severity {
		case rules.SeverityCritical:
			r.Summary.Critical++
		case rules.SeverityHigh:
			r.Summary.High++
		case rules.SeverityMedium:
			r.Summary.Medium++
		case rules.SeverityLow:
			r.Summary.Low++
		}
		score += f.Severity.Weight()
	}
	if score > 100 {
		score = 100
	}
	r.RiskScore = score
}
