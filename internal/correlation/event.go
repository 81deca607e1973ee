// Package correlation implements the cross-layer correlation engine: it
// ingests timestamped events from the detection layers and matches them
// against declarative rules with time-window and multiplicity constraints to
// emit composite incidents with confidence scores.
package correlation

import (
	"fmt"
	"time"

	"github.com/lvonguyen/agentguard/internal/rules"
)

// Layer identifies a detection layer.
type Layer string

const (
	LayerSkillScanner     Layer = "skill_scanner"
	LayerPromptFilter     Layer = "prompt_filter"
	LayerBehavior         Layer = "behavior"
	LayerIntegrity        Layer = "integrity"
	LayerExternalExposure Layer = "external_exposure"
)

// Layers lists every defined detection layer.
var Layers = []Layer{
	LayerSkillScanner,
	LayerPromptFilter,
	LayerBehavior,
	LayerIntegrity,
	LayerExternalExposure,
}

// IsValid checks if the layer is a defined value.
func (l Layer) IsValid() bool {
	switch l {
	case LayerSkillScanner, LayerPromptFilter, LayerBehavior, LayerIntegrity, LayerExternalExposure:
		return true
	}
	return false
}

// ParseLayer validates a layer name from an ingest request.
func ParseLayer(s string) (Layer, error) {
	l := Layer(s)
	if !l.IsValid() {
		return "", fmt.Errorf("unknown layer %q", s)
	}
	return l, nil
}

// LayerEvent is a timestamped security-relevant observation from one
// detection layer. Appended once to the event store, never mutated.
type LayerEvent struct {
	ID        string                 `json:"id"`
	Layer     Layer                  `json:"layer"`
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	Severity  rules.Severity         `json:"severity"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Field returns a string payload field, or "".
func (e *LayerEvent) Field(key string) string {
	if e.Data == nil {
		return ""
	}
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

// CorrelationEvent is a composite incident formed by matching a rule against
// a set of LayerEvents. Immutable; consumed by the alert sink.
type CorrelationEvent struct {
	ID                string        `json:"id"`
	Timestamp         time.Time     `json:"timestamp"`
	AgentID           string        `json:"agent_id,omitempty"`
	RuleName          string        `json:"rule_name"`
	MatchedEvents     []*LayerEvent `json:"matched_events"`
	Confidence        float64       `json:"confidence"`
	RecommendedAction string        `json:"recommended_action"`
	Priority          string        `json:"priority"`
}
