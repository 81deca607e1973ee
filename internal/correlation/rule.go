package correlation

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/agentguard/internal/rules"
)

// Condition constrains events from one layer. A condition is satisfied when
// at least CountThreshold qualifying events exist in the rule's window,
// optionally grouped by CorrelationKey and requiring MinAgents distinct
// agent IDs within one group.
type Condition struct {
	Layer          string   `yaml:"layer" json:"layer" validate:"required"`
	EventType      string   `yaml:"event_type" json:"event_type,omitempty"`
	Keywords       []string `yaml:"keywords" json:"keywords,omitempty"`
	Pattern        string   `yaml:"pattern" json:"pattern,omitempty"`
	CountThreshold int      `yaml:"count_threshold" json:"count_threshold,omitempty" validate:"min=0"`
	CorrelationKey string   `yaml:"correlation_key" json:"correlation_key,omitempty"`
	MinAgents      int      `yaml:"min_agents" json:"min_agents,omitempty" validate:"min=0"`

	re *regexp.Regexp
}

// Rule is a declarative correlation rule. Immutable after load.
type Rule struct {
	Name        string        `yaml:"name" json:"name" validate:"required"`
	Description string        `yaml:"description" json:"description"`
	Conditions  []Condition   `yaml:"conditions" json:"conditions" validate:"required,min=1,dive"`
	MinMatching int           `yaml:"min_matching_conditions" json:"min_matching_conditions,omitempty" validate:"min=0"`
	TimeWindow  time.Duration `yaml:"time_window" json:"time_window" validate:"required"`
	Action      string        `yaml:"action" json:"action" validate:"required"`
	Priority    string        `yaml:"priority" json:"priority" validate:"required,oneof=low medium high critical"`
}

// UnmarshalYAML decodes a rule with a human-readable time window ("30m",
// "24h") instead of raw nanoseconds.
func (r *Rule) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name        string      `yaml:"name"`
		Description string      `yaml:"description"`
		Conditions  []Condition `yaml:"conditions"`
		MinMatching int         `yaml:"min_matching_conditions"`
		TimeWindow  string      `yaml:"time_window"`
		Action      string      `yaml:"action"`
		Priority    string      `yaml:"priority"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	r.Name = raw.Name
	r.Description = raw.Description
	r.Conditions = raw.Conditions
	r.MinMatching = raw.MinMatching
	r.Action = raw.Action
	r.Priority = raw.Priority
	if raw.TimeWindow != "" {
		d, err := time.ParseDuration(raw.TimeWindow)
		if err != nil {
			return fmt.Errorf("rule %q: invalid time_window %q: %w", raw.Name, raw.TimeWindow, err)
		}
		r.TimeWindow = d
	}
	return nil
}

// minMatching resolves the default: all conditions must match.
func (r *Rule) minMatching() int {
	if r.MinMatching <= 0 || r.MinMatching > len(r.Conditions) {
		return len(r.Conditions)
	}
	return r.MinMatching
}

// ruleFile is the YAML shape of a correlation rule overlay file.
type ruleFile struct {
	Rules []*Rule `yaml:"rules"`
}

var ruleValidator = validator.New()

// ValidateRules checks a rule set at load time. A malformed rule or a rule
// referencing an unknown layer rejects the whole set; partial rule sets are
// never used.
func ValidateRules(set []*Rule) error {
	seen := make(map[string]bool, len(set))
	for _, r := range set {
		if err := ruleValidator.Struct(r); err != nil {
			return fmt.Errorf("%w: rule %q: %v", rules.ErrRuleLoad, r.Name, err)
		}
		if seen[r.Name] {
			return fmt.Errorf("%w: duplicate rule name %q", rules.ErrRuleLoad, r.Name)
		}
		seen[r.Name] = true
		if r.MinMatching > len(r.Conditions) {
			return fmt.Errorf("%w: rule %q: min_matching_conditions %d exceeds %d conditions",
				rules.ErrRuleLoad, r.Name, r.MinMatching, len(r.Conditions))
		}
		for i := range r.Conditions {
			c := &r.Conditions[i]
			if !Layer(c.Layer).IsValid() {
				return fmt.Errorf("%w: rule %q: unknown layer %q", rules.ErrRuleLoad, r.Name, c.Layer)
			}
			if c.MinAgents > 0 && c.CorrelationKey == "" {
				return fmt.Errorf("%w: rule %q: min_agents requires correlation_key", rules.ErrRuleLoad, r.Name)
			}
			if c.Pattern != "" {
				re, err := regexp.Compile("(?i)" + c.Pattern)
				if err != nil {
					return fmt.Errorf("%w: rule %q: bad pattern: %v", rules.ErrRuleLoad, r.Name, err)
				}
				c.re = re
			}
		}
	}
	return nil
}

// LoadRules returns the built-in correlation rules merged with YAML overlays
// from dir (merged by name, overlay wins). The returned set is validated;
// callers must treat an error as fatal.
func LoadRules(dir string) ([]*Rule, error) {
	set := DefaultRules()

	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: reading rule dir: %v", rules.ErrRuleLoad, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return nil, fmt.Errorf("%w: reading %s: %v", rules.ErrRuleLoad, name, err)
			}
			var f ruleFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				return nil, fmt.Errorf("%w: parsing %s: %v", rules.ErrRuleLoad, name, err)
			}
			set = mergeRules(set, f.Rules)
		}
	}

	if err := ValidateRules(set); err != nil {
		return nil, err
	}
	return set, nil
}

func mergeRules(base, overlay []*Rule) []*Rule {
	if len(overlay) == 0 {
		return base
	}
	byName := make(map[string]int, len(base))
	for i, r := range base {
		byName[r.Name] = i
	}
	for _, r := range overlay {
		if i, ok := byName[r.Name]; ok {
			base[i] = r
			continue
		}
		byName[r.Name] = len(base)
		base = append(base, r)
	}
	return base
}

// DefaultRules is the built-in correlation rule set.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			Name:        "Persistent Attacker",
			Description: "Repeated injection attempts from the same source in a short window",
			Conditions: []Condition{
				{
					Layer:          string(LayerPromptFilter),
					EventType:      "injection_blocked",
					CountThreshold: 3,
					CorrelationKey: "source",
				},
			},
			TimeWindow: 30 * time.Minute,
			Action:     "block_source",
			Priority:   "high",
		},
		{
			Name:        "Malicious Skill Chain",
			Description: "A skill installation followed by injected prompt fragments",
			Conditions: []Condition{
				{Layer: string(LayerSkillScanner), EventType: "skill_installed"},
				{Layer: string(LayerPromptFilter), EventType: "fragment_detected"},
			},
			TimeWindow: 60 * time.Minute,
			Action:     "quarantine_skill",
			Priority:   "critical",
		},
		{
			Name:        "Coordinated Campaign",
			Description: "Malicious skills from one repository hitting multiple agents",
			Conditions: []Condition{
				{
					Layer:          string(LayerSkillScanner),
					EventType:      "malicious_skill_detected",
					CorrelationKey: "source_repository",
					MinAgents:      3,
				},
			},
			TimeWindow: 24 * time.Hour,
			Action:     "block_repository",
			Priority:   "critical",
		},
		{
			Name:        "Tamper and Exfiltrate",
			Description: "File tampering with outbound activity or new exposure",
			Conditions: []Condition{
				{Layer: string(LayerIntegrity), EventType: "file_modified"},
				{Layer: string(LayerBehavior), EventType: "network_call"},
				{Layer: string(LayerExternalExposure), EventType: "endpoint_exposed"},
			},
			MinMatching: 2,
			TimeWindow:  60 * time.Minute,
			Action:      "isolate_agent",
			Priority:    "high",
		},
	}
}
