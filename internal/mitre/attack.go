// Package mitre maps AgentGuard finding categories and layer event types
// onto MITRE ATT&CK techniques and tactics.
package mitre

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Technique represents a MITRE ATT&CK technique.
type Technique struct {
	ID      string   `json:"id"`   // e.g., "T1059"
	Name    string   `json:"name"` // e.g., "Command and Scripting Interpreter"
	Tactics []string `json:"tactics"`
	URL     string   `json:"url"`
}

// Tactic represents a MITRE ATT&CK tactic.
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0002"
	Name      string `json:"name"`       // e.g., "Execution"
	ShortName string `json:"short_name"` // e.g., "execution"
	URL       string `json:"url"`
}

// Mapping ties a finding category to a technique.
type Mapping struct {
	Category      string  `json:"category"`
	TechniqueID   string  `json:"technique_id"`
	TechniqueName string  `json:"technique_name"`
	TacticID      string  `json:"tactic_id"`
	TacticName    string  `json:"tactic_name"`
	Confidence    float64 `json:"confidence"` // 0.0 - 1.0
}

// AttackFramework resolves categories and event types to techniques.
type AttackFramework struct {
	mu         sync.RWMutex
	techniques map[string]*Technique
	tactics    map[string]*Tactic
	byCategory map[string][]Mapping
}

// NewAttackFramework builds the framework with the built-in mappings.
func NewAttackFramework() *AttackFramework {
	af := &AttackFramework{
		techniques: make(map[string]*Technique),
		tactics:    make(map[string]*Tactic),
		byCategory: make(map[string][]Mapping),
	}
	af.initializeTechniques()
	af.initializeTactics()
	af.initializeCategoryMappings()
	return af
}

// MapCategory returns the technique mappings for one finding category.
func (af *AttackFramework) MapCategory(category string) []Mapping {
	af.mu.RLock()
	defer af.mu.RUnlock()
	return af.byCategory[strings.ToLower(category)]
}

// Techniques returns the deduplicated technique IDs covering the given
// categories, in first-seen order. Satisfies the alert dispatcher's mapper
// contract.
func (af *AttackFramework) Techniques(categories []string) []string {
	af.mu.RLock()
	defer af.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, cat := range categories {
		for _, m := range af.byCategory[strings.ToLower(cat)] {
			if !seen[m.TechniqueID] {
				seen[m.TechniqueID] = true
				out = append(out, m.TechniqueID)
			}
		}
	}
	return out
}

// Mappings returns every category mapping, ordered by category.
func (af *AttackFramework) Mappings() []Mapping {
	af.mu.RLock()
	defer af.mu.RUnlock()

	categories := make([]string, 0, len(af.byCategory))
	for c := range af.byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var out []Mapping
	for _, c := range categories {
		out = append(out, af.byCategory[c]...)
	}
	return out
}

// GetTechnique returns a technique by ID.
func (af *AttackFramework) GetTechnique(id string) (*Technique, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.techniques[strings.ToUpper(id)]
	return t, ok
}

// GetTactic returns a tactic by ID or short name.
func (af *AttackFramework) GetTactic(id string) (*Tactic, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.tactics[strings.ToLower(id)]
	return t, ok
}

func (af *AttackFramework) initializeTechniques() {
	techniques := []*Technique{
		{ID: "T1059", Name: "Command and Scripting Interpreter", Tactics: []string{"execution"}},
		{ID: "T1059.006", Name: "Python", Tactics: []string{"execution"}},
		{ID: "T1552", Name: "Unsecured Credentials", Tactics: []string{"credential-access"}},
		{ID: "T1552.001", Name: "Credentials In Files", Tactics: []string{"credential-access"}},
		{ID: "T1552.004", Name: "Private Keys", Tactics: []string{"credential-access"}},
		{ID: "T1071", Name: "Application Layer Protocol", Tactics: []string{"command-and-control"}},
		{ID: "T1041", Name: "Exfiltration Over C2 Channel", Tactics: []string{"exfiltration"}},
		{ID: "T1027", Name: "Obfuscated Files or Information", Tactics: []string{"defense-evasion"}},
		{ID: "T1195", Name: "Supply Chain Compromise", Tactics: []string{"initial-access"}},
		{ID: "T1195.001", Name: "Compromise Software Dependencies and Development Tools", Tactics: []string{"initial-access"}},
		{ID: "T1222", Name: "File and Directory Permissions Modification", Tactics: []string{"defense-evasion"}},
		{ID: "T1565", Name: "Data Manipulation", Tactics: []string{"impact"}},
		{ID: "T1115", Name: "Clipboard Data", Tactics: []string{"collection"}},
		{ID: "T1056.001", Name: "Keylogging", Tactics: []string{"collection", "credential-access"}},
		{ID: "T1005", Name: "Data from Local System", Tactics: []string{"collection"}},
		{ID: "T1204", Name: "User Execution", Tactics: []string{"execution"}},
	}
	for _, t := range techniques {
		t.URL = fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(t.ID, ".", "/"))
		af.techniques[t.ID] = t
	}
}

func (af *AttackFramework) initializeTactics() {
	tactics := []*Tactic{
		{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "TA0002", Name: "Execution", ShortName: "execution"},
		{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0009", Name: "Collection", ShortName: "collection"},
		{ID: "TA0010", Name: "Exfiltration", ShortName: "exfiltration"},
		{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
		{ID: "TA0040", Name: "Impact", ShortName: "impact"},
	}
	for _, t := range tactics {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		af.tactics[t.ShortName] = t
		af.tactics[strings.ToLower(t.ID)] = t
	}
}

func (af *AttackFramework) initializeCategoryMappings() {
	add := func(category, techniqueID, tacticID string, confidence float64) {
		tech := af.techniques[techniqueID]
		tac := af.tactics[strings.ToLower(tacticID)]
		af.byCategory[category] = append(af.byCategory[category], Mapping{
			Category:      category,
			TechniqueID:   tech.ID,
			TechniqueName: tech.Name,
			TacticID:      tac.ID,
			TacticName:    tac.Name,
			Confidence:    confidence,
		})
	}

	add("code_execution", "T1059", "TA0002", 0.8)
	add("code_execution", "T1204", "TA0002", 0.5)
	add("credential_access", "T1552.001", "TA0006", 0.8)
	add("secret", "T1552.001", "TA0006", 0.8)
	add("secret", "T1552.004", "TA0006", 0.6)
	add("network_activity", "T1041", "TA0010", 0.6)
	add("network_activity", "T1071", "TA0011", 0.7)
	add("file_escape", "T1005", "TA0009", 0.6)
	add("obfuscation", "T1027", "TA0005", 0.8)
	add("data_collection", "T1115", "TA0009", 0.7)
	add("data_collection", "T1056.001", "TA0006", 0.7)
	add("vulnerable_dependency", "T1195.001", "TA0001", 0.6)
	add("permissions", "T1222", "TA0005", 0.5)
	add("signing", "T1565", "TA0040", 0.7)
}

// ExportMappingsToJSON renders mappings for API responses.
func ExportMappingsToJSON(mappings []Mapping) ([]byte, error) {
	return json.MarshalIndent(mappings, "", "  ")
}
