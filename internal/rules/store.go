package rules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrRuleLoad indicates the rule set could not be loaded. A broken rule set
// invalidates detection guarantees, so load failures are fatal and partial
// sets are never used.
var ErrRuleLoad = errors.New("rule load failed")

// Store is the immutable rule store shared by the scanner. It is read-only
// after Load and safe for concurrent use without locking.
type Store struct {
	patterns        []*ThreatPattern
	secretPatterns  []*ThreatPattern
	vulnerabilities []*Vulnerability
}

// patternOverlay is the YAML file shape for pattern overlays.
type patternOverlay struct {
	Patterns []*ThreatPattern `yaml:"patterns"`
	Secrets  []*ThreatPattern `yaml:"secrets"`
	Vulns    []*Vulnerability `yaml:"vulnerabilities"`
}

// Load builds a rule store from built-in defaults plus an optional overlay
// directory of YAML files. Overlay entries with an ID matching a built-in
// replace it; duplicate IDs within one load are rejected.
func Load(overlayDir string) (*Store, error) {
	s := &Store{
		patterns:        defaultThreatPatterns(),
		secretPatterns:  defaultSecretPatterns(),
		vulnerabilities: defaultVulnerabilities(),
	}

	if overlayDir != "" {
		if err := s.loadOverlay(overlayDir); err != nil {
			return nil, err
		}
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadOverlay(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: reading overlay dir: %v", ErrRuleLoad, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("%w: reading %s: %v", ErrRuleLoad, name, err)
		}

		var overlay patternOverlay
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return fmt.Errorf("%w: parsing %s: %v", ErrRuleLoad, name, err)
		}

		s.patterns = mergePatterns(s.patterns, overlay.Patterns)
		s.secretPatterns = mergePatterns(s.secretPatterns, overlay.Secrets)
		s.vulnerabilities = mergeVulns(s.vulnerabilities, overlay.Vulns)
	}
	return nil
}

// mergePatterns overlays user patterns onto the base set, replacing by ID.
func mergePatterns(base, overlay []*ThreatPattern) []*ThreatPattern {
	if len(overlay) == 0 {
		return base
	}
	byID := make(map[string]int, len(base))
	for i, p := range base {
		byID[p.ID] = i
	}
	for _, p := range overlay {
		if i, ok := byID[p.ID]; ok {
			base[i] = p
			continue
		}
		byID[p.ID] = len(base)
		base = append(base, p)
	}
	return base
}

func mergeVulns(base, overlay []*Vulnerability) []*Vulnerability {
	if len(overlay) == 0 {
		return base
	}
	byName := make(map[string]int, len(base))
	for i, v := range base {
		byName[v.Name] = i
	}
	for _, v := range overlay {
		if i, ok := byName[v.Name]; ok {
			base[i] = v
			continue
		}
		byName[v.Name] = len(base)
		base = append(base, v)
	}
	return base
}

// validate compiles every matcher and enforces ID uniqueness and severity
// validity across the loaded set.
func (s *Store) validate() error {
	seen := make(map[string]bool)
	for _, set := range [][]*ThreatPattern{s.patterns, s.secretPatterns} {
		for _, p := range set {
			if p.ID == "" || p.Pattern == "" {
				return fmt.Errorf("%w: pattern missing id or pattern", ErrRuleLoad)
			}
			if seen[p.ID] {
				return fmt.Errorf("%w: duplicate pattern id %q", ErrRuleLoad, p.ID)
			}
			seen[p.ID] = true
			if !p.Severity.IsValid() {
				return fmt.Errorf("%w: pattern %q: invalid severity %q", ErrRuleLoad, p.ID, p.Severity)
			}
			if err := p.compile(); err != nil {
				return fmt.Errorf("%w: %v", ErrRuleLoad, err)
			}
		}
	}

	for _, v := range s.vulnerabilities {
		if v.Name == "" || v.AffectedRange == "" {
			return fmt.Errorf("%w: vulnerability missing name or range", ErrRuleLoad)
		}
		if !v.Severity.IsValid() {
			return fmt.Errorf("%w: vulnerability %s: invalid severity %q", ErrRuleLoad, v.Name, v.Severity)
		}
		if err := v.compile(); err != nil {
			return fmt.Errorf("%w: %v", ErrRuleLoad, err)
		}
	}
	return nil
}

// Patterns returns the loaded threat patterns.
func (s *Store) Patterns() []*ThreatPattern { return s.patterns }

// SecretPatterns returns the loaded secret patterns.
func (s *Store) SecretPatterns() []*ThreatPattern { return s.secretPatterns }

// Vulnerabilities returns the loaded advisory table.
func (s *Store) Vulnerabilities() []*Vulnerability { return s.vulnerabilities }

// Lookup returns vulnerabilities affecting the named package, if any.
func (s *Store) Lookup(name string) []*Vulnerability {
	var out []*Vulnerability
	lower := strings.ToLower(name)
	for _, v := range s.vulnerabilities {
		if strings.ToLower(v.Name) == lower {
			out = append(out, v)
		}
	}
	return out
}
