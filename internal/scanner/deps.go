package scanner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Manifest is a parsed dependency manifest: a name -> version mapping plus
// where it came from.
type Manifest struct {
	Path      string // relative to the scan root
	Ecosystem string // npm, pypi
	Name      string // project name, if declared
	Version   string
	Deps      map[string]string
}

// packageJSON is the subset of package.json we care about.
type packageJSON struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// requirementPin matches "name==1.2.3" and "name>=1.2.3" style lines.
var requirementPin = regexp.MustCompile(`^([A-Za-z0-9._-]+)\s*(?:==|>=|~=)\s*([0-9][0-9A-Za-z.\-+]*)`)

// findManifests locates dependency manifests under root.
func findManifests(root string, skipDirs map[string]bool) ([]string, error) {
	var found []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		switch d.Name() {
		case "package.json", "requirements.txt":
			found = append(found, path)
		}
		return nil
	})
	return found, err
}

// parseManifest reads one manifest file into a name -> version mapping.
func parseManifest(root, path string) (*Manifest, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}

	switch filepath.Base(path) {
	case "package.json":
		var pkg packageJSON
		if err := json.Unmarshal(data, &pkg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", rel, err)
		}
		m := &Manifest{
			Path:      rel,
			Ecosystem: "npm",
			Name:      pkg.Name,
			Version:   pkg.Version,
			Deps:      make(map[string]string),
		}
		for name, ver := range pkg.Dependencies {
			m.Deps[name] = cleanVersion(ver)
		}
		for name, ver := range pkg.DevDependencies {
			m.Deps[name] = cleanVersion(ver)
		}
		return m, nil

	case "requirements.txt":
		m := &Manifest{
			Path:      rel,
			Ecosystem: "pypi",
			Deps:      make(map[string]string),
		}
		sc := bufio.NewScanner(strings.NewReader(string(data)))
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
				continue
			}
			if match := requirementPin.FindStringSubmatch(line); match != nil {
				m.Deps[strings.ToLower(match[1])] = match[2]
			}
		}
		return m, nil
	}

	return nil, fmt.Errorf("unsupported manifest %s", rel)
}

// cleanVersion strips npm range prefixes so the pinned base version can be
// compared against advisory ranges.
func cleanVersion(v string) string {
	return strings.TrimLeft(v, "^~=v ")
}

// defaultManifestSkipDirs bounds standalone manifest walks.
var defaultManifestSkipDirs = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true, "vendor": true, ".venv": true,
}

// Manifests parses every dependency manifest under root. Used by the SBOM
// generator, which reuses the extractor without the rest of the scanner.
func Manifests(root string) ([]*Manifest, error) {
	paths, err := findManifests(root, defaultManifestSkipDirs)
	if err != nil {
		return nil, err
	}
	var out []*Manifest
	for _, path := range paths {
		m, err := parseManifest(root, path)
		if err != nil {
			// Malformed manifests are diagnostics, not fatal.
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// dependencyPass audits every manifest dependency against the advisory
// table. Malformed manifests and unparseable versions become skips, not scan
// failures.
func (s *Scanner) dependencyPass(root string, res *Result) {
	paths, err := findManifests(root, s.skipDirs)
	if err != nil {
		res.Skipped = append(res.Skipped, Skipped{Path: root, Reason: "manifest walk: " + err.Error()})
		return
	}

	for _, path := range paths {
		m, err := parseManifest(root, path)
		if err != nil {
			res.Skipped = append(res.Skipped, Skipped{Path: path, Reason: err.Error()})
			continue
		}
		for name, version := range m.Deps {
			for _, vuln := range s.rules.Lookup(name) {
				if vuln.Ecosystem != "" && vuln.Ecosystem != m.Ecosystem {
					continue
				}
				affected, err := vuln.Affects(version)
				if err != nil {
					res.Skipped = append(res.Skipped, Skipped{
						Path:   m.Path,
						Reason: fmt.Sprintf("dependency %s: %v", name, err),
					})
					continue
				}
				if affected {
					res.Issues = append(res.Issues, Finding{
						RuleID:   "vuln-" + name,
						Severity: vuln.Severity,
						Description: fmt.Sprintf("%s %s is vulnerable: %s (fix: %s)",
							name, version, vuln.Description, vuln.Fix),
						FilePath: m.Path,
						Line:     0,
						Category: "vulnerable_dependency",
					})
				}
			}
		}
	}
}
