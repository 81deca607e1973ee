// Package sbom derives a software bill of materials from dependency
// manifests found under a project root.
package sbom

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/agentguard/internal/scanner"
)

// ComponentType distinguishes the project itself from its dependencies.
type ComponentType string

const (
	TypeApplication ComponentType = "application"
	TypeLibrary     ComponentType = "library"
)

// Component is one inventory entry.
type Component struct {
	Type       ComponentType `json:"type"`
	Name       string        `json:"name"`
	Version    string        `json:"version"`
	License    string        `json:"license,omitempty"`
	PackageURL string        `json:"package_url"`
}

// SBOM is a CycloneDX-like component inventory document.
type SBOM struct {
	SpecVersion  string      `json:"specVersion"`
	SerialNumber string      `json:"serialNumber"`
	Timestamp    time.Time   `json:"timestamp"`
	Components   []Component `json:"components"`
}

// SpecVersion is the envelope version emitted by this generator.
const SpecVersion = "1.5"

// Generate walks manifests under root and emits exactly one application
// component for the project plus one library component per distinct declared
// dependency. Re-running on unchanged input yields identical components;
// serial number and timestamp differ per invocation.
func Generate(root string) (*SBOM, error) {
	manifests, err := scanner.Manifests(root)
	if err != nil {
		return nil, fmt.Errorf("collecting manifests: %w", err)
	}

	doc := &SBOM{
		SpecVersion:  SpecVersion,
		SerialNumber: "urn:uuid:" + uuid.NewString(),
		Timestamp:    time.Now().UTC(),
	}

	appName := filepath.Base(filepath.Clean(root))
	appVersion := "0.0.0"
	type libKey struct{ eco, name, version string }
	seen := make(map[libKey]bool)
	var libs []Component

	for _, m := range manifests {
		if m.Name != "" {
			appName = m.Name
			if m.Version != "" {
				appVersion = m.Version
			}
		}
		for name, version := range m.Deps {
			key := libKey{m.Ecosystem, name, version}
			if seen[key] {
				continue
			}
			seen[key] = true
			libs = append(libs, Component{
				Type:       TypeLibrary,
				Name:       name,
				Version:    version,
				PackageURL: purl(m.Ecosystem, name, version),
			})
		}
	}

	sort.Slice(libs, func(i, j int) bool {
		if libs[i].Name != libs[j].Name {
			return libs[i].Name < libs[j].Name
		}
		return libs[i].Version < libs[j].Version
	})

	doc.Components = append([]Component{{
		Type:       TypeApplication,
		Name:       appName,
		Version:    appVersion,
		PackageURL: purl("generic", appName, appVersion),
	}}, libs...)

	return doc, nil
}

// purl builds a package-URL style identifier.
func purl(ecosystem, name, version string) string {
	return fmt.Sprintf("pkg:%s/%s@%s", ecosystem, name, version)
}
