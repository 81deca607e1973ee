package rules

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Vulnerability describes a known-bad dependency version range.
type Vulnerability struct {
	Name          string   `yaml:"name" json:"name"`
	Ecosystem     string   `yaml:"ecosystem" json:"ecosystem"` // npm, pypi
	AffectedRange string   `yaml:"affected_range" json:"affected_range"`
	Severity      Severity `yaml:"severity" json:"severity"`
	Description   string   `yaml:"description" json:"description"`
	Fix           string   `yaml:"fix" json:"fix"`

	constraint *semver.Constraints
}

// compile parses the affected range into a semver constraint.
func (v *Vulnerability) compile() error {
	c, err := semver.NewConstraint(v.AffectedRange)
	if err != nil {
		return fmt.Errorf("vulnerability %s: bad range %q: %w", v.Name, v.AffectedRange, err)
	}
	v.constraint = c
	return nil
}

// Affects reports whether the given version string falls in the affected
// range. Unparseable versions are treated as not affected; the caller is
// expected to surface them as manifest diagnostics.
func (v *Vulnerability) Affects(version string) (bool, error) {
	ver, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("version %q: %w", version, err)
	}
	return v.constraint.Check(ver), nil
}

// defaultVulnerabilities is the built-in advisory table.
func defaultVulnerabilities() []*Vulnerability {
	return []*Vulnerability{
		{
			Name:          "lodash",
			Ecosystem:     "npm",
			AffectedRange: "< 4.17.21",
			Severity:      SeverityHigh,
			Description:   "Prototype pollution in zipObjectDeep (CVE-2020-8203)",
			Fix:           "upgrade to 4.17.21",
		},
		{
			Name:          "minimist",
			Ecosystem:     "npm",
			AffectedRange: "< 1.2.6",
			Severity:      SeverityMedium,
			Description:   "Prototype pollution via constructor args (CVE-2021-44906)",
			Fix:           "upgrade to 1.2.6",
		},
		{
			Name:          "node-fetch",
			Ecosystem:     "npm",
			AffectedRange: "< 2.6.7",
			Severity:      SeverityMedium,
			Description:   "Exposure of sensitive headers on redirect (CVE-2022-0235)",
			Fix:           "upgrade to 2.6.7",
		},
		{
			Name:          "pyyaml",
			Ecosystem:     "pypi",
			AffectedRange: "< 5.4.0",
			Severity:      SeverityCritical,
			Description:   "Arbitrary code execution via full_load (CVE-2020-14343)",
			Fix:           "upgrade to 5.4",
		},
		{
			Name:          "requests",
			Ecosystem:     "pypi",
			AffectedRange: "< 2.31.0",
			Severity:      SeverityMedium,
			Description:   "Proxy-Authorization header leak to HTTPS origin (CVE-2023-32681)",
			Fix:           "upgrade to 2.31.0",
		},
		{
			Name:          "pillow",
			Ecosystem:     "pypi",
			AffectedRange: "< 9.3.0",
			Severity:      SeverityHigh,
			Description:   "Out-of-bounds read in ImageFont (CVE-2022-45199)",
			Fix:           "upgrade to 9.3.0",
		},
	}
}
