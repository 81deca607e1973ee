// Package rules holds the declarative detection rule store: lexical threat
// patterns, secret patterns, and the dependency vulnerability table. Rules
// are loaded once at startup and immutable for the lifetime of a scan.
package rules

import (
	"fmt"
	"regexp"
)

// ThreatPattern is a lexical detection rule applied to file content.
type ThreatPattern struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Pattern     string   `yaml:"pattern" json:"pattern"`
	Literal     bool     `yaml:"literal" json:"literal"`
	Severity    Severity `yaml:"severity" json:"severity"`
	Category    string   `yaml:"category" json:"category"`
	Description string   `yaml:"description" json:"description"`

	re *regexp.Regexp
}

// compile prepares the pattern matcher. Literal patterns are matched as
// case-insensitive substrings, everything else as a case-insensitive regexp.
func (p *ThreatPattern) compile() error {
	expr := p.Pattern
	if p.Literal {
		expr = regexp.QuoteMeta(expr)
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return fmt.Errorf("pattern %q: %w", p.ID, err)
	}
	p.re = re
	return nil
}

// Match reports whether the pattern matches the given line.
func (p *ThreatPattern) Match(line string) bool {
	return p.re != nil && p.re.MatchString(line)
}

// FindMatch returns the matched text, or "" if no match.
func (p *ThreatPattern) FindMatch(line string) string {
	if p.re == nil {
		return ""
	}
	return p.re.FindString(line)
}

// defaultThreatPatterns are the built-in detection rules. Categories and
// weights follow the AgentGuard threat signature set.
func defaultThreatPatterns() []*ThreatPattern {
	return []*ThreatPattern{
		// Code execution
		{
			ID:          "eval-usage",
			Name:        "Dynamic code evaluation",
			Pattern:     `\beval\s*\(`,
			Severity:    SeverityHigh,
			Category:    "code_execution",
			Description: "eval() executes arbitrary strings as code",
		},
		{
			ID:          "exec-usage",
			Name:        "Dynamic exec call",
			Pattern:     `\bexec\s*\(`,
			Severity:    SeverityHigh,
			Category:    "code_execution",
			Description: "exec() executes arbitrary strings as code",
		},
		{
			ID:          "os-system",
			Name:        "Shell command execution",
			Pattern:     `os\.system\s*\(|subprocess\.(run|call|Popen)|child_process`,
			Severity:    SeverityHigh,
			Category:    "code_execution",
			Description: "Spawns shell commands from agent code",
		},
		{
			ID:          "dynamic-import",
			Name:        "Dynamic module import",
			Pattern:     `__import__\s*\(|importlib\.|require\s*\(\s*[a-zA-Z_]`,
			Severity:    SeverityMedium,
			Category:    "code_execution",
			Description: "Loads modules chosen at runtime",
		},
		// Credential access
		{
			ID:          "env-harvest",
			Name:        "Environment variable harvesting",
			Pattern:     `os\.environ\b|os\.getenv\s*\(|process\.env\b`,
			Severity:    SeverityMedium,
			Category:    "credential_access",
			Description: "Reads process environment, a common secret source",
		},
		{
			ID:          "dotenv-read",
			Name:        "Dotenv file access",
			Pattern:     `load_dotenv|\.env\b`,
			Severity:    SeverityLow,
			Category:    "credential_access",
			Description: "Accesses .env credential files",
		},
		// Network activity
		{
			ID:          "outbound-http",
			Name:        "Outbound HTTP request",
			Pattern:     `requests\.(get|post|put|delete|patch)|urllib\.request|http\.client|httpx\.|aiohttp|fetch\s*\(`,
			Severity:    SeverityMedium,
			Category:    "network_activity",
			Description: "Makes outbound HTTP calls",
		},
		{
			ID:          "raw-socket",
			Name:        "Raw socket usage",
			Pattern:     `socket\.(socket|connect)|net\.Dial`,
			Severity:    SeverityMedium,
			Category:    "network_activity",
			Description: "Opens raw network sockets",
		},
		// Filesystem escape
		{
			ID:          "path-traversal",
			Name:        "Path traversal sequence",
			Pattern:     `\.\./|\.\.\\`,
			Severity:    SeverityMedium,
			Category:    "file_escape",
			Description: "Relative path escape outside the workspace",
		},
		{
			ID:          "sensitive-path",
			Name:        "Sensitive system path access",
			Pattern:     `/etc/passwd|/etc/shadow|~?/\.ssh|C:\\\\Windows`,
			Severity:    SeverityHigh,
			Category:    "file_escape",
			Description: "References credential or system paths",
		},
		// Obfuscation
		{
			ID:          "base64-decode",
			Name:        "Base64 payload decoding",
			Pattern:     `base64\.(b64decode|decode)|atob\s*\(|Buffer\.from\s*\([^)]*base64`,
			Severity:    SeverityMedium,
			Category:    "obfuscation",
			Description: "Decodes base64 blobs, common payload hiding",
		},
		{
			ID:          "hex-escape-blob",
			Name:        "Escaped byte sequence",
			Pattern:     `(\\x[0-9a-fA-F]{2}){4,}`,
			Severity:    SeverityLow,
			Category:    "obfuscation",
			Description: "Long hex escape runs suggest encoded payloads",
		},
		// Data collection
		{
			ID:          "clipboard-capture",
			Name:        "Clipboard capture",
			Pattern:     `pyperclip|clipboard|pasteboard`,
			Severity:    SeverityMedium,
			Category:    "data_collection",
			Description: "Reads the user clipboard",
		},
		{
			ID:          "screen-keylog",
			Name:        "Screenshot or keystroke capture",
			Pattern:     `pyautogui\.screenshot|ImageGrab|pynput|keyboard\.(listen|read)`,
			Severity:    SeverityHigh,
			Category:    "data_collection",
			Description: "Captures the screen or keystrokes",
		},
	}
}

// defaultSecretPatterns are the higher-precision secret detectors used by the
// secret pass. Files whose path contains "example" or "test" are exempted by
// the scanner to bound fixture false positives.
func defaultSecretPatterns() []*ThreatPattern {
	return []*ThreatPattern{
		{
			ID:          "secret-aws-key",
			Name:        "AWS access key ID",
			Pattern:     `\bAKIA[0-9A-Z]{16}\b`,
			Severity:    SeverityCritical,
			Category:    "secret",
			Description: "String matches the AWS access key ID format",
		},
		{
			ID:          "secret-private-key",
			Name:        "Private key material",
			Pattern:     `-----BEGIN (RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`,
			Severity:    SeverityCritical,
			Category:    "secret",
			Description: "Embedded PEM private key header",
		},
		{
			ID:          "secret-api-key",
			Name:        "Hardcoded API key",
			Pattern:     `(api[_-]?key|apikey)\s*[:=]\s*['"][A-Za-z0-9_\-]{16,}['"]`,
			Severity:    SeverityHigh,
			Category:    "secret",
			Description: "API key assigned to a literal value",
		},
		{
			ID:          "secret-password",
			Name:        "Hardcoded password",
			Pattern:     `password\s*[:=]\s*['"][^'"]{8,}['"]`,
			Severity:    SeverityHigh,
			Category:    "secret",
			Description: "Password assigned to a literal value",
		},
		{
			ID:          "secret-token",
			Name:        "Hardcoded token",
			Pattern:     `\btoken\s*[:=]\s*['"][A-Za-z0-9_\-\.]{16,}['"]`,
			Severity:    SeverityHigh,
			Category:    "secret",
			Description: "Auth token assigned to a literal value",
		},
	}
}
