package scanner

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lvonguyen/agentguard/internal/rules"
)

// sensitiveFilenames are inspected by the permission pass regardless of the
// extension allowlist.
var sensitiveFilenames = map[string]bool{
	".env":             true,
	".netrc":           true,
	"credentials.json": true,
	"secrets.json":     true,
	"secrets.yaml":     true,
	"secrets.yml":      true,
	"id_rsa":           true,
	"id_ed25519":       true,
}

// permissionPass flags world-readable or world-writable sensitive files.
func (s *Scanner) permissionPass(root string, res *Result) {
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if s.skipDirs[d.Name()] && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !sensitiveFilenames[d.Name()] {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		info, err := d.Info()
		if err != nil {
			res.Skipped = append(res.Skipped, Skipped{Path: rel, Reason: "stat: " + err.Error()})
			return nil
		}

		mode := info.Mode().Perm()
		if mode&0o002 != 0 {
			res.Issues = append(res.Issues, Finding{
				RuleID:      "perm-world-writable",
				Severity:    rules.SeverityMedium,
				Description: fmt.Sprintf("sensitive file is world-writable (%04o)", mode),
				FilePath:    rel,
				Line:        0,
				Category:    "permissions",
			})
		} else if mode&0o004 != 0 {
			res.Issues = append(res.Issues, Finding{
				RuleID:      "perm-world-readable",
				Severity:    rules.SeverityMedium,
				Description: fmt.Sprintf("sensitive file is world-readable (%04o)", mode),
				FilePath:    rel,
				Line:        0,
				Category:    "permissions",
			})
		}
		return nil
	})
}
