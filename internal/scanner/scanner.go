package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/agentguard/internal/rules"
)

// Config holds scanner options for one constructed Scanner.
type Config struct {
	Extensions  []string
	SkipDirs    []string
	Workers     int
	MaxFileSize int64

	// MinSeverity drops findings below the given rank from the result.
	// Empty keeps everything.
	MinSeverity rules.Severity

	// DependencyAudit toggles the dependency pass.
	DependencyAudit bool
}

// Scanner applies the rule store to a file tree. The rule store is read-only
// after load and shared across all workers without locking.
type Scanner struct {
	rules    *rules.Store
	cfg      Config
	skipDirs map[string]bool
	verifier Verifier
	log      *zap.Logger
}

// New constructs a Scanner. verifier may be nil, which disables the signing
// pass with a diagnostic.
func New(store *rules.Store, cfg Config, verifier Verifier, log *zap.Logger) *Scanner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 4 * 1024 * 1024
	}
	skip := make(map[string]bool, len(cfg.SkipDirs))
	for _, d := range cfg.SkipDirs {
		skip[d] = true
	}
	return &Scanner{
		rules:    store,
		cfg:      cfg,
		skipDirs: skip,
		verifier: verifier,
		log:      log,
	}
}

// Scan walks root and runs all sub-passes, accumulating findings into one
// result. Only a missing or unreadable root is fatal; per-file problems are
// reported in the skipped list. Cancelling ctx stops launching new file reads
// and returns the partial result flagged incomplete.
func (s *Scanner) Scan(ctx context.Context, root string) (*Result, error) {
	start := time.Now()

	w := newWalker(root, s.cfg.Extensions, s.cfg.SkipDirs)
	if err := w.checkRoot(); err != nil {
		return nil, err
	}

	res := &Result{
		Timestamp:  start.UTC(),
		Path:       root,
		Issues:     []Finding{},
		FileHashes: make(map[string]string),
	}

	skips := make(chan Skipped, 64)
	findings := make(chan Finding, 256)
	hashes := make(chan [2]string, 64)

	var collect sync.WaitGroup
	collect.Add(1)
	go func(fc <-chan Finding, sc <-chan Skipped, hc <-chan [2]string) {
		defer collect.Done()
		for fc != nil || sc != nil || hc != nil {
			select {
			case f, ok := <-fc:
				if !ok {
					fc = nil
					continue
				}
				res.Issues = append(res.Issues, f)
			case sk, ok := <-sc:
				if !ok {
					sc = nil
					continue
				}
				res.Skipped = append(res.Skipped, sk)
			case h, ok := <-hc:
				if !ok {
					hc = nil
					continue
				}
				res.FileHashes[h[0]] = h[1]
			}
		}
	}(findings, skips, hashes)

	// Lexical passes run over a bounded worker pool; each worker reads a
	// file once and applies the pattern and secret passes to it.
	entries := w.walk(ctx, skips)
	var workers sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for e := range entries {
				s.scanFile(e, findings, skips, hashes)
			}
		}()
	}
	workers.Wait()

	// Structured passes are single-threaded over their own walks and write
	// into a pass-local result merged afterwards.
	structured := &Result{}
	if s.cfg.DependencyAudit {
		s.dependencyPass(root, structured)
	}
	s.permissionPass(root, structured)
	s.signingPass(root, structured)

	close(findings)
	close(skips)
	close(hashes)
	collect.Wait()

	res.Issues = append(res.Issues, structured.Issues...)
	res.Skipped = append(res.Skipped, structured.Skipped...)

	if s.cfg.MinSeverity != "" {
		res.Issues = filterSeverity(res.Issues, s.cfg.MinSeverity)
	}

	if ctx.Err() != nil {
		res.Incomplete = true
	}
	res.finalize()

	s.log.Info("scan complete",
		zap.String("path", root),
		zap.Int("findings", res.Summary.Total),
		zap.Int("risk_score", res.RiskScore),
		zap.Bool("incomplete", res.Incomplete),
		zap.Duration("duration", time.Since(start)))

	return res, nil
}

// scanFile reads one file and applies the pattern and secret passes. A single
// pattern fires at most once per file, on the first matching line.
func (s *Scanner) scanFile(e entry, findings chan<- Finding, skips chan<- Skipped, hashes chan<- [2]string) {
	info, err := os.Stat(e.abs)
	if err != nil {
		skips <- Skipped{Path: e.rel, Reason: "stat: " + err.Error()}
		return
	}
	if info.Size() > s.cfg.MaxFileSize {
		skips <- Skipped{Path: e.rel, Reason: fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxFileSize)}
		return
	}

	data, err := os.ReadFile(e.abs)
	if err != nil {
		skips <- Skipped{Path: e.rel, Reason: "read: " + err.Error()}
		return
	}

	sum := sha256.Sum256(data)
	hashes <- [2]string{e.rel, hex.EncodeToString(sum[:])}

	lines := strings.Split(string(data), "\n")

	for _, p := range s.rules.Patterns() {
		if line, excerpt := firstMatch(p, lines); line > 0 {
			findings <- Finding{
				RuleID:      p.ID,
				Severity:    p.Severity,
				Description: p.Description,
				FilePath:    e.rel,
				Line:        line,
				Category:    p.Category,
				Excerpt:     excerpt,
			}
		}
	}

	// Secret pass: fixture paths are exempt to bound false positives. The
	// matched text is a live secret and is never echoed into the finding.
	if isSecretExempt(e.rel) {
		return
	}
	for _, p := range s.rules.SecretPatterns() {
		if line, _ := firstMatch(p, lines); line > 0 {
			findings <- Finding{
				RuleID:      p.ID,
				Severity:    p.Severity,
				Description: p.Description,
				FilePath:    e.rel,
				Line:        line,
				Category:    p.Category,
			}
		}
	}
}

// firstMatch returns the 1-based line and matched text of the first match,
// or 0 and "".
func firstMatch(p *rules.ThreatPattern, lines []string) (int, string) {
	for i, line := range lines {
		if p.Match(line) {
			return i + 1, p.FindMatch(line)
		}
	}
	return 0, ""
}

// isSecretExempt reports whether a path is a test or example fixture.
func isSecretExempt(rel string) bool {
	lower := strings.ToLower(filepath.ToSlash(rel))
	return strings.Contains(lower, "test") || strings.Contains(lower, "example")
}

func filterSeverity(in []Finding, min rules.Severity) []Finding {
	out := in[:0]
	for _, f := range in {
		if f.Severity.Rank() >= min.Rank() {
			out = append(out, f)
		}
	}
	return out
}

// Quarantine moves a flagged artifact into the quarantine directory,
// preserving its content under a marked name.
func (s *Scanner) Quarantine(path, quarantineDir string) (string, error) {
	if err := os.MkdirAll(quarantineDir, 0o700); err != nil {
		return "", fmt.Errorf("creating quarantine dir: %w", err)
	}

	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	dest := filepath.Join(quarantineDir, stem+"_quarantined"+ext)

	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading artifact: %w", err)
	}
	if err := os.WriteFile(dest, content, 0o600); err != nil {
		return "", fmt.Errorf("writing quarantine copy: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("removing original: %w", err)
	}

	s.log.Warn("artifact quarantined", zap.String("from", path), zap.String("to", dest))
	return dest, nil
}
