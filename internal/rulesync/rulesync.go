// Package rulesync keeps a local checkout of a remote git repository of
// rule overlays up to date and triggers rule reloads when it moves.
package rulesync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/agentguard/internal/config"
)

// Common errors.
var (
	ErrInvalidURL      = errors.New("invalid rule repository URL")
	ErrCloneFailed     = errors.New("git clone failed")
	ErrPullFailed      = errors.New("git pull failed")
	ErrGitNotInstalled = errors.New("git is not installed")
)

// ReloadFunc is invoked after the checkout advances to a new commit.
type ReloadFunc func(ctx context.Context, dir string) error

// Syncer manages one rule repository checkout.
type Syncer struct {
	cfg     config.RuleSyncConfig
	dir     string
	gitPath string
	reload  ReloadFunc
	log     *zap.Logger

	lastCommit string
}

// NewSyncer validates the configuration and locates git. reload may be nil.
func NewSyncer(cfg config.RuleSyncConfig, dir string, reload ReloadFunc, log *zap.Logger) (*Syncer, error) {
	if err := validateRemote(cfg.RemoteURL); err != nil {
		return nil, err
	}
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, ErrGitNotInstalled
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("creating sync dir: %w", err)
	}
	return &Syncer{cfg: cfg, dir: dir, gitPath: gitPath, reload: reload, log: log}, nil
}

// Dir returns the local checkout path.
func (s *Syncer) Dir() string { return s.dir }

// Sync clones the repository if absent, pulls otherwise, and returns the
// HEAD commit. The reload callback fires only when HEAD changed.
func (s *Syncer) Sync(ctx context.Context) (string, error) {
	var err error
	if _, statErr := os.Stat(filepath.Join(s.dir, ".git")); statErr == nil {
		err = s.pull(ctx)
	} else {
		err = s.clone(ctx)
	}
	if err != nil {
		return "", err
	}

	commit, err := s.headCommit(ctx)
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}

	if commit != s.lastCommit {
		s.log.Info("rule repository advanced",
			zap.String("commit", commit), zap.String("dir", s.dir))
		s.lastCommit = commit
		if s.reload != nil {
			if err := s.reload(ctx, s.dir); err != nil {
				return commit, fmt.Errorf("reloading rules: %w", err)
			}
		}
	}
	return commit, nil
}

// Run syncs on the configured interval until the context is cancelled. Sync
// failures are logged and retried on the next tick.
func (s *Syncer) Run(ctx context.Context) {
	interval := s.cfg.Interval.Std()
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sync(ctx); err != nil {
			s.log.Warn("rule sync failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Syncer) clone(ctx context.Context) error {
	branch := s.cfg.Branch
	if branch == "" {
		branch = "main"
	}
	args := []string{
		"clone", "--depth", "1", "--branch", branch, "--single-branch",
		s.cfg.RemoteURL, s.dir,
	}
	cmd := exec.CommandContext(ctx, s.gitPath, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(s.dir)
		return fmt.Errorf("%w: %s", ErrCloneFailed, strings.TrimSpace(string(output)))
	}
	return nil
}

func (s *Syncer) pull(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.gitPath, "pull", "--ff-only")
	cmd.Dir = s.dir
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", ErrPullFailed, strings.TrimSpace(string(output)))
	}
	return nil
}

func (s *Syncer) headCommit(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, s.gitPath, "rev-parse", "HEAD")
	cmd.Dir = s.dir
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

func validateRemote(url string) error {
	if url == "" {
		return fmt.Errorf("%w: remote URL is required", ErrInvalidURL)
	}
	for _, prefix := range []string{"https://", "http://", "git@", "ssh://"} {
		if strings.HasPrefix(url, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q must be HTTPS, HTTP, or SSH format", ErrInvalidURL, url)
}
