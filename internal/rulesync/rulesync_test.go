package rulesync

import (
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/lvonguyen/agentguard/internal/config"
)

// TestValidateRemote verifies the accepted remote URL schemes.
func TestValidateRemote(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https", "https://github.com/org/rules.git", false},
		{"http", "http://internal.example/rules.git", false},
		{"ssh scp form", "git@github.com:org/rules.git", false},
		{"ssh url form", "ssh://git@github.com/org/rules.git", false},
		{"empty", "", true},
		{"local path", "/var/rules", true},
		{"file scheme", "file:///var/rules", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRemote(tt.url)
			if tt.wantErr && !errors.Is(err, ErrInvalidURL) {
				t.Errorf("validateRemote(%q) = %v, want ErrInvalidURL", tt.url, err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("validateRemote(%q) = %v, want nil", tt.url, err)
			}
		})
	}
}

// TestNewSyncer_RejectsBadRemote verifies construction fails closed on an
// invalid remote before touching the filesystem.
func TestNewSyncer_RejectsBadRemote(t *testing.T) {
	cfg := config.RuleSyncConfig{RemoteURL: "../../../etc"}
	if _, err := NewSyncer(cfg, filepath.Join(t.TempDir(), "remote"), nil, zap.NewNop()); !errors.Is(err, ErrInvalidURL) {
		t.Errorf("want ErrInvalidURL, got %v", err)
	}
}
