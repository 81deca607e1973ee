package scanner

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lvonguyen/agentguard/internal/rules"
)

// Verifier checks a detached signature over artifact content against a trust
// anchor. Real key distribution is an external collaborator; the scanner only
// needs this capability.
type Verifier interface {
	VerifySignature(content, signature []byte) bool
}

// Ed25519Verifier verifies ed25519 detached signatures.
type Ed25519Verifier struct {
	pub ed25519.PublicKey
}

// NewEd25519Verifier loads a hex-encoded ed25519 public key from a file.
func NewEd25519Verifier(path string) (*Ed25519Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trust anchor: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding trust anchor: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("trust anchor: want %d key bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	return &Ed25519Verifier{pub: ed25519.PublicKey(key)}, nil
}

// VerifySignature implements Verifier.
func (v *Ed25519Verifier) VerifySignature(content, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(v.pub, content, signature)
}

// signaturePath returns the expected detached-signature path for an artifact.
func signaturePath(artifact string) string {
	return artifact + ".sig"
}

// signingPass verifies signature artifacts for manifests under the root. A
// missing or invalid signature is HIGH severity; without a configured
// verifier the pass is skipped with a diagnostic.
func (s *Scanner) signingPass(root string, res *Result) {
	if s.verifier == nil {
		res.Skipped = append(res.Skipped, Skipped{
			Path:   root,
			Reason: "signing pass disabled: no trust anchor configured",
		})
		return
	}

	manifests, err := findManifests(root, s.skipDirs)
	if err != nil {
		res.Skipped = append(res.Skipped, Skipped{Path: root, Reason: "signing walk: " + err.Error()})
		return
	}

	for _, manifest := range manifests {
		rel, relErr := filepath.Rel(root, manifest)
		if relErr != nil {
			rel = manifest
		}

		sig, err := os.ReadFile(signaturePath(manifest))
		if os.IsNotExist(err) {
			res.Issues = append(res.Issues, Finding{
				RuleID:      "signing-missing",
				Severity:    rules.SeverityHigh,
				Description: "manifest has no detached signature",
				FilePath:    rel,
				Line:        0,
				Category:    "signing",
			})
			continue
		}
		if err != nil {
			res.Skipped = append(res.Skipped, Skipped{Path: rel, Reason: "reading signature: " + err.Error()})
			continue
		}

		content, err := os.ReadFile(manifest)
		if err != nil {
			res.Skipped = append(res.Skipped, Skipped{Path: rel, Reason: "reading artifact: " + err.Error()})
			continue
		}
		if !s.verifier.VerifySignature(content, sig) {
			res.Issues = append(res.Issues, Finding{
				RuleID:      "signing-invalid",
				Severity:    rules.SeverityHigh,
				Description: "manifest signature does not verify against the trust anchor",
				FilePath:    rel,
				Line:        0,
				Category:    "signing",
			})
		}
	}
}
