package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/axion-labs/plancore/pkg/dsl"
	"github.com/axion-labs/plancore/pkg/fault"
)

// AlgoEd25519 is the only signature algorithm this build produces or
// accepts.
const AlgoEd25519 = "ed25519"

// Signature is the sidecar written next to a signed plan file
// (<stem>.sig.json). SHA256 is the hex digest of the canonical plan body;
// Sig is the base64 Ed25519 signature over the digest bytes.
type Signature struct {
	Algo      string `json:"algo"`
	KeyID     string `json:"key_id"`
	CreatedAt string `json:"created_at"`
	SHA256    string `json:"sha256"`
	Sig       string `json:"signature"`
}

// SidecarPath returns the signature path for a plan file.
func SidecarPath(planPath string) string {
	stem := strings.TrimSuffix(planPath, filepath.Ext(planPath))
	return stem + ".sig.json"
}

// Signer signs plan digests with an Ed25519 private key.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	KeyID string
	now   func() time.Time
}

// NewSigner generates a fresh keypair.
func NewSigner(keyID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Signer{priv: priv, pub: pub, KeyID: keyID, now: time.Now}, nil
}

// NewSignerFromKey wraps an existing private key.
func NewSignerFromKey(priv ed25519.PrivateKey, keyID string) *Signer {
	return &Signer{
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
		KeyID: keyID,
		now:   time.Now,
	}
}

// WithClock overrides the timestamp source for deterministic tests.
func (s *Signer) WithClock(clock func() time.Time) *Signer {
	s.now = clock
	return s
}

// PublicKey returns the base64 raw public key, the form stored in the
// trust store.
func (s *Signer) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

// SaveKey writes the signer's private key as PKCS8 PEM.
func (s *Signer) SaveKey(path string) error {
	return SavePrivateKey(path, s.priv)
}

// Sign produces a signature sidecar for the plan.
func (s *Signer) Sign(p *dsl.Plan) (*Signature, error) {
	digest, err := Digest(p)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return nil, fmt.Errorf("digest decode: %w", err)
	}
	sig := ed25519.Sign(s.priv, raw)
	return &Signature{
		Algo:      AlgoEd25519,
		KeyID:     s.KeyID,
		CreatedAt: s.now().UTC().Format(time.RFC3339),
		SHA256:    digest,
		Sig:       base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// WriteSidecar persists the signature next to the plan file.
func WriteSidecar(planPath string, sig *Signature) (string, error) {
	out, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal signature: %w", err)
	}
	path := SidecarPath(planPath)
	if err := os.WriteFile(path, append(out, '\n'), 0o600); err != nil {
		return "", fmt.Errorf("write signature %s: %w", path, err)
	}
	return path, nil
}

// LoadSidecar reads a signature sidecar.
func LoadSidecar(path string) (*Signature, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.New(fault.CodeFileNotFound, "read signature %s: %v", path, err).Wrap(err)
	}
	var sig Signature
	if err := json.Unmarshal(raw, &sig); err != nil {
		return nil, fault.New(fault.CodeSignatureInvalid, "signature %s: %v", path, err).Wrap(err)
	}
	return &sig, nil
}

// SavePrivateKey writes the key as PKCS8 PEM, owner-readable only.
func SavePrivateKey(path string, priv ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, block, 0o600); err != nil {
		return fmt.Errorf("write key %s: %w", path, err)
	}
	return nil
}

// LoadPrivateKey reads a PKCS8 PEM Ed25519 key.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("key %s: no PEM block", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key %s is %T, want ed25519", path, parsed)
	}
	return priv, nil
}

// hashBytes is shared by Sign and Verify so both sides agree on what the
// signature covers.
func hashBytes(digestHex string) ([]byte, error) {
	raw, err := hex.DecodeString(digestHex)
	if err != nil || len(raw) != sha256.Size {
		return nil, fmt.Errorf("bad digest %q", digestHex)
	}
	return raw, nil
}
