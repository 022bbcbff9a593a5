package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"time"

	"github.com/axion-labs/plancore/pkg/dsl"
	"github.com/axion-labs/plancore/pkg/fault"
)

// Verification is the successful outcome of checking a plan signature
// against the trust store.
type Verification struct {
	KeyID      string          `json:"key_id"`
	TrustLevel TrustLevel      `json:"trust_level"`
	Policy     ExecutionPolicy `json:"execution_policy"`
	SignedAt   string          `json:"signed_at"`
}

// Verify checks the signature sidecar against the plan's canonical bytes
// and the trust store. Checks run in a fixed order so the first failure is
// always the most fundamental one: structure, algorithm, content hash, key
// lookup, signature bytes, validity window, then trust floor.
func Verify(p *dsl.Plan, sig *Signature, store *TrustStore, minLevel TrustLevel, now time.Time) (*Verification, error) {
	if sig == nil || sig.Sig == "" || sig.KeyID == "" || sig.SHA256 == "" {
		return nil, fault.New(fault.CodeSignatureInvalid, "signature sidecar missing required fields")
	}
	if sig.Algo != AlgoEd25519 {
		return nil, fault.New(fault.CodeSignatureInvalid, "unsupported signature algorithm %q", sig.Algo)
	}

	digest, err := Digest(p)
	if err != nil {
		return nil, fault.New(fault.CodeInternal, "canonical digest: %v", err).Wrap(err)
	}
	if digest != sig.SHA256 {
		return nil, fault.New(fault.CodeSignatureInvalid,
			"plan content does not match signed digest (plan edited after signing?)")
	}

	entry, ok := store.Lookup(sig.KeyID)
	if !ok {
		return nil, fault.New(fault.CodeKeyUnknown, "signing key %q not in trust store", sig.KeyID)
	}

	pub, err := base64.StdEncoding.DecodeString(entry.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fault.New(fault.CodeKeyUnknown, "trust store entry %q has malformed public key", sig.KeyID)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return nil, fault.New(fault.CodeSignatureInvalid, "signature is not valid base64")
	}
	hashed, err := hashBytes(sig.SHA256)
	if err != nil {
		return nil, fault.New(fault.CodeSignatureInvalid, "signature digest malformed")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), hashed, sigBytes) {
		return nil, fault.New(fault.CodeSignatureInvalid, "ed25519 verification failed for key %q", sig.KeyID)
	}

	if !entry.ValidAt(now) {
		return nil, fault.New(fault.CodeSignatureExpired,
			"key %q outside validity window at %s", sig.KeyID, now.UTC().Format(time.RFC3339))
	}
	if minLevel != "" && !entry.TrustLevel.AtLeast(minLevel) {
		return nil, fault.New(fault.CodeTrustTooLow,
			"key %q has trust level %s, need at least %s", sig.KeyID, entry.TrustLevel, minLevel)
	}

	return &Verification{
		KeyID:      sig.KeyID,
		TrustLevel: entry.TrustLevel,
		Policy:     ExecutionPolicyFor(entry.TrustLevel),
		SignedAt:   sig.CreatedAt,
	}, nil
}
