// Package signing covers template signing and verification: deterministic
// canonical bytes for the plan body, Ed25519 signature sidecars, and the
// trust store that maps signing keys to trust levels.
package signing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/axion-labs/plancore/pkg/dsl"
)

// Canonical serializes the plan body (signature block already stripped by
// the parser) into RFC 8785 canonical JSON. Signing and verification both
// hash these bytes, so any representation drift breaks signatures.
func Canonical(p *dsl.Plan) ([]byte, error) {
	raw, err := json.Marshal(p.Body())
	if err != nil {
		return nil, fmt.Errorf("plan body marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs transform: %w", err)
	}
	return canonical, nil
}

// Digest returns the hex SHA-256 of the canonical plan body.
func Digest(p *dsl.Plan) (string, error) {
	b, err := Canonical(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
