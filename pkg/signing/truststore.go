package signing

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// TrustLevel ranks the authority of a signing key. The order is
// system > commercial > development > community > unknown.
type TrustLevel string

const (
	TrustSystem      TrustLevel = "system"
	TrustCommercial  TrustLevel = "commercial"
	TrustDevelopment TrustLevel = "development"
	TrustCommunity   TrustLevel = "community"
	TrustUnknown     TrustLevel = "unknown"
)

// trustRank orders levels for comparison and policy decisions.
var trustRank = map[TrustLevel]int{
	TrustSystem:      100,
	TrustCommercial:  80,
	TrustDevelopment: 60,
	TrustCommunity:   40,
	TrustUnknown:     0,
}

// Rank returns the numeric ordering of the level; unknown levels rank 0.
func (t TrustLevel) Rank() int { return trustRank[t] }

// AtLeast reports whether t ranks at or above min.
func (t TrustLevel) AtLeast(min TrustLevel) bool { return t.Rank() >= min.Rank() }

// ExecutionPolicy is what the approval gate does with a plan signed at
// this level: run unattended, require confirmation, or refuse.
type ExecutionPolicy string

const (
	ExecAuto    ExecutionPolicy = "auto"
	ExecConfirm ExecutionPolicy = "confirm"
	ExecBlock   ExecutionPolicy = "block"
)

// ExecutionPolicyFor maps a trust level to its gate behavior.
func ExecutionPolicyFor(t TrustLevel) ExecutionPolicy {
	switch t {
	case TrustSystem, TrustCommercial:
		return ExecAuto
	case TrustDevelopment, TrustCommunity:
		return ExecConfirm
	default:
		return ExecBlock
	}
}

// KeyEntry is one trusted key. PublicKey is the base64 raw Ed25519 key.
// Zero validity bounds mean unbounded.
type KeyEntry struct {
	PublicKey  string     `yaml:"public_key" json:"public_key"`
	TrustLevel TrustLevel `yaml:"trust_level" json:"trust_level"`
	ValidFrom  time.Time  `yaml:"valid_from" json:"valid_from,omitempty"`
	ValidUntil time.Time  `yaml:"valid_until" json:"valid_until,omitempty"`
	Comment    string     `yaml:"comment" json:"comment,omitempty"`
}

// ValidAt reports whether the key's validity window covers t.
func (k KeyEntry) ValidAt(t time.Time) bool {
	if !k.ValidFrom.IsZero() && t.Before(k.ValidFrom) {
		return false
	}
	if !k.ValidUntil.IsZero() && t.After(k.ValidUntil) {
		return false
	}
	return true
}

// TrustStore maps key ids to trusted keys.
type TrustStore struct {
	Keys map[string]KeyEntry `yaml:"keys"`
}

// NewTrustStore returns an empty store.
func NewTrustStore() *TrustStore {
	return &TrustStore{Keys: map[string]KeyEntry{}}
}

// LoadTrustStore reads the trust store YAML. A missing file is an empty
// store, not an error: an empty store simply trusts nothing.
func LoadTrustStore(path string) (*TrustStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewTrustStore(), nil
		}
		return nil, fmt.Errorf("read trust store %s: %w", path, err)
	}
	var ts TrustStore
	if err := yaml.Unmarshal(raw, &ts); err != nil {
		return nil, fmt.Errorf("trust store %s: %w", path, err)
	}
	if ts.Keys == nil {
		ts.Keys = map[string]KeyEntry{}
	}
	return &ts, nil
}

// Save writes the store back to YAML, owner-readable only.
func (ts *TrustStore) Save(path string) error {
	out, err := yaml.Marshal(ts)
	if err != nil {
		return fmt.Errorf("marshal trust store: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("write trust store %s: %w", path, err)
	}
	return nil
}

// Lookup returns the entry for a key id.
func (ts *TrustStore) Lookup(keyID string) (KeyEntry, bool) {
	e, ok := ts.Keys[keyID]
	return e, ok
}

// Add registers or replaces a key.
func (ts *TrustStore) Add(keyID string, entry KeyEntry) {
	if entry.TrustLevel == "" {
		entry.TrustLevel = TrustUnknown
	}
	ts.Keys[keyID] = entry
}

// Remove deletes a key; unknown ids are a no-op.
func (ts *TrustStore) Remove(keyID string) {
	delete(ts.Keys, keyID)
}

// KeyIDs returns the sorted key ids for listing.
func (ts *TrustStore) KeyIDs() []string {
	out := make([]string, 0, len(ts.Keys))
	for id := range ts.Keys {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
