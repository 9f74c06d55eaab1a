// Package auth authenticates the funding watchers allowed to register gifts.
//
// Authentication model:
//   - Claim links (lookup, claim, retry): no auth, the claim secret is the capability
//   - Gift registration: requires an intake API key
//
// Intake keys are configured out of band. Only their SHA-256 hashes are kept
// in memory.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// KeyPrefix marks intake keys so they are recognisable in logs and configs.
const KeyPrefix = "sk_"

// Caller identifies an authenticated intake client.
type Caller struct {
	Name string `json:"name"`
}

type entry struct {
	hash   [sha256.Size]byte
	caller Caller
}

// Keyring holds the accepted intake keys.
type Keyring struct {
	entries []entry
}

// ParseKeyring reads "name:key" pairs separated by commas. A bare key is
// named "intake". Empty input yields an empty keyring.
func ParseKeyring(spec string) (*Keyring, error) {
	k := &Keyring{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, raw := "intake", part
		if i := strings.Index(part, ":"); i >= 0 {
			name, raw = part[:i], part[i+1:]
		}
		if !strings.HasPrefix(raw, KeyPrefix) || len(raw) < len(KeyPrefix)+32 {
			return nil, errors.New("intake keys must start with " + KeyPrefix + " and carry at least 32 characters")
		}
		k.Add(name, raw)
	}
	return k, nil
}

// Add accepts raw as the key for name.
func (k *Keyring) Add(name, raw string) {
	k.entries = append(k.entries, entry{hash: sha256.Sum256([]byte(raw)), caller: Caller{Name: name}})
}

// Len returns the number of accepted keys.
func (k *Keyring) Len() int {
	return len(k.entries)
}

// Validate returns the caller owning raw. Every entry is compared so the
// time taken does not depend on which key matched.
func (k *Keyring) Validate(raw string) (*Caller, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	h := sha256.Sum256([]byte(raw))

	var found *Caller
	for i := range k.entries {
		if subtle.ConstantTimeCompare(h[:], k.entries[i].hash[:]) == 1 {
			c := k.entries[i].caller
			found = &c
		}
	}
	if found == nil {
		return nil, ErrInvalidAPIKey
	}
	return found, nil
}

// GenerateKey creates a new random intake key.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}
