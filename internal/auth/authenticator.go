// Package auth resolves agent API keys to machine identities and verifies
// request body signatures.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/bcrypt"

	"fleetwatch/internal/model"
	"fleetwatch/internal/store"
)

var (
	ErrMissingCredential = errors.New("auth: missing credential")
	ErrInvalidCredential = errors.New("auth: invalid credential")
)

// fingerprintLen is the number of hex characters of the SHA-256 digest kept
// as the indexed lookup prefix. 16 hex chars (64 bits) keeps collisions
// vanishingly rare while revealing nothing useful about the key.
const fingerprintLen = 16

// Fingerprint derives the indexed lookup prefix for an API key.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// GenerateKey mints a new random API key. The plaintext is returned exactly
// once, for the registration response; only the bcrypt hash and the
// fingerprint are ever stored.
func GenerateKey() (key, fingerprint, hash string, err error) {
	raw := make([]byte, 32)
	if _, err = rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = hex.EncodeToString(raw)
	hashBytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("hash api key: %w", err)
	}
	return key, Fingerprint(key), string(hashBytes), nil
}

// cacheEntry lets a hot machine skip the bcrypt comparison: after one
// successful verification we remember the SHA-256 digest of the presented
// key and compare against that in constant time.
type cacheEntry struct {
	machineID string
	keyDigest [32]byte
}

// Authenticator resolves presented API keys against the credential store.
type Authenticator struct {
	machines store.MachineStore
	cache    *lru.Cache[string, cacheEntry]
	logger   *slog.Logger
}

// NewAuthenticator creates an authenticator with a credential cache of the
// given capacity.
func NewAuthenticator(machines store.MachineStore, cacheSize int, logger *slog.Logger) *Authenticator {
	cache, _ := lru.New[string, cacheEntry](cacheSize)
	return &Authenticator{machines: machines, cache: cache, logger: logger}
}

// Authenticate resolves key to a non-disabled machine. The lookup goes
// fingerprint index first, then constant-time bcrypt verification against
// the narrowed candidate set.
func (a *Authenticator) Authenticate(ctx context.Context, key string) (*model.Machine, error) {
	if key == "" {
		return nil, ErrMissingCredential
	}

	fp := Fingerprint(key)
	digest := sha256.Sum256([]byte(key))

	if entry, ok := a.cache.Get(fp); ok {
		if subtle.ConstantTimeCompare(entry.keyDigest[:], digest[:]) == 1 {
			m, err := a.machines.GetMachine(ctx, entry.machineID)
			if err == nil && !m.Disabled() {
				return m, nil
			}
			// Stale entry; fall through to the full path.
			a.cache.Remove(fp)
		}
	}

	candidates, err := a.machines.MachinesByFingerprint(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("credential lookup: %w", err)
	}
	for _, m := range candidates {
		if m.Disabled() {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(m.KeyHash), []byte(key)) == nil {
			a.cache.Add(fp, cacheEntry{machineID: m.ID, keyDigest: digest})
			return m, nil
		}
	}

	a.logger.Warn("agent authentication failed", "fingerprint", fp)
	return nil, ErrInvalidCredential
}

// Invalidate drops any cached credential for the machine. Must be called
// synchronously on every status change so a disabled machine fails on its
// very next request.
func (a *Authenticator) Invalidate(machineID string) {
	for _, fp := range a.cache.Keys() {
		if entry, ok := a.cache.Peek(fp); ok && entry.machineID == machineID {
			a.cache.Remove(fp)
		}
	}
}

// Enroller gates agent registration on a pre-shared enrollment key.
type Enroller struct {
	key []byte
}

func NewEnroller(enrollmentKey string) *Enroller {
	return &Enroller{key: []byte(enrollmentKey)}
}

// Verify checks the presented enrollment key in constant time. An empty
// configured key disables registration outright.
func (e *Enroller) Verify(presented string) bool {
	if len(e.key) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(e.key, []byte(presented)) == 1
}

// NewMachine builds a machine record for registration and returns the
// plaintext API key alongside it.
func NewMachine(id, hostname string) (*model.Machine, string, error) {
	key, fp, hash, err := GenerateKey()
	if err != nil {
		return nil, "", err
	}
	now := time.Now().UTC()
	return &model.Machine{
		ID:             id,
		Hostname:       hostname,
		KeyFingerprint: fp,
		KeyHash:        hash,
		Status:         model.MachineActive,
		LastSeen:       now,
		CreatedAt:      now,
	}, key, nil
}
