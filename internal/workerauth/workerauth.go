// Package workerauth implements the worker API key lifecycle: issuing,
// hashing, verifying, and revoking the bearer key a worker presents at
// WebSocket handshake time. Revocation is a blacklist rather than a store
// delete so an already-issued key fails closed immediately without a
// round trip to the durable store.
package workerauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/swarmguard/taskmesh/internal/kinderr"
	"github.com/swarmguard/taskmesh/internal/store"
)

// IssuedKey is returned once, at issuance time. Hash and ID are
// persisted; Plaintext is not.
type IssuedKey struct {
	Plaintext string
	Hash      string
	ID        string
}

// Issue generates a new random API key and its bcrypt hash. The caller
// is responsible for storing Hash against the worker record and
// returning Plaintext to the caller exactly once.
func Issue() (IssuedKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return IssuedKey{}, fmt.Errorf("generate worker api key: %w", err)
	}
	plaintext := hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return IssuedKey{}, fmt.Errorf("hash worker api key: %w", err)
	}
	return IssuedKey{Plaintext: plaintext, Hash: string(hash), ID: plaintext[:16]}, nil
}

// Verifier checks a presented API key against a worker's stored hash
// and the KV blacklist, the two things an accept handshake must pass.
type Verifier struct {
	kv store.KV
}

func NewVerifier(kv store.KV) *Verifier {
	return &Verifier{kv: kv}
}

// Verify returns nil if presentedKey matches hash and its key ID is
// not blacklisted, otherwise a kinderr.Denied error.
func (v *Verifier) Verify(ctx context.Context, presentedKey, hash string) error {
	if len(presentedKey) < 16 {
		return kinderr.Denied("verify_worker_key", "worker", fmt.Errorf("key too short"))
	}
	keyID := presentedKey[:16]

	blacklisted, err := v.kv.IsBlacklisted(ctx, keyID)
	if err != nil {
		return err
	}
	if blacklisted {
		return kinderr.Denied("verify_worker_key", "worker", fmt.Errorf("key revoked"))
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(presentedKey)); err != nil {
		return kinderr.Denied("verify_worker_key", "worker", fmt.Errorf("key mismatch"))
	}
	return nil
}

// Revoke blacklists presentedKey's ID so future handshakes fail even
// if the worker record's hash has not yet been rotated.
func (v *Verifier) Revoke(ctx context.Context, presentedKey string) error {
	if len(presentedKey) < 16 {
		return kinderr.Invalid("revoke_worker_key", "worker", fmt.Errorf("key too short"))
	}
	return v.kv.BlacklistKey(ctx, presentedKey[:16])
}
