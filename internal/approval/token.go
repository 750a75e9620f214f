package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tokens issues and verifies email approval tokens. The raw token is
// `task_id:action:opaque_uuid`; only its HMAC-SHA256 hash leaves this
// type for storage.
type Tokens struct {
	secret []byte
}

// NewTokens builds a token signer over the configured secret.
func NewTokens(secret []byte) Tokens {
	return Tokens{secret: secret}
}

// Issue generates a raw token for the task and action, returning the
// raw string (for the email URL) and the hash to persist.
func (t Tokens) Issue(taskID uuid.UUID, action Action) (raw, hash string) {
	raw = fmt.Sprintf("%s:%s:%s", taskID, action, uuid.NewString())
	return raw, t.Hash(raw)
}

// Hash recomputes the stored hash for a raw token.
func (t Tokens) Hash(raw string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// Matches compares a raw token against a stored hash in constant time.
func (t Tokens) Matches(raw, storedHash string) bool {
	return hmac.Equal([]byte(t.Hash(raw)), []byte(storedHash))
}

// Expired reports whether a token is no longer usable. A token at its
// exact expiry instant is expired.
func Expired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}

// ParseRawToken splits a raw token into its task and action parts so
// the email endpoint can locate the task before verification.
func ParseRawToken(raw string) (taskID uuid.UUID, action Action, ok bool) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return uuid.Nil, "", false
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, "", false
	}
	a := Action(parts[1])
	if !a.Valid() {
		return uuid.Nil, "", false
	}
	return id, a, true
}
