package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"
)

// sessionTTL is how long a token issued by Login stays valid.
const sessionTTL = 24 * time.Hour

// SessionAuth implements the REST edge's password login (spec.md §6): a
// single configured password, SHA-256 salted, exchanged at
// POST /api/auth/login for a random bearer/cookie token good for
// sessionTTL. There is exactly one password for the whole deployment,
// matching the single-operator control-panel model the REST surface
// describes; this is not a multi-user account system.
type SessionAuth struct {
	salt         string
	passwordHash string

	mu       sync.Mutex
	sessions map[string]time.Time // token -> expiry
}

// NewSessionAuth builds a SessionAuth for the given plaintext password.
// An empty password disables login entirely: Login always fails and
// Validate always fails, which in turn means every non-loopback request
// is rejected — the operator must set a password to expose the REST
// surface beyond localhost.
func NewSessionAuth(password string) *SessionAuth {
	salt := randomHex(16)
	passwordHash := ""
	if password != "" {
		passwordHash = hashPassword(salt, password)
	}
	return &SessionAuth{
		salt:         salt,
		passwordHash: passwordHash,
		sessions:     make(map[string]time.Time),
	}
}

func hashPassword(salt, password string) string {
	sum := sha256.Sum256([]byte(salt + password))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is unrecoverable for a security primitive;
		// fall back to a fixed value is unsafe, so degrade to an
		// all-zero salt only if the platform RNG is truly unavailable.
		return hex.EncodeToString(make([]byte, n))
	}
	return hex.EncodeToString(b)
}

// Login checks password and, on success, issues and returns a new
// session token.
func (sa *SessionAuth) Login(password string) (string, bool) {
	if sa.passwordHash == "" {
		return "", false
	}
	candidate := hashPassword(sa.salt, password)
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(sa.passwordHash)) != 1 {
		return "", false
	}

	token := randomHex(32)
	sa.mu.Lock()
	sa.sessions[token] = time.Now().Add(sessionTTL)
	sa.cleanupLocked()
	sa.mu.Unlock()
	return token, true
}

// Validate reports whether token is a live, unexpired session.
func (sa *SessionAuth) Validate(token string) bool {
	if token == "" {
		return false
	}
	sa.mu.Lock()
	defer sa.mu.Unlock()
	expiry, ok := sa.sessions[token]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(sa.sessions, token)
		return false
	}
	return true
}

// Logout invalidates token immediately.
func (sa *SessionAuth) Logout(token string) {
	sa.mu.Lock()
	delete(sa.sessions, token)
	sa.mu.Unlock()
}

// cleanupLocked drops expired tokens. Caller holds sa.mu.
func (sa *SessionAuth) cleanupLocked() {
	now := time.Now()
	for token, expiry := range sa.sessions {
		if now.After(expiry) {
			delete(sa.sessions, token)
		}
	}
}
