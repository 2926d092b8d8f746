package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// DefaultTokenCost is the bcrypt cost used by HashToken.
const DefaultTokenCost = 12

var (
	// ErrEmptyToken is returned when hashing an empty token.
	ErrEmptyToken = errors.New("server: token cannot be empty")

	// ErrInvalidTokenHash is returned for a hash that is not bcrypt.
	ErrInvalidTokenHash = errors.New("server: invalid token hash")
)

// HashToken creates a bcrypt hash suitable for API_TOKEN_HASH.
// A cost outside bcrypt's range uses DefaultTokenCost.
func HashToken(token string, cost int) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultTokenCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// TokenAuth checks bearer tokens against a bcrypt hash. Accepted tokens are
// remembered by digest so bcrypt runs once per distinct token.
type TokenAuth struct {
	hash     []byte
	mu       sync.RWMutex
	accepted [][sha256.Size]byte
}

// NewTokenAuth validates hash and returns a TokenAuth.
func NewTokenAuth(hash string) (*TokenAuth, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTokenHash, err)
	}
	return &TokenAuth{hash: []byte(hash)}, nil
}

// Verify reports whether token matches the configured hash.
func (a *TokenAuth) Verify(token string) bool {
	if token == "" {
		return false
	}
	digest := sha256.Sum256([]byte(token))

	a.mu.RLock()
	for _, d := range a.accepted {
		if subtle.ConstantTimeCompare(d[:], digest[:]) == 1 {
			a.mu.RUnlock()
			return true
		}
	}
	a.mu.RUnlock()

	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}

	a.mu.Lock()
	a.accepted = append(a.accepted, digest)
	a.mu.Unlock()
	return true
}

// Middleware rejects requests without a valid "Authorization: Bearer" token.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || !a.Verify(strings.TrimSpace(token)) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="idealsize"`)
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
