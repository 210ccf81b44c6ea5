package trainserver

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// TokenAuth checks bearer tokens against a bcrypt hash.
type TokenAuth struct {
	hash []byte
}

// NewTokenAuth creates a checker. An empty hash accepts every request.
func NewTokenAuth(hash string) *TokenAuth {
	return &TokenAuth{hash: []byte(hash)}
}

// Enabled reports whether a token is required.
func (a *TokenAuth) Enabled() bool {
	return len(a.hash) > 0
}

// Check verifies the token against the hash.
func (a *TokenAuth) Check(token string) bool {
	if !a.Enabled() {
		return true
	}
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.hash, []byte(token)) == nil
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the "token" query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// HashToken returns the bcrypt hash to put in RLVIZ_TOKEN_HASH.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
