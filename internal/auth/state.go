package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/config"
	"github.com/prism-analytics/prism/internal/crypto"
)

const stateAudience = "prism-oauth-state"

type stateClaims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// StateManager issues and consumes the single-use OAuth CSRF state, carried
// in a short-lived HS256-signed cookie.
type StateManager struct {
	cookieName string
	maxAge     time.Duration
	secure     bool
	key        []byte
	now        func() time.Time
}

// NewStateManager derives the state signing key from the session secret.
func NewStateManager(cfg *config.StateConfig, secret string, production bool) (*StateManager, error) {
	key, err := crypto.DeriveKey(secret, "oauth-state")
	if err != nil {
		return nil, err
	}
	return &StateManager{
		cookieName: cfg.CookieName,
		maxAge:     cfg.MaxAge,
		secure:     production,
		key:        key,
		now:        time.Now,
	}, nil
}

// Issue generates a random state value, stores it in the state cookie and
// returns it for inclusion in the authorization URL.
func (m *StateManager) Issue(w http.ResponseWriter) (string, error) {
	nonce, err := crypto.GenerateSecret(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, stateClaims{
		Nonce: nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{stateAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.maxAge)),
		},
	})
	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}

	http.SetCookie(w, m.cookie(signed, int(m.maxAge.Seconds())))
	return nonce, nil
}

// Consume deletes the state cookie and returns the state it held, or ""
// when the cookie is absent, forged or expired. The cookie is deleted on
// every call so a state value can never be replayed.
func (m *StateManager) Consume(w http.ResponseWriter, r *http.Request) string {
	http.SetCookie(w, m.cookie("", -1))

	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}

	var cl stateClaims
	_, err = jwt.ParseWithClaims(cookie.Value, &cl, func(t *jwt.Token) (interface{}, error) {
		return m.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(stateAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return ""
	}
	return cl.Nonce
}

// CheckState compares the stored and presented state in constant time.
func CheckState(stored, presented string) error {
	if stored == "" || presented == "" {
		return apperr.ErrCsrfMismatch
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		return apperr.ErrCsrfMismatch
	}
	return nil
}

func (m *StateManager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     m.cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
