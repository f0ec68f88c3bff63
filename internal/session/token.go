package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prism-analytics/prism/internal/crypto"
)

const issuer = "prism"

// claims is the wire form of a Session: an HS256-signed JWT, then sealed with
// AES-GCM so the browser can neither read nor forge it.
type claims struct {
	ActiveProjectID    string `json:"pid,omitempty"`
	SuperAdminMode     bool   `json:"sam,omitempty"`
	OriginalUserID     string `json:"oid,omitempty"`
	SimulatedProjectID string `json:"spid,omitempty"`
	jwt.RegisteredClaims
}

// Codec converts sessions to and from cookie values.
type Codec struct {
	signingKey []byte
	sealer     *crypto.Sealer
	maxAge     time.Duration
	now        func() time.Time
}

// NewCodec derives independent signing and encryption keys from secret.
func NewCodec(secret string, maxAge time.Duration) (*Codec, error) {
	signingKey, err := crypto.DeriveKey(secret, "session-sign")
	if err != nil {
		return nil, err
	}
	sealer, err := crypto.DeriveSealer(secret, "session-seal")
	if err != nil {
		return nil, err
	}
	return &Codec{signingKey: signingKey, sealer: sealer, maxAge: maxAge, now: time.Now}, nil
}

// Encode serializes an authenticated session. Anonymous sessions have no wire form.
func (c *Codec) Encode(s Session) (string, error) {
	if !s.IsAuthenticated() {
		return "", errors.New("session: cannot encode an anonymous session")
	}

	now := c.now()
	cl := claims{
		ActiveProjectID: s.activeProjectID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   s.userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.maxAge)),
		},
	}
	if s.IsImpersonating() {
		cl.SuperAdminMode = true
		cl.OriginalUserID = s.userID
		cl.SimulatedProjectID = s.simulating
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(c.signingKey)
	if err != nil {
		return "", err
	}
	return c.sealer.Seal([]byte(signed))
}

// Decode parses a cookie value. Every failure (bad ciphertext, bad signature,
// expiry, missing subject, inconsistent impersonation fields) yields an
// Anonymous session so callers cannot tell corrupt from absent.
func (c *Codec) Decode(value string) Session {
	if value == "" {
		return Session{}
	}
	plaintext, err := c.sealer.Open(value)
	if err != nil {
		return Session{}
	}

	var cl claims
	token, err := jwt.ParseWithClaims(string(plaintext), &cl, func(t *jwt.Token) (interface{}, error) {
		return c.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !token.Valid {
		return Session{}
	}

	return fromClaims(&cl)
}

func fromClaims(cl *claims) Session {
	if cl.Subject == "" {
		return Session{}
	}
	impersonationFields := cl.SuperAdminMode || cl.OriginalUserID != "" || cl.SimulatedProjectID != ""
	if !impersonationFields {
		return Authenticate(cl.Subject, cl.ActiveProjectID)
	}
	if !cl.SuperAdminMode || cl.OriginalUserID != cl.Subject || cl.SimulatedProjectID == "" {
		return Session{}
	}
	return Session{
		state:           Impersonating,
		userID:          cl.Subject,
		activeProjectID: cl.ActiveProjectID,
		simulating:      cl.SimulatedProjectID,
	}
}

// MarshalJSON renders the session for the /auth/me endpoint.
func (s Session) MarshalJSON() ([]byte, error) {
	type view struct {
		State              string  `json:"state"`
		UserID             string  `json:"user_id,omitempty"`
		ActiveProjectID    *string `json:"active_project_id"`
		SuperAdminMode     bool    `json:"super_admin_mode,omitempty"`
		OriginalUserID     string  `json:"original_user_id,omitempty"`
		SimulatedProjectID string  `json:"simulated_project_id,omitempty"`
	}
	v := view{
		State:              s.state.String(),
		UserID:             s.userID,
		SuperAdminMode:     s.IsImpersonating(),
		OriginalUserID:     s.OriginalUserID(),
		SimulatedProjectID: s.simulating,
	}
	if pid, ok := s.ActiveProjectID(); ok {
		v.ActiveProjectID = &pid
	}
	return json.Marshal(v)
}
