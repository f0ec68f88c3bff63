package session

import (
	"net/http"
	"time"

	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/config"
)

// Store reads and writes the session cookie. It holds no per-user state; the
// cookie is the only copy of a session and the last write wins.
type Store struct {
	codec      *Codec
	cookieName string
	maxAge     time.Duration
	secure     bool
}

// NewStore builds a Store from the session configuration. Secure cookies are
// used whenever the server runs in production mode.
func NewStore(cfg *config.SessionConfig, production bool) (*Store, error) {
	codec, err := NewCodec(cfg.Secret, cfg.MaxAge)
	if err != nil {
		return nil, err
	}
	return &Store{
		codec:      codec,
		cookieName: cfg.CookieName,
		maxAge:     cfg.MaxAge,
		secure:     production,
	}, nil
}

// CookieName returns the name of the session cookie.
func (s *Store) CookieName() string { return s.cookieName }

// Create starts a fresh Authenticated session, replacing whatever the client held.
func (s *Store) Create(w http.ResponseWriter, userID, projectID string) (Session, error) {
	if userID == "" {
		return Session{}, apperr.New(apperr.InvalidRequest, "user is required")
	}
	sess := Authenticate(userID, projectID)
	return sess, s.write(w, sess)
}

// Validate returns the request's session, or nil when the cookie is absent,
// corrupt, expired, or carries no user. It never fails.
func (s *Store) Validate(r *http.Request) *Session {
	cookie, err := r.Cookie(s.cookieName)
	if err != nil {
		return nil
	}
	sess := s.codec.Decode(cookie.Value)
	if !sess.IsAuthenticated() {
		return nil
	}
	return &sess
}

// UpdateActiveProject switches the active project, keeping any impersonation context.
func (s *Store) UpdateActiveProject(w http.ResponseWriter, r *http.Request, projectID string) (Session, error) {
	current := s.Validate(r)
	if current == nil {
		return Session{}, apperr.ErrNoActiveSession
	}
	next, err := current.WithActiveProject(projectID)
	if err != nil {
		return *current, err
	}
	return next, s.write(w, next)
}

// Destroy clears the session cookie. It is safe to call without a session.
func (s *Store) Destroy(w http.ResponseWriter) {
	http.SetCookie(w, s.cookie("", -1))
}

// EnterImpersonation switches the current session into simulating projectID.
// Super-admin eligibility is checked by the caller.
func (s *Store) EnterImpersonation(w http.ResponseWriter, r *http.Request, superAdminID, projectID string) (Session, error) {
	current := s.Validate(r)
	if current == nil {
		return Session{}, apperr.ErrNoActiveSession
	}
	next, err := current.EnterImpersonation(superAdminID, projectID)
	if err != nil {
		return *current, err
	}
	return next, s.write(w, next)
}

// ExitImpersonation leaves simulation, clearing the active project. Sessions
// that are not impersonating are returned unchanged and the cookie is not rewritten.
func (s *Store) ExitImpersonation(w http.ResponseWriter, r *http.Request) (Session, error) {
	current := s.Validate(r)
	if current == nil {
		return Session{}, apperr.ErrNoActiveSession
	}
	if !current.IsImpersonating() {
		return *current, nil
	}
	next := current.ExitImpersonation()
	return next, s.write(w, next)
}

func (s *Store) write(w http.ResponseWriter, sess Session) error {
	value, err := s.codec.Encode(sess)
	if err != nil {
		return err
	}
	http.SetCookie(w, s.cookie(value, int(s.maxAge.Seconds())))
	return nil
}

func (s *Store) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     s.cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
