package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/auth/oauth"
	"github.com/prism-analytics/prism/internal/db"
	"github.com/prism-analytics/prism/internal/db/models"
	"github.com/prism-analytics/prism/internal/session"
	"github.com/prism-analytics/prism/internal/telemetry"
)

// IdentityProvider is the external OAuth2 provider.
type IdentityProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	FetchProfile(ctx context.Context, token *oauth2.Token) (*oauth.Profile, error)
}

// UserStore persists local users.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	UpdateProfile(ctx context.Context, user *models.User, name string, avatarURL *string) (bool, error)
}

// DefaultProjectResolver picks the project a fresh session starts in.
type DefaultProjectResolver interface {
	GetMostRecentMembership(ctx context.Context, userID string) (*models.Membership, error)
}

// SessionWriter starts a session for a verified user.
type SessionWriter interface {
	Create(w http.ResponseWriter, userID, projectID string) (session.Session, error)
}

// Callback holds the query parameters the provider redirects back with.
type Callback struct {
	Code  string
	State string
	// Error is the provider's "error" parameter, set when the user denied
	// consent or the provider rejected the request.
	Error string
}

// LoginResult describes a completed login.
type LoginResult struct {
	User            *models.User
	IsNewUser       bool
	ActiveProjectID string
	Session         session.Session
	// NeedsOnboarding is set for new users and users without any membership.
	NeedsOnboarding bool
}

// CredentialExchange runs the OAuth2 authorization-code login.
type CredentialExchange struct {
	provider IdentityProvider
	state    *StateManager
	users    UserStore
	projects DefaultProjectResolver
	sessions SessionWriter
}

// NewCredentialExchange wires the login flow.
func NewCredentialExchange(provider IdentityProvider, state *StateManager, users UserStore, projects DefaultProjectResolver, sessions SessionWriter) *CredentialExchange {
	return &CredentialExchange{
		provider: provider,
		state:    state,
		users:    users,
		projects: projects,
		sessions: sessions,
	}
}

// BeginLogin stores a fresh CSRF state in a cookie and returns the
// provider's authorization URL.
func (c *CredentialExchange) BeginLogin(w http.ResponseWriter) (string, error) {
	state, err := c.state.Issue(w)
	if err != nil {
		return "", err
	}
	return c.provider.AuthCodeURL(state), nil
}

// CompleteLogin validates the callback, resolves or creates the user and
// starts a session. The state cookie is consumed before anything else, so a
// state value is single use whatever the outcome. No user or session is
// written unless the CSRF check passes.
func (c *CredentialExchange) CompleteLogin(ctx context.Context, w http.ResponseWriter, r *http.Request, cb Callback) (result *LoginResult, err error) {
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = apperr.KindOf(err).Code()
		}
		telemetry.LoginsTotal.WithLabelValues(outcome).Inc()
	}()

	stored := c.state.Consume(w, r)

	if cb.Error != "" {
		// The raw provider text is logged, never returned.
		slog.Warn("identity provider returned an error", "error", cb.Error)
		return nil, apperr.New(apperr.InvalidRequest, "login was not completed")
	}
	if cb.Code == "" || cb.State == "" {
		return nil, apperr.New(apperr.InvalidRequest, "missing code or state")
	}
	if err := CheckState(stored, cb.State); err != nil {
		return nil, err
	}

	token, err := c.provider.Exchange(ctx, cb.Code)
	if err != nil {
		return nil, upstream(err)
	}
	profile, err := c.provider.FetchProfile(ctx, token)
	if err != nil {
		return nil, upstream(err)
	}
	if profile.Email == "" {
		return nil, apperr.ErrEmailRequired
	}

	user, isNew, err := c.resolveUser(ctx, profile)
	if err != nil {
		return nil, err
	}

	var activeProjectID string
	m, err := c.projects.GetMostRecentMembership(ctx, user.ID)
	if err != nil {
		return nil, db.StoreError(err)
	}
	if m != nil {
		activeProjectID = m.ProjectID
	}

	sess, err := c.sessions.Create(w, user.ID, activeProjectID)
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		User:            user,
		IsNewUser:       isNew,
		ActiveProjectID: activeProjectID,
		Session:         sess,
		NeedsOnboarding: isNew || m == nil,
	}, nil
}

func (c *CredentialExchange) resolveUser(ctx context.Context, profile *oauth.Profile) (*models.User, bool, error) {
	var avatar *string
	if profile.AvatarURL != "" {
		avatar = &profile.AvatarURL
	}

	user, err := c.users.GetUserByEmail(ctx, profile.Email)
	if err != nil {
		return nil, false, db.StoreError(err)
	}
	if user != nil {
		if _, err := c.users.UpdateProfile(ctx, user, profile.Name, avatar); err != nil {
			return nil, false, db.StoreError(err)
		}
		return user, false, nil
	}

	name := profile.Name
	if name == "" {
		name = emailLocalPart(profile.Email)
	}
	user = &models.User{Email: profile.Email, Name: name, AvatarURL: avatar}
	err = c.users.CreateUser(ctx, user)
	if apperr.KindOf(err) == apperr.Conflict {
		// A concurrent first login for the same email won the insert.
		existing, getErr := c.users.GetUserByEmail(ctx, profile.Email)
		if getErr != nil {
			return nil, false, db.StoreError(getErr)
		}
		if existing != nil {
			return existing, false, nil
		}
	}
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

func emailLocalPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}

// upstream makes sure every provider failure surfaces as UpstreamAuth.
func upstream(err error) error {
	var e *apperr.Error
	if errors.As(err, &e) && e.Kind == apperr.UpstreamAuth {
		return err
	}
	return apperr.Wrap(apperr.UpstreamAuth, err, "identity provider request failed")
}
