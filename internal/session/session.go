// Package session owns the shape and transitions of the encrypted session a
// browser carries between requests.
//
// A Session is always in exactly one of three states:
//
//	Anonymous      no identity
//	Authenticated  a user, optionally with an active project
//	Impersonating  a super-admin simulating access to a project
//
// While impersonating, UserID stays the super-admin's own ID so permission
// checks and audit records are attributed to the real actor. Fields are
// unexported and only the transition methods below produce new values, which
// keeps combinations such as "simulated project without super-admin mode"
// unrepresentable.
package session

import (
	"github.com/prism-analytics/prism/internal/apperr"
)

// State is the variant tag of a Session.
type State int

const (
	Anonymous State = iota
	Authenticated
	Impersonating
)

func (s State) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Impersonating:
		return "impersonating"
	default:
		return "anonymous"
	}
}

// Session is an immutable session value. The zero value is Anonymous.
type Session struct {
	state           State
	userID          string
	activeProjectID string
	simulating      string
}

// Authenticate returns an Authenticated session for userID. An empty
// projectID means no active project. Any impersonation context is dropped.
func Authenticate(userID, projectID string) Session {
	if userID == "" {
		return Session{}
	}
	return Session{state: Authenticated, userID: userID, activeProjectID: projectID}
}

// State returns the variant tag.
func (s Session) State() State { return s.state }

// IsAuthenticated reports whether the session carries an identity, impersonating or not.
func (s Session) IsAuthenticated() bool { return s.state != Anonymous }

// IsImpersonating reports whether a super-admin is simulating project access.
func (s Session) IsImpersonating() bool { return s.state == Impersonating }

// UserID is the acting user. While impersonating it is the super-admin.
func (s Session) UserID() string { return s.userID }

// ActiveProjectID returns the selected project and whether one is set.
func (s Session) ActiveProjectID() (string, bool) {
	return s.activeProjectID, s.activeProjectID != ""
}

// OriginalUserID is the super-admin who entered impersonation, or "" when not impersonating.
func (s Session) OriginalUserID() string {
	if s.state != Impersonating {
		return ""
	}
	return s.userID
}

// SimulatedProjectID is the project whose access is being simulated, or "".
func (s Session) SimulatedProjectID() string { return s.simulating }

// IsSimulating reports whether the session is impersonating inside projectID.
func (s Session) IsSimulating(projectID string) bool {
	return s.state == Impersonating && projectID != "" && s.simulating == projectID
}

// WithActiveProject overwrites the active project and nothing else.
func (s Session) WithActiveProject(projectID string) (Session, error) {
	if s.state == Anonymous {
		return s, apperr.ErrNoActiveSession
	}
	s.activeProjectID = projectID
	return s, nil
}

// EnterImpersonation moves an Authenticated super-admin into Impersonating for
// projectID. The caller must have already verified super-admin status.
// Re-entering while impersonating is rejected so the original actor is never
// overwritten; callers exit first.
func (s Session) EnterImpersonation(superAdminID, projectID string) (Session, error) {
	switch {
	case s.state == Anonymous:
		return s, apperr.ErrNoActiveSession
	case s.state == Impersonating:
		return s, apperr.New(apperr.Conflict, "already simulating a project; exit simulation first")
	case superAdminID == "" || superAdminID != s.userID:
		return s, apperr.New(apperr.Authorization, "impersonation must be started by the signed-in user")
	case projectID == "":
		return s, apperr.New(apperr.InvalidRequest, "project is required")
	}
	return Session{
		state:           Impersonating,
		userID:          superAdminID,
		activeProjectID: projectID,
		simulating:      projectID,
	}, nil
}

// ExitImpersonation returns to Authenticated with no active project. It is a
// no-op for sessions that are not impersonating.
func (s Session) ExitImpersonation() Session {
	if s.state != Impersonating {
		return s
	}
	return Session{state: Authenticated, userID: s.userID}
}
