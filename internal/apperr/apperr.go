// Package apperr defines the error taxonomy shared by the identity core and the
// HTTP boundary. Every failure a caller may need to react to carries a Kind; the
// route layer maps kinds to status codes and a stable public code, and treats
// anything else as an opaque internal error.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the HTTP boundary.
type Kind int

const (
	Internal Kind = iota
	Authentication
	Authorization
	InvalidRequest
	CsrfMismatch
	UpstreamAuth
	EmailRequired
	NotFound
	InvalidToken
	Expired
	AlreadyAccepted
	EmailMismatch
	Conflict
	NoActiveSession
	StoreUnavailable
)

var kindInfo = map[Kind]struct {
	code   string
	status int
	msg    string
}{
	Internal:         {"internal_error", http.StatusInternalServerError, "an internal error occurred"},
	Authentication:   {"unauthenticated", http.StatusUnauthorized, "authentication required"},
	Authorization:    {"forbidden", http.StatusForbidden, "you do not have permission to perform this action"},
	InvalidRequest:   {"invalid_request", http.StatusBadRequest, "the request is invalid"},
	CsrfMismatch:     {"state_mismatch", http.StatusBadRequest, "the login request could not be verified"},
	UpstreamAuth:     {"upstream_auth_error", http.StatusBadGateway, "the identity provider could not complete the login"},
	EmailRequired:    {"email_required", http.StatusBadRequest, "the identity provider did not return an email address"},
	NotFound:         {"not_found", http.StatusNotFound, "resource not found"},
	InvalidToken:     {"invalid_token", http.StatusBadRequest, "the invitation token is invalid"},
	Expired:          {"expired", http.StatusBadRequest, "the invitation has expired"},
	AlreadyAccepted:  {"already_accepted", http.StatusConflict, "the invitation has already been accepted"},
	EmailMismatch:    {"email_mismatch", http.StatusBadRequest, "the invitation was issued to a different email address"},
	Conflict:         {"conflict", http.StatusConflict, "the resource already exists"},
	NoActiveSession:  {"no_active_session", http.StatusUnauthorized, "no active session"},
	StoreUnavailable: {"store_unavailable", http.StatusServiceUnavailable, "the service is temporarily unavailable"},
}

// Code returns the stable public identifier for the kind.
func (k Kind) Code() string { return kindInfo[k].code }

// Status returns the HTTP status the kind maps to.
func (k Kind) Status() int { return kindInfo[k].status }

func (k Kind) String() string { return k.Code() }

// Error is a classified error. Message is safe to show to callers; Err is the
// underlying cause and is only ever logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = kindInfo[e.Kind].msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, apperr.ErrNotFound) matches any NotFound error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// PublicMessage returns the message that may be returned to a caller.
// Internal errors never expose their detail.
func (e *Error) PublicMessage() string {
	if e.Kind == Internal || e.Message == "" {
		return kindInfo[e.Kind].msg
	}
	return e.Message
}

// Sentinels for errors.Is comparisons.
var (
	ErrAuthentication   = &Error{Kind: Authentication}
	ErrAuthorization    = &Error{Kind: Authorization}
	ErrInvalidRequest   = &Error{Kind: InvalidRequest}
	ErrCsrfMismatch     = &Error{Kind: CsrfMismatch}
	ErrUpstreamAuth     = &Error{Kind: UpstreamAuth}
	ErrEmailRequired    = &Error{Kind: EmailRequired}
	ErrNotFound         = &Error{Kind: NotFound}
	ErrInvalidToken     = &Error{Kind: InvalidToken}
	ErrExpired          = &Error{Kind: Expired}
	ErrAlreadyAccepted  = &Error{Kind: AlreadyAccepted}
	ErrEmailMismatch    = &Error{Kind: EmailMismatch}
	ErrConflict         = &Error{Kind: Conflict}
	ErrNoActiveSession  = &Error{Kind: NoActiveSession}
	ErrStoreUnavailable = &Error{Kind: StoreUnavailable}
)

// New returns an error of the given kind with a public message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies cause under kind. The cause is kept for logging only.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Forbidden returns an Authorization error for action. The message names the
// attempted action but never the roles that would have been allowed.
func Forbidden(action string) *Error {
	return &Error{Kind: Authorization, Message: fmt.Sprintf("permission denied for %s", action)}
}

// KindOf returns the kind of err, or Internal when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// As extracts the classified error, converting unclassified errors into an
// Internal error that wraps them.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: Internal, Err: err}
}
