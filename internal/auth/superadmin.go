package auth

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/prism-analytics/prism/internal/db"
	"github.com/prism-analytics/prism/internal/db/models"
)

// UserLookup loads a user by ID, returning (nil, nil) when it does not exist.
type UserLookup interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
}

// SuperAdminCheck reports whether userID is a super-admin right now.
type SuperAdminCheck func(ctx context.Context, userID string) (bool, error)

// SuperAdmins is the platform super-admin email list. It is read on every
// simulation request and replaced wholesale when the config file changes.
type SuperAdmins struct {
	emails atomic.Pointer[map[string]struct{}]
}

// NewSuperAdmins creates a list holding emails.
func NewSuperAdmins(emails []string) *SuperAdmins {
	s := &SuperAdmins{}
	s.Set(emails)
	return s
}

// Set replaces the list. Emails compare case-insensitively.
func (s *SuperAdmins) Set(emails []string) {
	m := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			m[e] = struct{}{}
		}
	}
	s.emails.Store(&m)
}

// Contains reports whether email belongs to a super-admin.
func (s *SuperAdmins) Contains(email string) bool {
	m := s.emails.Load()
	if m == nil {
		return false
	}
	_, ok := (*m)[strings.ToLower(strings.TrimSpace(email))]
	return ok
}

// Len returns the number of configured super-admins.
func (s *SuperAdmins) Len() int {
	m := s.emails.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}

// Checker returns a SuperAdminCheck that resolves the user's email through
// users and tests it against the list as it stands at call time.
func (s *SuperAdmins) Checker(users UserLookup) SuperAdminCheck {
	return func(ctx context.Context, userID string) (bool, error) {
		if userID == "" || s.Len() == 0 {
			return false, nil
		}
		u, err := users.GetUserByID(ctx, userID)
		if err != nil {
			return false, db.StoreError(err)
		}
		return u != nil && s.Contains(u.Email), nil
	}
}
