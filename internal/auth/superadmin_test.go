package auth

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/db/models"
)

func TestSuperAdmins(t *testing.T) {
	s := NewSuperAdmins([]string{"Root@Example.com", " ops@example.com ", ""})
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Contains("root@example.com"))
	assert.True(t, s.Contains("OPS@example.com"))
	assert.False(t, s.Contains("bob@example.com"))
	assert.False(t, s.Contains(""))

	s.Set([]string{"bob@example.com"})
	assert.False(t, s.Contains("root@example.com"))
	assert.True(t, s.Contains("bob@example.com"))

	var zero SuperAdmins
	assert.False(t, zero.Contains("root@example.com"))
	assert.Equal(t, 0, zero.Len())
}

func TestSuperAdmins_ConcurrentSwap(t *testing.T) {
	s := NewSuperAdmins([]string{"a@example.com"})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Set([]string{"a@example.com", "b@example.com"})
		}()
		go func() {
			defer wg.Done()
			_ = s.Contains("a@example.com")
		}()
	}
	wg.Wait()
	assert.True(t, s.Contains("a@example.com"))
}

type failingUsers struct{ err error }

func (f failingUsers) GetUserByID(context.Context, string) (*models.User, error) { return nil, f.err }

func TestSuperAdmins_Checker(t *testing.T) {
	ctx := context.Background()
	s := NewSuperAdmins([]string{"root@example.com"})
	check := s.Checker(userDirectory{
		"u-root": {ID: "u-root", Email: "Root@Example.com"},
		"u-ana":  {ID: "u-ana", Email: "ana@example.com"},
	})

	ok, err := check(ctx, "u-root")
	require.NoError(t, err)
	assert.True(t, ok)

	for _, id := range []string{"u-ana", "u-missing", ""} {
		ok, err := check(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, id)
	}

	// The list is read at call time.
	s.Set(nil)
	ok, err = check(ctx, "u-root")
	require.NoError(t, err)
	assert.False(t, ok)

	s.Set([]string{"root@example.com"})
	_, err = s.Checker(failingUsers{errors.New("dial tcp: connection refused")})(ctx, "u-root")
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))
}
