package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/prism-analytics/prism/internal/audit"
	"github.com/prism-analytics/prism/internal/config"
	"github.com/prism-analytics/prism/internal/db/models"
	"github.com/prism-analytics/prism/internal/middleware"
	"github.com/prism-analytics/prism/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newSessionStore(t *testing.T) *session.Store {
	t.Helper()
	store, err := session.NewStore(&config.SessionConfig{
		Secret:     "0123456789abcdef0123456789abcdef",
		CookieName: "prism_session",
		MaxAge:     time.Hour,
	}, false)
	require.NoError(t, err)
	return store
}

// auditLog collects audit rows written by a Recorder.
type auditLog struct {
	mu   sync.Mutex
	rows []*models.AuditLog
}

func (a *auditLog) CreateAuditLog(_ context.Context, l *models.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, l)
	return nil
}

func (a *auditLog) actions(t *testing.T, r *audit.Recorder) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))

	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.rows))
	for _, row := range a.rows {
		out = append(out, row.Action)
	}
	return out
}

// client drives a router and carries the session cookie between requests
// the way a browser would.
type client struct {
	t       *testing.T
	handler http.Handler
	cookies map[string]*http.Cookie
}

func newClient(t *testing.T, store *session.Store, register func(r *gin.Engine)) *client {
	r := gin.New()
	r.Use(middleware.LoadSession(store))
	register(r)
	return &client{t: t, handler: r, cookies: map[string]*http.Cookie{}}
}

func (c *client) signIn(store *session.Store, userID, projectID string) {
	w := httptest.NewRecorder()
	_, err := store.Create(w, userID, projectID)
	require.NoError(c.t, err)
	c.keep(w)
}

func (c *client) keep(w *httptest.ResponseRecorder) {
	for _, ck := range w.Result().Cookies() {
		if ck.MaxAge < 0 {
			delete(c.cookies, ck.Name)
			continue
		}
		c.cookies[ck.Name] = ck
	}
}

func (c *client) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	w := httptest.NewRecorder()
	c.handler.ServeHTTP(w, req)
	c.keep(w)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, w)
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func sessionView(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	s, ok := decode(t, w)["session"].(map[string]interface{})
	require.True(t, ok, "response has no session: %s", w.Body.String())
	return s
}

type userMap map[string]*models.User

func (u userMap) GetUserByID(_ context.Context, id string) (*models.User, error) {
	return u[id], nil
}

type projectMap map[string]*models.Project

func (p projectMap) GetProjectByID(_ context.Context, id string) (*models.Project, error) {
	return p[id], nil
}

type roleMap map[[2]string]models.Role

func (m roleMap) GetMembership(_ context.Context, userID, projectID string) (*models.Membership, error) {
	role, ok := m[[2]string{userID, projectID}]
	if !ok {
		return nil, nil
	}
	return &models.Membership{UserID: userID, ProjectID: projectID, Role: role}, nil
}

func (m roleMap) ListUserMemberships(_ context.Context, userID string) ([]models.UserMembership, error) {
	out := []models.UserMembership{}
	for k, role := range m {
		if k[0] == userID {
			out = append(out, models.UserMembership{ProjectID: k[1], ProjectName: k[1], ProjectEnabled: true, Role: role})
		}
	}
	return out, nil
}

// current returns the session the client's cookie currently carries.
func (c *client) current(store *session.Store) *session.Session {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	return store.Validate(req)
}
