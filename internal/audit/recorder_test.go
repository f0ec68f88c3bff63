package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prism-analytics/prism/internal/db/models"
)

type memoryWriter struct {
	mu   sync.Mutex
	rows []*models.AuditLog
	err  error
}

func (w *memoryWriter) CreateAuditLog(ctx context.Context, l *models.AuditLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	l.ID = "log-1"
	w.rows = append(w.rows, l)
	return nil
}

// captureShipper collects audit log entries via a buffered channel.
type captureShipper struct {
	ch chan *LogEntry
}

func (s *captureShipper) Ship(_ context.Context, e *LogEntry) error {
	s.ch <- e
	return nil
}

func (s *captureShipper) Close() error { return nil }

func waitRecorder(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func TestRecorder_WritesAndShips(t *testing.T) {
	w := &memoryWriter{}
	ship := &captureShipper{ch: make(chan *LogEntry, 1)}
	r := NewRecorder(w, ship)

	ctx := WithRequestInfo(context.Background(), "203.0.113.9", "curl/8")
	r.Record(ctx, Event{
		UserID:       "u1",
		ProjectID:    "p1",
		Action:       ActionInvitationAccepted,
		ResourceType: "invitation",
		ResourceID:   "inv-1",
		Metadata:     map[string]interface{}{"role": "editor"},
	})
	waitRecorder(t, r)

	require.Len(t, w.rows, 1)
	row := w.rows[0]
	assert.Equal(t, "u1", *row.UserID)
	assert.Equal(t, "p1", *row.ProjectID)
	assert.Equal(t, "203.0.113.9", *row.IPAddress)
	assert.Equal(t, "curl/8", *row.UserAgent)
	assert.Nil(t, row.ResourceName)

	select {
	case e := <-ship.ch:
		assert.Equal(t, "log-1", e.ID)
		assert.Equal(t, ActionInvitationAccepted, e.Action)
		assert.Equal(t, "inv-1", e.ResourceID)
	case <-time.After(time.Second):
		t.Fatal("entry was not shipped")
	}
}

func TestRecorder_EmptyProjectIsNull(t *testing.T) {
	w := &memoryWriter{}
	r := NewRecorder(w, nil)
	r.Record(context.Background(), Event{UserID: "u1", Action: ActionLogin})
	waitRecorder(t, r)

	require.Len(t, w.rows, 1)
	assert.Nil(t, w.rows[0].ProjectID)
	assert.Nil(t, w.rows[0].IPAddress)
}

func TestRecorder_SurvivesCancelledRequest(t *testing.T) {
	w := &memoryWriter{}
	r := NewRecorder(w, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, Event{UserID: "u1", Action: ActionLogout})
	waitRecorder(t, r)

	assert.Len(t, w.rows, 1)
}

func TestRecorder_WriteFailureDoesNotShip(t *testing.T) {
	w := &memoryWriter{err: errors.New("disk full")}
	ship := &captureShipper{ch: make(chan *LogEntry, 1)}
	r := NewRecorder(w, ship)

	r.Record(context.Background(), Event{UserID: "u1", Action: ActionLogin})
	waitRecorder(t, r)

	assert.Empty(t, ship.ch)
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), Event{Action: ActionLogin})
}
