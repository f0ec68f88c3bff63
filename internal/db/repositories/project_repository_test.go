package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/prism-analytics/prism/internal/apperr"
	"github.com/prism-analytics/prism/internal/db/models"
)

var projectCols = []string{"id", "name", "enabled", "created_at", "updated_at"}

func newMockSqlx(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func newProjectRepo(t *testing.T) (*ProjectRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockSqlx(t)
	return NewProjectRepository(db, time.Second), mock
}

// ---------------------------------------------------------------------------
// GetProjectByID
// ---------------------------------------------------------------------------

func TestGetProjectByID_Found(t *testing.T) {
	repo, mock := newProjectRepo(t)
	mock.ExpectQuery("SELECT.*FROM projects WHERE id").
		WithArgs("proj-1").
		WillReturnRows(sqlmock.NewRows(projectCols).AddRow("proj-1", "Acme", true, time.Now(), time.Now()))

	p, err := repo.GetProjectByID(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil || p.Name != "Acme" || !p.Enabled {
		t.Fatalf("project = %+v", p)
	}
}

func TestGetProjectByID_NotFound(t *testing.T) {
	repo, mock := newProjectRepo(t)
	mock.ExpectQuery("SELECT.*FROM projects WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(projectCols))

	p, err := repo.GetProjectByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil, got %+v", p)
	}
}

// ---------------------------------------------------------------------------
// CreateProjectWithOwner
// ---------------------------------------------------------------------------

func TestCreateProjectWithOwner_Success(t *testing.T) {
	repo, mock := newProjectRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO projects").
		WithArgs(sqlmock.AnyArg(), "Acme", true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO memberships").
		WithArgs("user-1", sqlmock.AnyArg(), "owner", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	project := &models.Project{Name: "Acme"}
	m, err := repo.CreateProjectWithOwner(context.Background(), project, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Role != models.RoleOwner || m.ProjectID != project.ID {
		t.Errorf("membership = %+v", m)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateProjectWithOwner_RollsBackOnMembershipFailure(t *testing.T) {
	repo, mock := newProjectRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO projects").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO memberships").WillReturnError(errDB)
	mock.ExpectRollback()

	if _, err := repo.CreateProjectWithOwner(context.Background(), &models.Project{Name: "Acme"}, "user-1"); err == nil {
		t.Fatal("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// ---------------------------------------------------------------------------
// DisableProject
// ---------------------------------------------------------------------------

func TestDisableProject(t *testing.T) {
	repo, mock := newProjectRepo(t)
	mock.ExpectExec("UPDATE projects SET enabled = false").
		WithArgs("proj-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.DisableProject(context.Background(), "proj-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDisableProject_NotFound(t *testing.T) {
	repo, mock := newProjectRepo(t)
	mock.ExpectExec("UPDATE projects SET enabled = false").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.DisableProject(context.Background(), "missing")
	if apperr.KindOf(err) != apperr.NotFound {
		t.Errorf("error kind = %v, want not_found", apperr.KindOf(err))
	}
}

// ---------------------------------------------------------------------------
// TransferOwnership
// ---------------------------------------------------------------------------

func TestTransferOwnership_Success(t *testing.T) {
	repo, mock := newProjectRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE memberships SET role").
		WithArgs("proj-1", "owner-1", "admin", "owner").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE memberships SET role").
		WithArgs("proj-1", "member-2", "owner").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.TransferOwnership(context.Background(), "proj-1", "owner-1", "member-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTransferOwnership_TargetNotMember(t *testing.T) {
	repo, mock := newProjectRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE memberships SET role").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE memberships SET role").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.TransferOwnership(context.Background(), "proj-1", "owner-1", "stranger")
	if apperr.KindOf(err) != apperr.NotFound {
		t.Errorf("error kind = %v, want not_found", apperr.KindOf(err))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTransferOwnership_SecondOwnerConflict(t *testing.T) {
	repo, mock := newProjectRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE memberships SET role").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE memberships SET role").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := repo.TransferOwnership(context.Background(), "proj-1", "owner-1", "member-2")
	if apperr.KindOf(err) != apperr.Conflict {
		t.Errorf("error kind = %v, want conflict", apperr.KindOf(err))
	}
}
