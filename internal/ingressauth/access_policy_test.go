package ingressauth

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/rise-platform/rise/internal/db"
	"github.com/rise-platform/rise/internal/models"
)

func newTestAccessPolicy(t *testing.T) (*AccessPolicy, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return &AccessPolicy{
		Projects: db.NewProjectDB(sqlDB),
		Teams:    db.NewTeamDB(sqlDB),
		Users:    db.NewUserDB(sqlDB),
	}, mock
}

func TestMayAccessPublicProjectAlwaysAllowed(t *testing.T) {
	p, _ := newTestAccessPolicy(t)
	project := &models.Project{ID: "proj-1", AccessClass: models.AccessClassPublic}

	ok, err := p.MayAccess(context.Background(), "someone", project)
	if err != nil {
		t.Fatalf("MayAccess: %v", err)
	}
	if !ok {
		t.Error("expected public project to allow any subject")
	}
}

func TestMayAccessPrivateProjectOwnerAllowed(t *testing.T) {
	p, _ := newTestAccessPolicy(t)
	project := &models.Project{
		ID: "proj-1", AccessClass: models.AccessClassPrivate,
		OwnerKind: models.OwnerKindUser, OwnerID: "user-1",
	}

	ok, err := p.MayAccess(context.Background(), "user-1", project)
	if err != nil {
		t.Fatalf("MayAccess: %v", err)
	}
	if !ok {
		t.Error("expected the owning user to be allowed")
	}
}

func TestMayAccessPrivateTeamProjectChecksMembership(t *testing.T) {
	p, mock := newTestAccessPolicy(t)
	project := &models.Project{
		ID: "proj-1", AccessClass: models.AccessClassPrivate,
		OwnerKind: models.OwnerKindTeam, OwnerID: "team-1",
	}

	rows := sqlmock.NewRows([]string{"exists"}).AddRow(true)
	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM team_members").
		WithArgs("team-1", "user-2").WillReturnRows(rows)

	ok, err := p.MayAccess(context.Background(), "user-2", project)
	if err != nil {
		t.Fatalf("MayAccess: %v", err)
	}
	if !ok {
		t.Error("expected a team member to be allowed")
	}
}

func TestMayAccessPrivateProjectFallsBackToAppUserGrant(t *testing.T) {
	p, mock := newTestAccessPolicy(t)
	project := &models.Project{
		ID: "proj-1", AccessClass: models.AccessClassPrivate,
		OwnerKind: models.OwnerKindUser, OwnerID: "owner-1",
	}

	rows := sqlmock.NewRows([]string{"exists"}).AddRow(true)
	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM project_app_users").
		WithArgs("proj-1", "user-3").WillReturnRows(rows)

	ok, err := p.MayAccess(context.Background(), "user-3", project)
	if err != nil {
		t.Fatalf("MayAccess: %v", err)
	}
	if !ok {
		t.Error("expected an explicit app-user grant to be allowed")
	}
}

func TestMayAccessPrivateProjectDeniedWithNoGrant(t *testing.T) {
	p, mock := newTestAccessPolicy(t)
	project := &models.Project{
		ID: "proj-1", AccessClass: models.AccessClassPrivate,
		OwnerKind: models.OwnerKindUser, OwnerID: "owner-1",
	}

	rows := sqlmock.NewRows([]string{"exists"}).AddRow(false)
	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM project_app_users").
		WithArgs("proj-1", "stranger").WillReturnRows(rows)

	ok, err := p.MayAccess(context.Background(), "stranger", project)
	if err != nil {
		t.Fatalf("MayAccess: %v", err)
	}
	if ok {
		t.Error("expected an unrelated subject to be denied")
	}
}
