package db

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/rise-platform/rise/internal/models"
)

func deploymentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "project_id", "group_name", "created_at", "status", "image_ref",
		"http_port", "expire_after_seconds", "supersedes", "terminal_at", "healthy_at", "fail_reason"})
}

// TestMarkHealthyAndFindIncumbentExcludesOwnRow is the regression case for
// the race the two-call MarkHealthy-then-ListGroupServing sequence used to
// leave open: once dep-new's own row is Healthy, a lookup that didn't
// exclude it by id could find dep-new itself and report "no incumbent",
// leaving the old serving deployment routable forever. The incumbent query
// must exclude id directly rather than relying on timing.
func TestMarkHealthyAndFindIncumbentExcludesOwnRow(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE deployments SET status = 'Healthy'").
		WithArgs("dep-new", models.StatusDeploying).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rows := deploymentRows().AddRow("dep-old", "proj-1", "web", time.Now(), models.StatusHealthy,
		"img:old", 8080, nil, nil, nil, time.Now(), "")
	mock.ExpectQuery("WHERE project_id = \\$1 AND group_name = \\$2 AND status IN \\('Healthy', 'Unhealthy'\\) AND id <> \\$3").
		WithArgs("proj-1", "web", "dep-new").
		WillReturnRows(rows)
	mock.ExpectCommit()

	d := NewDeploymentDB(sqlDB)
	ok, incumbent, err := d.MarkHealthyAndFindIncumbent(context.Background(), "dep-new", models.StatusDeploying, "proj-1", "web")
	if err != nil {
		t.Fatalf("MarkHealthyAndFindIncumbent: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	if incumbent == nil || incumbent.ID != "dep-old" {
		t.Fatalf("expected incumbent dep-old, got %+v", incumbent)
	}
	if incumbent.ID == "dep-new" {
		t.Fatal("incumbent must never be the deployment that just became healthy")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestMarkHealthyAndFindIncumbentNoIncumbent covers the first deployment in
// a group: nothing else is Healthy or Unhealthy yet, so the swap has nothing
// to supersede.
func TestMarkHealthyAndFindIncumbentNoIncumbent(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE deployments SET status = 'Healthy'").
		WithArgs("dep-new", models.StatusDeploying).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("WHERE project_id = \\$1 AND group_name = \\$2").
		WithArgs("proj-1", "web", "dep-new").
		WillReturnRows(deploymentRows())
	mock.ExpectCommit()

	d := NewDeploymentDB(sqlDB)
	ok, incumbent, err := d.MarkHealthyAndFindIncumbent(context.Background(), "dep-new", models.StatusDeploying, "proj-1", "web")
	if err != nil {
		t.Fatalf("MarkHealthyAndFindIncumbent: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	if incumbent != nil {
		t.Fatalf("expected no incumbent, got %+v", incumbent)
	}
}

// TestMarkHealthyAndFindIncumbentLostCAS covers a concurrent reconciler tick
// (or a caller-initiated stop) already having moved the deployment out of
// `from`: the CAS affects zero rows, and the method must not go on to query
// for an incumbent or commit a transition that never happened.
func TestMarkHealthyAndFindIncumbentLostCAS(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE deployments SET status = 'Healthy'").
		WithArgs("dep-new", models.StatusDeploying).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	d := NewDeploymentDB(sqlDB)
	ok, incumbent, err := d.MarkHealthyAndFindIncumbent(context.Background(), "dep-new", models.StatusDeploying, "proj-1", "web")
	if err != nil {
		t.Fatalf("MarkHealthyAndFindIncumbent: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false when the CAS affects no rows")
	}
	if incumbent != nil {
		t.Fatalf("expected nil incumbent on lost CAS, got %+v", incumbent)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
