package db

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestAuditDBRecord(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(sqlmock.AnyArg(), "user-1", "deployment.stop", "deployment", "dep-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	a := NewAuditDB(sqlDB)
	err = a.Record(context.Background(), "user-1", "deployment.stop", "deployment", "dep-1", map[string]interface{}{"reason": "superseded"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestAuditDBRecordSystemActor(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(sqlmock.AnyArg(), nil, "deployment.expire", "deployment", "dep-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	a := NewAuditDB(sqlDB)
	if err := a.Record(context.Background(), "", "deployment.expire", "deployment", "dep-1", nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestAuditDBListByResource(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	rows := sqlmock.NewRows([]string{"id", "actor_id", "action", "resource_type", "resource_id", "details", "created_at"}).
		AddRow("audit-1", "user-1", "deployment.stop", "deployment", "dep-1", []byte(`{"reason":"superseded"}`), time.Now())
	mock.ExpectQuery("SELECT id, actor_id, action, resource_type, resource_id, details, created_at FROM audit_log").
		WithArgs("deployment", "dep-1").WillReturnRows(rows)

	a := NewAuditDB(sqlDB)
	out, err := a.ListByResource(context.Background(), "deployment", "dep-1")
	if err != nil {
		t.Fatalf("ListByResource: %v", err)
	}
	if len(out) != 1 || out[0].Action != "deployment.stop" {
		t.Errorf("unexpected entries: %+v", out)
	}
	if out[0].Details["reason"] != "superseded" {
		t.Errorf("unexpected details: %+v", out[0].Details)
	}
}

func TestAuditDBListRecent(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	rows := sqlmock.NewRows([]string{"id", "actor_id", "action", "resource_type", "resource_id", "details", "created_at"}).
		AddRow("audit-1", "user-1", "project.create", "project", "proj-1", []byte(`{}`), time.Now())
	mock.ExpectQuery("SELECT id, actor_id, action, resource_type, resource_id, details, created_at FROM audit_log ORDER BY created_at DESC LIMIT").
		WithArgs(10).WillReturnRows(rows)

	a := NewAuditDB(sqlDB)
	out, err := a.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("ListRecent returned %d entries, want 1", len(out))
	}
}
