package db

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/rise-platform/rise/internal/models"
)

func TestEnvVarDBSet(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	mock.ExpectExec("INSERT INTO env_vars").
		WithArgs("proj-1", "PORT", models.ValueKindPlain, []byte(nil)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := NewEnvVarDB(sqlDB)
	if err := e.Set(context.Background(), "proj-1", "PORT", models.ValueKindPlain, nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestEnvVarDBList(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	rows := sqlmock.NewRows([]string{"project_id", "key", "value_kind", "ciphertext", "updated_at"}).
		AddRow("proj-1", "PORT", models.ValueKindPlain, nil, time.Now()).
		AddRow("proj-1", "API_TOKEN", models.ValueKindSecret, []byte("ciphertext"), time.Now())
	mock.ExpectQuery("SELECT project_id, key, value_kind, ciphertext, updated_at FROM env_vars").
		WithArgs("proj-1").WillReturnRows(rows)

	e := NewEnvVarDB(sqlDB)
	out, err := e.List(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(out))
	}
	if out[0].Key != "PORT" || out[1].ValueKind != models.ValueKindSecret {
		t.Errorf("unexpected env vars: %+v", out)
	}
}

func TestEnvVarDBDelete(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	mock.ExpectExec("DELETE FROM env_vars").
		WithArgs("proj-1", "PORT").
		WillReturnResult(sqlmock.NewResult(0, 1))

	e := NewEnvVarDB(sqlDB)
	if err := e.Delete(context.Background(), "proj-1", "PORT"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestEnvVarDBDeleteNotFound(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	mock.ExpectExec("DELETE FROM env_vars").
		WithArgs("proj-1", "MISSING").
		WillReturnResult(sqlmock.NewResult(0, 0))

	e := NewEnvVarDB(sqlDB)
	if err := e.Delete(context.Background(), "proj-1", "MISSING"); err == nil {
		t.Error("expected an error when no row was deleted")
	}
}
