package urls

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/rise-platform/rise/internal/db"
)

func newTestResolver(t *testing.T) (*Resolver, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return New(db.NewProjectDB(sqlDB), "apps.rise.example.com", "https"), mock
}

func TestCanonicalURLDefaultGroupNoCustomDomains(t *testing.T) {
	r, mock := newTestResolver(t)
	rows := sqlmock.NewRows([]string{"project_id", "name", "verified_at", "is_primary"})
	mock.ExpectQuery("SELECT project_id, name, verified_at, is_primary FROM custom_domains").
		WithArgs("proj-1").WillReturnRows(rows)

	got, err := r.CanonicalURL(context.Background(), "proj-1", "myapp", "default")
	if err != nil {
		t.Fatalf("CanonicalURL: %v", err)
	}
	if want := "https://myapp.apps.rise.example.com"; got != want {
		t.Errorf("CanonicalURL = %q, want %q", got, want)
	}
}

func TestCanonicalURLPrefersVerifiedPrimaryDomain(t *testing.T) {
	r, mock := newTestResolver(t)
	verifiedAt := time.Now()
	rows := sqlmock.NewRows([]string{"project_id", "name", "verified_at", "is_primary"}).
		AddRow("proj-1", "www.customer.com", verifiedAt, true).
		AddRow("proj-1", "secondary.customer.com", verifiedAt, false)
	mock.ExpectQuery("SELECT project_id, name, verified_at, is_primary FROM custom_domains").
		WithArgs("proj-1").WillReturnRows(rows)

	got, err := r.CanonicalURL(context.Background(), "proj-1", "myapp", "default")
	if err != nil {
		t.Fatalf("CanonicalURL: %v", err)
	}
	if want := "https://www.customer.com"; got != want {
		t.Errorf("CanonicalURL = %q, want %q", got, want)
	}
}

func TestCanonicalURLIgnoresUnverifiedDomains(t *testing.T) {
	r, mock := newTestResolver(t)
	rows := sqlmock.NewRows([]string{"project_id", "name", "verified_at", "is_primary"}).
		AddRow("proj-1", "unverified.customer.com", nil, true)
	mock.ExpectQuery("SELECT project_id, name, verified_at, is_primary FROM custom_domains").
		WithArgs("proj-1").WillReturnRows(rows)

	got, err := r.CanonicalURL(context.Background(), "proj-1", "myapp", "default")
	if err != nil {
		t.Fatalf("CanonicalURL: %v", err)
	}
	if want := "https://myapp.apps.rise.example.com"; got != want {
		t.Errorf("CanonicalURL = %q, want %q (unverified domain must not be used)", got, want)
	}
}

func TestHostnamesNonDefaultGroupSkipsCustomDomains(t *testing.T) {
	r, _ := newTestResolver(t) // no ExpectQuery: non-default groups must not touch custom_domains

	hostnames, _, err := r.Hostnames(context.Background(), "proj-1", "myapp", "canary")
	if err != nil {
		t.Fatalf("Hostnames: %v", err)
	}
	if len(hostnames) != 1 || hostnames[0] != "myapp--canary.apps.rise.example.com" {
		t.Errorf("Hostnames = %v, want [myapp--canary.apps.rise.example.com]", hostnames)
	}
}

func TestAllURLsSchemeQualifiesEveryHostname(t *testing.T) {
	r, mock := newTestResolver(t)
	rows := sqlmock.NewRows([]string{"project_id", "name", "verified_at", "is_primary"}).
		AddRow("proj-1", "verified.customer.com", time.Now(), false)
	mock.ExpectQuery("SELECT project_id, name, verified_at, is_primary FROM custom_domains").
		WithArgs("proj-1").WillReturnRows(rows)

	all, err := r.AllURLs(context.Background(), "proj-1", "myapp", "default")
	if err != nil {
		t.Fatalf("AllURLs: %v", err)
	}
	want := []string{"https://myapp.apps.rise.example.com", "https://verified.customer.com"}
	if len(all) != len(want) {
		t.Fatalf("AllURLs = %v, want %v", all, want)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Errorf("AllURLs[%d] = %q, want %q", i, all[i], want[i])
		}
	}
}
