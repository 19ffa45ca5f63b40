package migrations

import (
	"context"
	"database/sql"
	"io/fs"
	"os"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/lib/pq"
)

func TestUpFilesHaveDownPairs(t *testing.T) {
	names, err := UpFiles()
	if err != nil {
		t.Fatalf("UpFiles: %v", err)
	}
	if len(names) != 5 {
		t.Fatalf("up migrations = %d, want 5", len(names))
	}
	for i, name := range names {
		if i > 0 && names[i-1] >= name {
			t.Errorf("migrations out of order: %s before %s", names[i-1], name)
		}
		down := strings.TrimSuffix(name, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(files, "sql/"+down); err != nil {
			t.Errorf("missing %s", down)
		}
	}
}

func TestDueDateTriggerDefaultsToSevenDays(t *testing.T) {
	body, err := fs.ReadFile(files, "sql/0002_loan_triggers.up.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(body), "coalesce(new.due_date, new.loan_date + 7)") {
		t.Error("due date trigger does not default to loan_date + 7")
	}
}

func TestRealtimePublicationCoversWatchedTables(t *testing.T) {
	body, err := fs.ReadFile(files, "sql/0005_realtime_publication.up.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	sql := string(body)
	if !strings.Contains(sql, "pubname = 'supabase_realtime'") {
		t.Error("publication change is not guarded by the publication existing")
	}
	if !strings.Contains(sql, "alter publication supabase_realtime add table") {
		t.Error("tables are not added to supabase_realtime")
	}
	for _, table := range []string{"'books'", "'loans'", "'loan_items'"} {
		if !strings.Contains(sql, table) {
			t.Errorf("%s missing from the realtime publication", table)
		}
	}
}

func TestApplyExecutesAllMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists members").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create or replace function set_loan_due_date").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create or replace view v_loans_with_overdue").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("row level security").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("supabase_realtime").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := Apply(context.Background(), db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := Up(db); err != nil {
		t.Fatalf("first Up: %v", err)
	}
	if err := Up(db); err != nil {
		t.Fatalf("second Up should be a no-op: %v", err)
	}
}
