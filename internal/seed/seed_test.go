package seed

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librarysingkat/circulation/supabase/client"
)

func TestLoad(t *testing.T) {
	data, err := Load("testdata/library.yaml")
	require.NoError(t, err)

	require.Len(t, data.Members, 2)
	require.Len(t, data.Books, 3)
	assert.Equal(t, "Filosofi Teras", data.Books[2].Title)
	assert.Equal(t, 1, data.Books[1].Copies)
	assert.Equal(t, 3, data.Books[0].Copies)

	again, err := Load("testdata/library.yaml")
	require.NoError(t, err)
	assert.Equal(t, data.Books[0].ID, again.Books[0].ID)
	assert.NotEqual(t, data.Books[0].ID, data.Books[1].ID)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"no-title.yaml":  "books:\n  - author: X\n",
		"no-code.yaml":   "members:\n  - name: Ani\n",
		"dup-code.yaml":  "members:\n  - {member_code: M1, name: A}\n  - {member_code: M1, name: B}\n",
		"malformed.yaml": "books: [",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		_, err := Load(path)
		assert.Error(t, err, name)
	}

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestSupabase(t *testing.T) {
	data, err := Load("testdata/library.yaml")
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		requests = map[string]*http.Request{}
		bodies   = map[string][]map[string]interface{}{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var rows []map[string]interface{}
		_ = json.Unmarshal(raw, &rows)
		mu.Lock()
		requests[r.URL.Path] = r
		bodies[r.URL.Path] = rows
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c, err := client.New(client.Config{URL: srv.URL, APIKey: "service-role"})
	require.NoError(t, err)

	res, err := Supabase(context.Background(), c, data)
	require.NoError(t, err)
	assert.Equal(t, Result{Books: 3, Members: 2}, res)

	members := requests["/rest/v1/members"]
	require.NotNil(t, members)
	assert.Equal(t, "member_code", members.URL.Query().Get("on_conflict"))
	assert.Contains(t, members.Header.Get("Prefer"), "resolution=merge-duplicates")

	books := bodies["/rest/v1/books"]
	require.Len(t, books, 3)
	assert.Equal(t, data.Books[0].ID, books[0]["id"])
	assert.EqualValues(t, 3, books[0]["available_copies"])
	assert.EqualValues(t, 3, books[0]["total_copies"])
}

func TestSupabase_ErrorVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"new row violates row-level security policy for table \"members\""}`))
	}))
	defer srv.Close()

	c, err := client.New(client.Config{URL: srv.URL, APIKey: "anon"})
	require.NoError(t, err)

	_, err = Supabase(context.Background(), c, &Data{Members: []Member{{MemberCode: "M1", Name: "A"}}})
	assert.EqualError(t, err, `seed members: new row violates row-level security policy for table "members"`)
}

func TestPostgres(t *testing.T) {
	data, err := Load("testdata/library.yaml")
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	for range data.Members {
		mock.ExpectExec("insert into members").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	for range data.Books {
		mock.ExpectExec("insert into books").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	res, err := Postgres(context.Background(), sqlx.NewDb(db, "postgres"), data)
	require.NoError(t, err)
	assert.Equal(t, Result{Books: 3, Members: 2}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("insert into members").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = Postgres(context.Background(), sqlx.NewDb(db, "postgres"), &Data{Members: []Member{{MemberCode: "M1", Name: "A"}}})
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}
