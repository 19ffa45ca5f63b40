package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librarysingkat/circulation/internal/domain/library"
	"github.com/librarysingkat/circulation/supabase/client"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

type reply struct {
	status int
	body   string
}

// fakePostgREST answers by "METHOD /path" and records every request.
type fakePostgREST struct {
	mu       sync.Mutex
	requests []recordedRequest
	replies  map[string]reply
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   body,
	})
	rep, ok := f.replies[r.Method+" "+r.URL.Path]
	f.mu.Unlock()

	if !ok {
		rep = reply{status: http.StatusOK, body: "[]"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rep.status)
	_, _ = w.Write([]byte(rep.body))
}

func (f *fakePostgREST) all() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

type upstreamCall struct {
	op  string
	err error
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []upstreamCall
}

func (f *fakeRecorder) RecordUpstream(op string, _ time.Duration, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, upstreamCall{op: op, err: err})
}

func newTestRepository(t *testing.T, replies map[string]reply, opts ...Option) (*SupabaseRepository, *fakePostgREST) {
	t.Helper()
	fake := &fakePostgREST{replies: replies}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	c, err := client.New(client.Config{URL: server.URL, APIKey: "anon-key"})
	require.NoError(t, err)
	return NewRepository(c, opts...), fake
}

func TestSupabaseRepository_FetchQueries(t *testing.T) {
	repo, fake := newTestRepository(t, map[string]reply{
		"GET /rest/v1/members": {http.StatusOK, `[{"id":"m1","member_code":"M1001","name":"Ani"}]`},
		"GET /rest/v1/books":   {http.StatusOK, `[{"id":"b1","title":"Dune","total_copies":2,"available_copies":1,"is_deleted":false}]`},
	})
	ctx := context.Background()

	members, err := repo.FetchMembers(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "M1001", members[0].MemberCode)

	books, err := repo.FetchAvailableBooks(ctx)
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, 1, books[0].AvailableCopies)

	_, err = repo.FetchAllBooks(ctx)
	require.NoError(t, err)

	reqs := fake.all()
	require.Len(t, reqs, 3)

	assert.Equal(t, memberColumns, reqs[0].Query.Get("select"))
	assert.Equal(t, "member_code.asc", reqs[0].Query.Get("order"))

	assert.Equal(t, "eq.false", reqs[1].Query.Get("is_deleted"))
	assert.Equal(t, "gt.0", reqs[1].Query.Get("available_copies"))
	assert.Equal(t, "title.asc", reqs[1].Query.Get("order"))

	assert.Equal(t, "eq.false", reqs[2].Query.Get("is_deleted"))
	assert.Empty(t, reqs[2].Query.Get("available_copies"))
}

func TestSupabaseRepository_SoftDelete(t *testing.T) {
	repo, fake := newTestRepository(t, nil)
	ctx := context.Background()

	require.NoError(t, repo.SoftDeleteAllBooks(ctx))
	require.NoError(t, repo.SoftDeleteBook(ctx, "b1"))

	reqs := fake.all()
	require.Len(t, reqs, 2)
	for _, req := range reqs {
		assert.Equal(t, http.MethodPatch, req.Method)
		assert.JSONEq(t, `{"is_deleted":true}`, string(req.Body))
	}
	assert.Equal(t, "eq.false", reqs[0].Query.Get("is_deleted"))
	assert.Equal(t, "eq.b1", reqs[1].Query.Get("id"))
}

func TestSupabaseRepository_FetchLoansAndItems(t *testing.T) {
	repo, fake := newTestRepository(t, map[string]reply{
		"GET /rest/v1/v_loans_with_overdue": {http.StatusOK, `[{"id":"l1","member_id":"m1","loan_date":"2026-01-10","due_date":"2026-01-17","status":"ON_LOAN","computed_status":"OVERDUE","notes":null}]`},
		"GET /rest/v1/loan_items":           {http.StatusOK, `[{"id":"i1","loan_id":"l1","book_id":"b1","qty":1,"returned_qty":0,"books":{"title":"Dune"}},{"id":"i2","loan_id":"l1","book_id":"b2","qty":1,"returned_qty":0,"books":null}]`},
	})
	ctx := context.Background()

	rows, err := repo.FetchLoansWithOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, library.StatusOverdue, rows[0].DisplayStatus())

	items, err := repo.FetchLoanItemsWithBookTitle(ctx, "l1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.NotNil(t, items[0].BookTitle)
	assert.Equal(t, "Dune", *items[0].BookTitle)
	assert.Nil(t, items[1].BookTitle)

	reqs := fake.all()
	assert.Equal(t, "loan_date.desc", reqs[0].Query.Get("order"))
	assert.Equal(t, loanItemColumns, reqs[1].Query.Get("select"))
	assert.Equal(t, "eq.l1", reqs[1].Query.Get("loan_id"))
}

func TestSupabaseRepository_CreateLoan(t *testing.T) {
	repo, fake := newTestRepository(t, map[string]reply{
		"POST /rest/v1/loans":      {http.StatusCreated, `{"id":"loan-1"}`},
		"POST /rest/v1/loan_items": {http.StatusCreated, `[]`},
	})

	id, err := repo.CreateLoan(context.Background(), library.NewLoan{
		MemberID: "m1",
		LoanDate: "2026-02-01",
		Items:    []library.LoanItemInput{{BookID: "b1", Qty: 1}, {BookID: "b2", Qty: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, "loan-1", id)

	reqs := fake.all()
	require.Len(t, reqs, 2)

	loanReq := reqs[0]
	assert.Equal(t, "application/vnd.pgrst.object+json", loanReq.Header.Get("Accept"))
	assert.Equal(t, "return=representation", loanReq.Header.Get("Prefer"))
	assert.Equal(t, "id", loanReq.Query.Get("select"))
	var loanBody map[string]any
	require.NoError(t, json.Unmarshal(loanReq.Body, &loanBody))
	assert.Equal(t, "m1", loanBody["member_id"])
	assert.Equal(t, "2026-02-01", loanBody["loan_date"])
	assert.Nil(t, loanBody["notes"])
	_, hasDue := loanBody["due_date"]
	assert.False(t, hasDue, "due_date is left to the trigger")

	assert.JSONEq(t, `[{"loan_id":"loan-1","book_id":"b1","qty":1},{"loan_id":"loan-1","book_id":"b2","qty":1}]`, string(reqs[1].Body))
}

func TestSupabaseRepository_CreateLoanExplicitDueDate(t *testing.T) {
	repo, fake := newTestRepository(t, map[string]reply{
		"POST /rest/v1/loans": {http.StatusCreated, `{"id":"loan-2"}`},
	})
	notes := "hardcover"

	_, err := repo.CreateLoan(context.Background(), library.NewLoan{
		MemberID: "m1",
		LoanDate: "2026-02-01",
		DueDate:  "2026-02-15",
		Notes:    &notes,
		Items:    []library.LoanItemInput{{BookID: "b1", Qty: 1}},
	})
	require.NoError(t, err)

	var loanBody map[string]any
	require.NoError(t, json.Unmarshal(fake.all()[0].Body, &loanBody))
	assert.Equal(t, "2026-02-15", loanBody["due_date"])
	assert.Equal(t, "hardcover", loanBody["notes"])
}

func TestSupabaseRepository_CreateLoanItemsFailure(t *testing.T) {
	repo, fake := newTestRepository(t, map[string]reply{
		"POST /rest/v1/loans":      {http.StatusCreated, `{"id":"loan-3"}`},
		"POST /rest/v1/loan_items": {http.StatusConflict, `{"code":"23514","message":"new row for relation \"books\" violates check constraint \"books_available_copies_check\""}`},
	})

	_, err := repo.CreateLoan(context.Background(), library.NewLoan{
		MemberID: "m1",
		LoanDate: "2026-02-01",
		Items:    []library.LoanItemInput{{BookID: "b1", Qty: 1}},
	})
	require.Error(t, err)
	assert.Equal(t, `new row for relation "books" violates check constraint "books_available_copies_check"`, err.Error())

	reqs := fake.all()
	require.Len(t, reqs, 3)
	assert.Equal(t, http.MethodDelete, reqs[2].Method)
	assert.Equal(t, "/rest/v1/loans", reqs[2].Path)
	assert.Equal(t, "eq.loan-3", reqs[2].Query.Get("id"))
}

func TestSupabaseRepository_CreateLoanCleanupFailure(t *testing.T) {
	repo, _ := newTestRepository(t, map[string]reply{
		"POST /rest/v1/loans":      {http.StatusCreated, `{"id":"loan-4"}`},
		"POST /rest/v1/loan_items": {http.StatusConflict, `{"message":"items rejected"}`},
		"DELETE /rest/v1/loans":    {http.StatusForbidden, `{"message":"permission denied for table loans"}`},
	})

	_, err := repo.CreateLoan(context.Background(), library.NewLoan{
		MemberID: "m1",
		LoanDate: "2026-02-01",
		Items:    []library.LoanItemInput{{BookID: "b1", Qty: 1}},
	})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "items rejected"), err.Error())
	assert.Contains(t, err.Error(), "loan-4")
	assert.Contains(t, err.Error(), "permission denied for table loans")
}

func TestSupabaseRepository_ReturnLoan(t *testing.T) {
	repo, fake := newTestRepository(t, map[string]reply{
		"GET /rest/v1/loan_items": {http.StatusOK, `[{"id":"i1","qty":1,"returned_qty":0},{"id":"i2","qty":2,"returned_qty":2}]`},
		"PATCH /rest/v1/loans":    {http.StatusOK, `[{"id":"l1"}]`},
	})

	require.NoError(t, repo.ReturnLoan(context.Background(), "l1", "2026-02-05"))

	reqs := fake.all()
	require.Len(t, reqs, 3)
	assert.Equal(t, http.MethodPatch, reqs[1].Method)
	assert.Equal(t, "/rest/v1/loan_items", reqs[1].Path)
	assert.Equal(t, "eq.i1", reqs[1].Query.Get("id"))
	assert.JSONEq(t, `{"returned_qty":1}`, string(reqs[1].Body))

	assert.Equal(t, "/rest/v1/loans", reqs[2].Path)
	assert.Equal(t, "neq.RETURNED", reqs[2].Query.Get("status"))
	assert.JSONEq(t, `{"status":"RETURNED","return_date":"2026-02-05"}`, string(reqs[2].Body))
}

func TestSupabaseRepository_ReturnLoanAlreadyReturned(t *testing.T) {
	repo, fake := newTestRepository(t, map[string]reply{
		"GET /rest/v1/loan_items": {http.StatusOK, `[{"id":"i1","qty":1,"returned_qty":1}]`},
		"PATCH /rest/v1/loans":    {http.StatusOK, `[]`},
		"GET /rest/v1/loans":      {http.StatusOK, `[{"id":"l1"}]`},
	})

	require.NoError(t, repo.ReturnLoan(context.Background(), "l1", "2026-03-01"))

	reqs := fake.all()
	require.Len(t, reqs, 3)
	assert.Equal(t, http.MethodPatch, reqs[1].Method)
	assert.Equal(t, http.MethodGet, reqs[2].Method)
	assert.Equal(t, "eq.l1", reqs[2].Query.Get("id"))
}

func TestSupabaseRepository_ReturnLoanNotFound(t *testing.T) {
	repo, _ := newTestRepository(t, nil)

	err := repo.ReturnLoan(context.Background(), "missing", "2026-02-05")
	assert.ErrorIs(t, err, ErrLoanNotFound)
}

func TestSupabaseRepository_Members(t *testing.T) {
	repo, fake := newTestRepository(t, map[string]reply{
		"GET /rest/v1/members":  {http.StatusOK, `[{"id":"m1","member_code":"M1234","name":"Budi Santoso"}]`},
		"POST /rest/v1/members": {http.StatusCreated, `{"id":"m2","member_code":"M5555","name":"Citra"}`},
	}, WithRand(rand.New(rand.NewSource(7))))
	ctx := context.Background()

	none, err := repo.FindMemberByName(ctx, "   ")
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.Empty(t, fake.all(), "blank name must not query")

	found, err := repo.FindMemberByName(ctx, "  budi santoso ")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "m1", found.ID)

	_, err = repo.CreateMemberQuick(ctx, " \t")
	assert.ErrorIs(t, err, library.ErrMemberNameEmpty)

	created, err := repo.CreateMemberQuick(ctx, "  Citra ")
	require.NoError(t, err)
	assert.Equal(t, "m2", created.ID)

	reqs := fake.all()
	require.Len(t, reqs, 2)
	assert.Equal(t, "ilike.budi santoso", reqs[0].Query.Get("name"))
	assert.Equal(t, "1", reqs[0].Query.Get("limit"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(reqs[1].Body, &body))
	assert.Equal(t, "Citra", body["name"])
	assert.Regexp(t, `^M[1-9][0-9]{3}$`, body["member_code"])
}

func TestSupabaseRepository_FindMemberByNameEscapesWildcards(t *testing.T) {
	repo, fake := newTestRepository(t, map[string]reply{
		"GET /rest/v1/members": {http.StatusOK, `[{"id":"m7","member_code":"M7000","name":"Ani Xputri"},{"id":"m8","member_code":"M8000","name":"ani*putri"}]`},
	})
	ctx := context.Background()

	_, err := repo.FindMemberByName(ctx, "100%_ani")
	require.NoError(t, err)

	found, err := repo.FindMemberByName(ctx, "Ani*Putri")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "m8", found.ID, "a row matched only through the wildcard is skipped")

	reqs := fake.all()
	require.Len(t, reqs, 2)
	assert.Equal(t, `ilike.100\%\_ani`, reqs[0].Query.Get("name"))
	assert.Equal(t, "ilike.Ani_Putri", reqs[1].Query.Get("name"))
	assert.Empty(t, reqs[1].Query.Get("limit"))
}

func TestSupabaseRepository_FetchMemberCurrentLoans(t *testing.T) {
	repo, fake := newTestRepository(t, map[string]reply{
		"GET /rest/v1/v_member_current_loans": {http.StatusOK, `[{"member_id":"m1","member_code":"M1001","member_name":"Ani","loan_id":"l1","loan_date":"2026-01-02","due_date":"2026-01-09","status":"ON_LOAN","book_id":"b1","book_title":"Dune","qty":1}]`},
	})

	rows, err := repo.FetchMemberCurrentLoans(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "l1-b1", rows[0].RowID())

	req := fake.all()[0]
	assert.Equal(t, "eq.m1", req.Query.Get("member_id"))
	assert.Equal(t, "loan_date.desc", req.Query.Get("order"))
}

func TestSupabaseRepository_TokenSourceAndRecorder(t *testing.T) {
	rec := &fakeRecorder{}
	repo, fake := newTestRepository(t, map[string]reply{
		"GET /rest/v1/members": {http.StatusUnauthorized, `{"code":"PGRST301","message":"JWT expired"}`},
	}, WithTokenSource(func(context.Context) string { return "user-token" }), WithRecorder(rec))

	_, err := repo.FetchMembers(context.Background())
	require.Error(t, err)
	assert.Equal(t, "JWT expired", err.Error())

	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "PGRST301", apiErr.Code)

	req := fake.all()[0]
	assert.Equal(t, "Bearer user-token", req.Header.Get("Authorization"))
	assert.Equal(t, "anon-key", req.Header.Get("apikey"))

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "fetch_members", rec.calls[0].op)
	assert.Error(t, rec.calls[0].err)
}
