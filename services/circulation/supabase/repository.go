// Package supabase is the circulation data layer. Repository is the storage
// contract; SupabaseRepository implements it over PostgREST and MockRepository
// keeps everything in memory for tests.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/librarysingkat/circulation/internal/domain/library"
	"github.com/librarysingkat/circulation/supabase/client"
)

// Column lists requested from PostgREST.
const (
	memberColumns       = "id, member_code, name, email, phone, address"
	bookColumns         = "id, title, author, category, isbn, published_year, total_copies, available_copies, cover_url, is_deleted"
	loanColumns         = "id, member_id, loan_date, due_date, status, computed_status, notes"
	loanItemColumns     = "id, loan_id, book_id, qty, returned_qty, books(title)"
	memberLoanColumns   = "member_id, member_code, member_name, loan_id, loan_date, due_date, status, book_id, book_title, qty"
	tableMembers        = "members"
	tableBooks          = "books"
	tableLoans          = "loans"
	tableLoanItems      = "loan_items"
	viewLoansOverdue    = "v_loans_with_overdue"
	viewMemberCurrLoans = "v_member_current_loans"
)

// ErrLoanNotFound is returned when returning a loan that does not exist.
var ErrLoanNotFound = errors.New("loan not found")

// =============================================================================
// Repository Interface
// =============================================================================

// Repository defines the circulation storage operations.
type Repository interface {
	// FetchMembers lists members ordered by member code.
	FetchMembers(ctx context.Context) ([]library.Member, error)
	// FetchAvailableBooks lists books that are not deleted and have a free copy, by title.
	FetchAvailableBooks(ctx context.Context) ([]library.Book, error)
	// FetchAllBooks lists books that are not deleted, by title.
	FetchAllBooks(ctx context.Context) ([]library.Book, error)
	// SoftDeleteAllBooks marks every book deleted.
	SoftDeleteAllBooks(ctx context.Context) error
	// SoftDeleteBook marks one book deleted.
	SoftDeleteBook(ctx context.Context, id string) error
	// UpdateBookCover sets a book's cover image URL.
	UpdateBookCover(ctx context.Context, id, coverURL string) error
	// FetchLoansWithOverdue lists loans with their computed status, newest first.
	FetchLoansWithOverdue(ctx context.Context) ([]library.LoanRow, error)
	// FetchLoanItemsWithBookTitle lists the lines of one loan.
	FetchLoanItemsWithBookTitle(ctx context.Context, loanID string) ([]library.LoanItemWithBook, error)
	// CreateLoan inserts a loan and its items and returns the loan ID.
	CreateLoan(ctx context.Context, loan library.NewLoan) (string, error)
	// ReturnLoan marks every item returned and the loan RETURNED. It returns
	// ErrLoanNotFound for an unknown loan.
	ReturnLoan(ctx context.Context, loanID, returnDateISO string) error
	// FetchMemberCurrentLoans lists the books a member currently has out.
	FetchMemberCurrentLoans(ctx context.Context, memberID string) ([]library.MemberCurrentLoanRow, error)
	// FindMemberByName returns the first member whose name matches case-insensitively,
	// or nil.
	FindMemberByName(ctx context.Context, name string) (*library.Member, error)
	// CreateMemberQuick registers a member with a generated code.
	CreateMemberQuick(ctx context.Context, name string) (*library.Member, error)
}

// Recorder receives upstream call outcomes.
type Recorder interface {
	RecordUpstream(operation string, duration time.Duration, err error)
}

// TokenSource returns the access token of the caller, or "" to call anonymously.
type TokenSource func(ctx context.Context) string

// =============================================================================
// Supabase Repository Implementation
// =============================================================================

// SupabaseRepository implements Repository over PostgREST.
type SupabaseRepository struct {
	client   *client.Client
	tokens   TokenSource
	recorder Recorder

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a SupabaseRepository.
type Option func(*SupabaseRepository)

// WithTokenSource makes every call run as the user whose token the source returns.
func WithTokenSource(tokens TokenSource) Option {
	return func(r *SupabaseRepository) { r.tokens = tokens }
}

// WithRecorder reports each call's duration and outcome.
func WithRecorder(recorder Recorder) Option {
	return func(r *SupabaseRepository) { r.recorder = recorder }
}

// WithRand sets the member code generator source.
func WithRand(rng *rand.Rand) Option {
	return func(r *SupabaseRepository) { r.rng = rng }
}

// NewRepository creates a new Supabase repository.
func NewRepository(c *client.Client, opts ...Option) *SupabaseRepository {
	r := &SupabaseRepository{
		client: c,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *SupabaseRepository) db(ctx context.Context) *client.Client {
	if r.tokens == nil {
		return r.client
	}
	if token := r.tokens(ctx); token != "" {
		return r.client.WithAccessToken(token)
	}
	return r.client
}

func (r *SupabaseRepository) observe(operation string, start time.Time, err error) {
	if r.recorder != nil {
		r.recorder.RecordUpstream(operation, time.Since(start), err)
	}
}

func (r *SupabaseRepository) FetchMembers(ctx context.Context) (members []library.Member, err error) {
	defer func(start time.Time) { r.observe("fetch_members", start, err) }(time.Now())

	resp, err := r.db(ctx).From(tableMembers).
		Select(memberColumns).
		Order("member_code", true).
		Execute(ctx)
	if err != nil {
		return nil, err
	}
	if err = resp.Into(&members); err != nil {
		return nil, err
	}
	return members, nil
}

func (r *SupabaseRepository) FetchAvailableBooks(ctx context.Context) (books []library.Book, err error) {
	defer func(start time.Time) { r.observe("fetch_available_books", start, err) }(time.Now())

	resp, err := r.db(ctx).From(tableBooks).
		Select(bookColumns).
		Eq("is_deleted", false).
		Gt("available_copies", 0).
		Order("title", true).
		Execute(ctx)
	if err != nil {
		return nil, err
	}
	if err = resp.Into(&books); err != nil {
		return nil, err
	}
	return books, nil
}

func (r *SupabaseRepository) FetchAllBooks(ctx context.Context) (books []library.Book, err error) {
	defer func(start time.Time) { r.observe("fetch_all_books", start, err) }(time.Now())

	resp, err := r.db(ctx).From(tableBooks).
		Select(bookColumns).
		Eq("is_deleted", false).
		Order("title", true).
		Execute(ctx)
	if err != nil {
		return nil, err
	}
	if err = resp.Into(&books); err != nil {
		return nil, err
	}
	return books, nil
}

type softDeletePatch struct {
	IsDeleted bool `json:"is_deleted"`
}

func (r *SupabaseRepository) SoftDeleteAllBooks(ctx context.Context) (err error) {
	defer func(start time.Time) { r.observe("soft_delete_all_books", start, err) }(time.Now())

	resp, err := r.db(ctx).From(tableBooks).
		Eq("is_deleted", false).
		ExecuteUpdate(ctx, softDeletePatch{IsDeleted: true})
	if err != nil {
		return err
	}
	return resp.Error()
}

func (r *SupabaseRepository) SoftDeleteBook(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { r.observe("soft_delete_book", start, err) }(time.Now())

	resp, err := r.db(ctx).From(tableBooks).
		Eq("id", id).
		ExecuteUpdate(ctx, softDeletePatch{IsDeleted: true})
	if err != nil {
		return err
	}
	return resp.Error()
}

func (r *SupabaseRepository) UpdateBookCover(ctx context.Context, id, coverURL string) (err error) {
	defer func(start time.Time) { r.observe("update_book_cover", start, err) }(time.Now())

	resp, err := r.db(ctx).From(tableBooks).
		Eq("id", id).
		ExecuteUpdate(ctx, map[string]string{"cover_url": coverURL})
	if err != nil {
		return err
	}
	return resp.Error()
}

func (r *SupabaseRepository) FetchLoansWithOverdue(ctx context.Context) (rows []library.LoanRow, err error) {
	defer func(start time.Time) { r.observe("fetch_loans_with_overdue", start, err) }(time.Now())

	resp, err := r.db(ctx).From(viewLoansOverdue).
		Select(loanColumns).
		Order("loan_date", false).
		Execute(ctx)
	if err != nil {
		return nil, err
	}
	if err = resp.Into(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// loanItemRow is a loan_items row with the embedded books(title) resource.
type loanItemRow struct {
	ID          string `json:"id"`
	LoanID      string `json:"loan_id"`
	BookID      string `json:"book_id"`
	Qty         int    `json:"qty"`
	ReturnedQty int    `json:"returned_qty"`
	Books       *struct {
		Title string `json:"title"`
	} `json:"books"`
}

func (r *SupabaseRepository) FetchLoanItemsWithBookTitle(ctx context.Context, loanID string) (items []library.LoanItemWithBook, err error) {
	defer func(start time.Time) { r.observe("fetch_loan_items", start, err) }(time.Now())

	resp, err := r.db(ctx).From(tableLoanItems).
		Select(loanItemColumns).
		Eq("loan_id", loanID).
		Execute(ctx)
	if err != nil {
		return nil, err
	}
	var rows []loanItemRow
	if err = resp.Into(&rows); err != nil {
		return nil, err
	}

	items = make([]library.LoanItemWithBook, 0, len(rows))
	for _, row := range rows {
		item := library.LoanItemWithBook{
			ID:          row.ID,
			LoanID:      row.LoanID,
			BookID:      row.BookID,
			Qty:         row.Qty,
			ReturnedQty: row.ReturnedQty,
		}
		if row.Books != nil {
			title := row.Books.Title
			item.BookTitle = &title
		}
		items = append(items, item)
	}
	return items, nil
}

type loanInsert struct {
	MemberID string  `json:"member_id"`
	LoanDate string  `json:"loan_date"`
	DueDate  string  `json:"due_date,omitempty"`
	Notes    *string `json:"notes"`
}

type loanItemInsert struct {
	LoanID string `json:"loan_id"`
	BookID string `json:"book_id"`
	Qty    int    `json:"qty"`
}

// CreateLoan inserts the loan, letting the database default the status and derive
// the due date when none is given, then inserts the items in one batch. When the
// items are rejected the loan row is deleted again so no empty loan stays behind;
// the items error is returned unchanged.
func (r *SupabaseRepository) CreateLoan(ctx context.Context, loan library.NewLoan) (loanID string, err error) {
	defer func(start time.Time) { r.observe("create_loan", start, err) }(time.Now())

	db := r.db(ctx)
	resp, err := db.From(tableLoans).
		Select("id").
		Single().
		ExecuteInsert(ctx, loanInsert{
			MemberID: loan.MemberID,
			LoanDate: loan.LoanDate,
			DueDate:  loan.DueDate,
			Notes:    loan.Notes,
		})
	if err != nil {
		return "", err
	}
	var inserted struct {
		ID string `json:"id"`
	}
	if err = resp.Into(&inserted); err != nil {
		return "", err
	}

	payload := make([]loanItemInsert, 0, len(loan.Items))
	for _, item := range loan.Items {
		payload = append(payload, loanItemInsert{LoanID: inserted.ID, BookID: item.BookID, Qty: item.Qty})
	}
	if len(payload) > 0 {
		resp, err = db.From(tableLoanItems).ExecuteInsert(ctx, payload)
		if err == nil {
			err = resp.Error()
		}
		if err != nil {
			if cleanupErr := r.deleteLoan(context.WithoutCancel(ctx), db, inserted.ID); cleanupErr != nil {
				return "", fmt.Errorf("%w (removing loan %s failed: %v)", err, inserted.ID, cleanupErr)
			}
			return "", err
		}
	}
	return inserted.ID, nil
}

func (r *SupabaseRepository) deleteLoan(ctx context.Context, db *client.Client, loanID string) error {
	resp, err := db.From(tableLoans).Eq("id", loanID).ExecuteDelete(ctx)
	if err != nil {
		return err
	}
	return resp.Error()
}

// ReturnLoan sets returned_qty to qty on each open item, then closes the loan. A
// loan that is already returned keeps its return date.
func (r *SupabaseRepository) ReturnLoan(ctx context.Context, loanID, returnDateISO string) (err error) {
	defer func(start time.Time) { r.observe("return_loan", start, err) }(time.Now())

	db := r.db(ctx)
	resp, err := db.From(tableLoanItems).
		Select("id, qty, returned_qty").
		Eq("loan_id", loanID).
		Execute(ctx)
	if err != nil {
		return err
	}
	var items []struct {
		ID          string `json:"id"`
		Qty         int    `json:"qty"`
		ReturnedQty int    `json:"returned_qty"`
	}
	if err = resp.Into(&items); err != nil {
		return err
	}

	for _, item := range items {
		if item.ReturnedQty >= item.Qty {
			continue
		}
		resp, err = db.From(tableLoanItems).
			Eq("id", item.ID).
			ExecuteUpdate(ctx, map[string]int{"returned_qty": item.Qty})
		if err != nil {
			return err
		}
		if err = resp.Error(); err != nil {
			return err
		}
	}

	resp, err = db.From(tableLoans).
		Select("id").
		Eq("id", loanID).
		Neq("status", library.StatusReturned).
		ExecuteUpdate(ctx, map[string]string{
			"status":      library.StatusReturned,
			"return_date": returnDateISO,
		})
	if err != nil {
		return err
	}
	var updated []struct {
		ID string `json:"id"`
	}
	if err = resp.Into(&updated); err != nil {
		return err
	}
	if len(updated) > 0 {
		return nil
	}

	resp, err = db.From(tableLoans).Select("id").Eq("id", loanID).Execute(ctx)
	if err != nil {
		return err
	}
	if err = resp.Into(&updated); err != nil {
		return err
	}
	if len(updated) == 0 {
		return ErrLoanNotFound
	}
	return nil
}

func (r *SupabaseRepository) FetchMemberCurrentLoans(ctx context.Context, memberID string) (rows []library.MemberCurrentLoanRow, err error) {
	defer func(start time.Time) { r.observe("fetch_member_current_loans", start, err) }(time.Now())

	resp, err := r.db(ctx).From(viewMemberCurrLoans).
		Select(memberLoanColumns).
		Eq("member_id", memberID).
		Order("loan_date", false).
		Execute(ctx)
	if err != nil {
		return nil, err
	}
	if err = resp.Into(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// FindMemberByName matches the trimmed name with ilike, its wildcards escaped, so
// the match is exact apart from case. PostgREST reads "*" as a wildcard too, so a
// name containing one is queried with "_" in its place and compared here.
func (r *SupabaseRepository) FindMemberByName(ctx context.Context, name string) (member *library.Member, err error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, nil
	}
	defer func(start time.Time) { r.observe("find_member_by_name", start, err) }(time.Now())

	pattern := library.EscapeLike(trimmed)
	q := r.db(ctx).From(tableMembers).Select(memberColumns)
	if strings.Contains(pattern, "*") {
		q = q.ILike("name", strings.ReplaceAll(pattern, "*", "_"))
	} else {
		q = q.ILike("name", pattern).Limit(1)
	}
	resp, err := q.Execute(ctx)
	if err != nil {
		return nil, err
	}
	var members []library.Member
	if err = resp.Into(&members); err != nil {
		return nil, err
	}
	for i := range members {
		if library.SameName(members[i].Name, trimmed) {
			return &members[i], nil
		}
	}
	return nil, nil
}

func (r *SupabaseRepository) CreateMemberQuick(ctx context.Context, name string) (member *library.Member, err error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, library.ErrMemberNameEmpty
	}
	defer func(start time.Time) { r.observe("create_member_quick", start, err) }(time.Now())

	resp, err := r.db(ctx).From(tableMembers).
		Select(memberColumns).
		Single().
		ExecuteInsert(ctx, map[string]string{
			"member_code": r.memberCode(),
			"name":        trimmed,
		})
	if err != nil {
		return nil, err
	}
	var inserted library.Member
	if err = resp.Into(&inserted); err != nil {
		return nil, err
	}
	return &inserted, nil
}

func (r *SupabaseRepository) memberCode() string {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return library.NewMemberCode(r.rng)
}

// Compile-time check.
var _ Repository = (*SupabaseRepository)(nil)

