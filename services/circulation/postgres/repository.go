// Package postgres implements the circulation repository with direct SQL against a
// self-hosted Postgres carrying the same schema, triggers and views as Supabase.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/librarysingkat/circulation/internal/domain/library"
	"github.com/librarysingkat/circulation/services/circulation/supabase"
)

const (
	memberSelect = `SELECT id, member_code, name, email, phone, address FROM members`
	bookSelect   = `SELECT id, title, author, category, isbn, published_year, total_copies,
		available_copies, cover_url, is_deleted FROM books`
)

// Repository implements supabase.Repository with sqlx.
type Repository struct {
	db       *sqlx.DB
	recorder supabase.Recorder

	rngMu sync.Mutex
	rng   *rand.Rand
}

var _ supabase.Repository = (*Repository)(nil)

// New creates a Repository. recorder may be nil.
func New(db *sqlx.DB, recorder supabase.Recorder) *Repository {
	return &Repository{
		db:       db,
		recorder: recorder,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *Repository) observe(operation string, start time.Time, err error) {
	if r.recorder != nil {
		r.recorder.RecordUpstream(operation, time.Since(start), err)
	}
}

// --- Members ----------------------------------------------------------------

func (r *Repository) FetchMembers(ctx context.Context) (members []library.Member, err error) {
	defer func(start time.Time) { r.observe("fetch_members", start, err) }(time.Now())

	members = []library.Member{}
	err = r.db.SelectContext(ctx, &members, memberSelect+` ORDER BY member_code ASC`)
	return members, err
}

// FindMemberByName matches the trimmed name with ILIKE, its wildcards escaped, so
// the match is exact apart from case.
func (r *Repository) FindMemberByName(ctx context.Context, name string) (member *library.Member, err error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, nil
	}
	defer func(start time.Time) { r.observe("find_member_by_name", start, err) }(time.Now())

	var m library.Member
	err = r.db.GetContext(ctx, &m, memberSelect+` WHERE name ILIKE $1 LIMIT 1`, library.EscapeLike(trimmed))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repository) CreateMemberQuick(ctx context.Context, name string) (member *library.Member, err error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, library.ErrMemberNameEmpty
	}
	defer func(start time.Time) { r.observe("create_member_quick", start, err) }(time.Now())

	r.rngMu.Lock()
	code := library.NewMemberCode(r.rng)
	r.rngMu.Unlock()

	var m library.Member
	err = r.db.GetContext(ctx, &m, `
		INSERT INTO members (member_code, name)
		VALUES ($1, $2)
		RETURNING id, member_code, name, email, phone, address
	`, code, trimmed)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repository) FetchMemberCurrentLoans(ctx context.Context, memberID string) (rows []library.MemberCurrentLoanRow, err error) {
	defer func(start time.Time) { r.observe("fetch_member_current_loans", start, err) }(time.Now())

	rows = []library.MemberCurrentLoanRow{}
	err = r.db.SelectContext(ctx, &rows, `
		SELECT member_id, member_code, member_name, loan_id, loan_date::text AS loan_date,
		       due_date::text AS due_date, status, book_id, book_title, qty
		FROM v_member_current_loans
		WHERE member_id = $1
		ORDER BY loan_date DESC
	`, memberID)
	return rows, err
}

// --- Books ------------------------------------------------------------------

func (r *Repository) FetchAvailableBooks(ctx context.Context) (books []library.Book, err error) {
	defer func(start time.Time) { r.observe("fetch_available_books", start, err) }(time.Now())

	books = []library.Book{}
	err = r.db.SelectContext(ctx, &books, bookSelect+`
		WHERE is_deleted = false AND available_copies > 0
		ORDER BY title ASC`)
	return books, err
}

func (r *Repository) FetchAllBooks(ctx context.Context) (books []library.Book, err error) {
	defer func(start time.Time) { r.observe("fetch_all_books", start, err) }(time.Now())

	books = []library.Book{}
	err = r.db.SelectContext(ctx, &books, bookSelect+`
		WHERE is_deleted = false
		ORDER BY title ASC`)
	return books, err
}

func (r *Repository) SoftDeleteAllBooks(ctx context.Context) (err error) {
	defer func(start time.Time) { r.observe("soft_delete_all_books", start, err) }(time.Now())

	_, err = r.db.ExecContext(ctx, `UPDATE books SET is_deleted = true WHERE is_deleted = false`)
	return err
}

func (r *Repository) SoftDeleteBook(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { r.observe("soft_delete_book", start, err) }(time.Now())

	_, err = r.db.ExecContext(ctx, `UPDATE books SET is_deleted = true WHERE id = $1`, id)
	return err
}

func (r *Repository) UpdateBookCover(ctx context.Context, id, coverURL string) (err error) {
	defer func(start time.Time) { r.observe("update_book_cover", start, err) }(time.Now())

	_, err = r.db.ExecContext(ctx, `UPDATE books SET cover_url = $2 WHERE id = $1`, id, coverURL)
	return err
}

// --- Loans ------------------------------------------------------------------

func (r *Repository) FetchLoansWithOverdue(ctx context.Context) (rows []library.LoanRow, err error) {
	defer func(start time.Time) { r.observe("fetch_loans_with_overdue", start, err) }(time.Now())

	rows = []library.LoanRow{}
	err = r.db.SelectContext(ctx, &rows, `
		SELECT id, member_id, loan_date::text AS loan_date, due_date::text AS due_date,
		       status, computed_status, notes
		FROM v_loans_with_overdue
		ORDER BY loan_date DESC
	`)
	return rows, err
}

func (r *Repository) FetchLoanItemsWithBookTitle(ctx context.Context, loanID string) (items []library.LoanItemWithBook, err error) {
	defer func(start time.Time) { r.observe("fetch_loan_items", start, err) }(time.Now())

	items = []library.LoanItemWithBook{}
	err = r.db.SelectContext(ctx, &items, `
		SELECT li.id, li.loan_id, li.book_id, li.qty, li.returned_qty, b.title AS book_title
		FROM loan_items li
		LEFT JOIN books b ON b.id = li.book_id
		WHERE li.loan_id = $1
	`, loanID)
	return items, err
}

// CreateLoan inserts the loan and its items in one transaction. The due date is
// passed as NULL when empty so the trigger derives it.
func (r *Repository) CreateLoan(ctx context.Context, loan library.NewLoan) (loanID string, err error) {
	defer func(start time.Time) { r.observe("create_loan", start, err) }(time.Now())

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var dueDate sql.NullString
	if loan.DueDate != "" {
		dueDate = sql.NullString{String: loan.DueDate, Valid: true}
	}
	if err = tx.GetContext(ctx, &loanID, `
		INSERT INTO loans (member_id, loan_date, due_date, notes)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, loan.MemberID, loan.LoanDate, dueDate, loan.Notes); err != nil {
		return "", err
	}

	for _, item := range loan.Items {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO loan_items (loan_id, book_id, qty)
			VALUES ($1, $2, $3)
		`, loanID, item.BookID, item.Qty); err != nil {
			return "", err
		}
	}

	if err = tx.Commit(); err != nil {
		return "", err
	}
	return loanID, nil
}

// ReturnLoan closes every open item and the loan in one transaction. A loan that
// is already returned keeps its return date.
func (r *Repository) ReturnLoan(ctx context.Context, loanID, returnDateISO string) (err error) {
	defer func(start time.Time) { r.observe("return_loan", start, err) }(time.Now())

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		UPDATE loan_items SET returned_qty = qty
		WHERE loan_id = $1 AND returned_qty < qty
	`, loanID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE loans SET status = $2, return_date = $3
		WHERE id = $1 AND status <> $2
	`, loanID, library.StatusReturned, returnDateISO)
	if err != nil {
		return err
	}
	if n, rerr := res.RowsAffected(); rerr == nil && n == 0 {
		var exists bool
		if err = tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM loans WHERE id = $1)`, loanID); err != nil {
			return err
		}
		if !exists {
			err = supabase.ErrLoanNotFound
			return err
		}
	}

	return tx.Commit()
}
