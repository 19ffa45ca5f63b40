// Package library holds the circulation domain types and the loan lifecycle rules:
// due dates, display status and the create-loan form state.
package library

// Member is a registered patron who may borrow books.
type Member struct {
	ID         string  `json:"id" db:"id"`
	MemberCode string  `json:"member_code" db:"member_code"`
	Name       string  `json:"name" db:"name"`
	Email      *string `json:"email" db:"email"`
	Phone      *string `json:"phone" db:"phone"`
	Address    *string `json:"address" db:"address"`
}

// Book is a catalog title with its copy counts.
type Book struct {
	ID              string  `json:"id" db:"id"`
	Title           string  `json:"title" db:"title"`
	Author          *string `json:"author" db:"author"`
	Category        *string `json:"category" db:"category"`
	ISBN            *string `json:"isbn" db:"isbn"`
	PublishedYear   *int    `json:"published_year" db:"published_year"`
	TotalCopies     int     `json:"total_copies" db:"total_copies"`
	AvailableCopies int     `json:"available_copies" db:"available_copies"`
	CoverURL        *string `json:"cover_url" db:"cover_url"`
	IsDeleted       *bool   `json:"is_deleted" db:"is_deleted"`
}

// Available reports whether at least one copy can be lent.
func (b Book) Available() bool {
	return b.AvailableCopies > 0
}

// LoanRow is one row of the v_loans_with_overdue view.
type LoanRow struct {
	ID             string  `json:"id" db:"id"`
	MemberID       string  `json:"member_id" db:"member_id"`
	LoanDate       string  `json:"loan_date" db:"loan_date"`
	DueDate        string  `json:"due_date" db:"due_date"`
	Status         string  `json:"status" db:"status"`
	ComputedStatus *string `json:"computed_status" db:"computed_status"`
	Notes          *string `json:"notes" db:"notes"`
}

// DisplayStatus is the view-computed status when present, otherwise the stored one.
func (r LoanRow) DisplayStatus() string {
	if r.ComputedStatus != nil && *r.ComputedStatus != "" {
		return *r.ComputedStatus
	}
	return r.Status
}

// LoanListItem is a loan joined with its member for listing.
type LoanListItem struct {
	ID         string `json:"id"`
	MemberName string `json:"member_name"`
	MemberCode string `json:"member_code"`
	LoanDate   string `json:"loan_date"`
	DueDate    string `json:"due_date"`
	Status     string `json:"status"`
	ItemCount  int    `json:"item_count"`
}

// LoanItemWithBook is a loan line with the borrowed book's title.
type LoanItemWithBook struct {
	ID          string  `json:"id" db:"id"`
	LoanID      string  `json:"loan_id" db:"loan_id"`
	BookID      string  `json:"book_id" db:"book_id"`
	Qty         int     `json:"qty" db:"qty"`
	ReturnedQty int     `json:"returned_qty" db:"returned_qty"`
	BookTitle   *string `json:"book_title" db:"book_title"`
}

// Outstanding is the number of copies not yet returned.
func (i LoanItemWithBook) Outstanding() int {
	if n := i.Qty - i.ReturnedQty; n > 0 {
		return n
	}
	return 0
}

// MemberCurrentLoanRow is one row of the v_member_current_loans view.
type MemberCurrentLoanRow struct {
	MemberID   string `json:"member_id" db:"member_id"`
	MemberCode string `json:"member_code" db:"member_code"`
	MemberName string `json:"member_name" db:"member_name"`
	LoanID     string `json:"loan_id" db:"loan_id"`
	LoanDate   string `json:"loan_date" db:"loan_date"`
	DueDate    string `json:"due_date" db:"due_date"`
	Status     string `json:"status" db:"status"`
	BookID     string `json:"book_id" db:"book_id"`
	BookTitle  string `json:"book_title" db:"book_title"`
	Qty        int    `json:"qty" db:"qty"`
}

// RowID identifies a row by loan and book.
func (r MemberCurrentLoanRow) RowID() string {
	return r.LoanID + "-" + r.BookID
}

// LoanItemInput is one book requested in a new loan.
type LoanItemInput struct {
	BookID string `json:"book_id"`
	Qty    int    `json:"qty"`
}

// NewLoan is the payload for creating a loan with its items.
type NewLoan struct {
	MemberID string
	LoanDate string
	// DueDate is optional; the database trigger fills it when empty.
	DueDate string
	Items   []LoanItemInput
	Notes   *string
}
