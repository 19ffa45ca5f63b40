package library

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"
)

var (
	// ErrMemberNameRequired is returned when a loan has neither a picked member nor a name.
	ErrMemberNameRequired = errors.New("member name is required")
	// ErrNoBooksSelected is returned when a loan has no books.
	ErrNoBooksSelected = errors.New("select at least one book")
	// ErrMemberNameEmpty is returned when quick-creating a member with a blank name.
	ErrMemberNameEmpty = errors.New("member name is empty")
)

// LoanDraft is the state of the create-loan form.
type LoanDraft struct {
	MemberName      string
	PickedMember    *Member
	LoanDate        time.Time
	Notes           string
	BookQuery       string
	SelectedBookIDs map[string]struct{}
	Saving          bool
}

// NewLoanDraft returns an empty draft dated now.
func NewLoanDraft(now time.Time) *LoanDraft {
	d := &LoanDraft{}
	d.Reset(now)
	return d
}

// Reset clears the form and dates it now.
func (d *LoanDraft) Reset(now time.Time) {
	d.MemberName = ""
	d.PickedMember = nil
	d.LoanDate = now
	d.Notes = ""
	d.BookQuery = ""
	d.SelectedBookIDs = make(map[string]struct{})
	d.Saving = false
}

// IsSelected reports whether bookID is part of the draft.
func (d *LoanDraft) IsSelected(bookID string) bool {
	_, ok := d.SelectedBookIDs[bookID]
	return ok
}

// Select adds bookID without checking availability. Pick is the checked variant.
func (d *LoanDraft) Select(bookID string) {
	if d.SelectedBookIDs == nil {
		d.SelectedBookIDs = make(map[string]struct{})
	}
	d.SelectedBookIDs[bookID] = struct{}{}
}

// Pick selects book when it has a copy available and clears the search query.
func (d *LoanDraft) Pick(book Book) {
	if !book.Available() {
		return
	}
	d.Select(book.ID)
	d.BookQuery = ""
}

// Remove drops book from the selection.
func (d *LoanDraft) Remove(book Book) {
	delete(d.SelectedBookIDs, book.ID)
}

// CanSave reports whether the form is complete enough to submit.
func (d *LoanDraft) CanSave() bool {
	nameOK := strings.TrimSpace(d.MemberName) != "" || d.PickedMember != nil
	return nameOK && len(d.SelectedBookIDs) > 0 && !d.Saving
}

// Validate returns the first reason the draft cannot be saved.
func (d *LoanDraft) Validate() error {
	if d.PickedMember == nil && strings.TrimSpace(d.MemberName) == "" {
		return ErrMemberNameRequired
	}
	if len(d.SelectedBookIDs) == 0 {
		return ErrNoBooksSelected
	}
	return nil
}

// TrimmedMemberName is the member name without surrounding whitespace.
func (d *LoanDraft) TrimmedMemberName() string {
	return strings.TrimSpace(d.MemberName)
}

// LoanDateISO is the loan date on the wire.
func (d *LoanDraft) LoanDateISO() string {
	return FormatISODate(d.LoanDate)
}

// DueDateISO previews the due date for periodDays.
func (d *LoanDraft) DueDateISO(periodDays int) string {
	return DueDateISO(d.LoanDate, periodDays)
}

// NotesOrNil returns nil for blank notes and the notes unchanged otherwise.
func (d *LoanDraft) NotesOrNil() *string {
	if strings.TrimSpace(d.Notes) == "" {
		return nil
	}
	notes := d.Notes
	return &notes
}

// Items lends one copy of each selected book, ordered by book ID.
func (d *LoanDraft) Items() []LoanItemInput {
	items := make([]LoanItemInput, 0, len(d.SelectedBookIDs))
	for id := range d.SelectedBookIDs {
		items = append(items, LoanItemInput{BookID: id, Qty: 1})
	}
	sortItems(items)
	return items
}

// FilteredBooks lists the books the picker offers for the current query: available,
// not yet selected, matching title or author, sorted by title. A blank query offers
// nothing.
func (d *LoanDraft) FilteredBooks(books []Book) []Book {
	q := strings.TrimSpace(d.BookQuery)
	if q == "" {
		return []Book{}
	}

	out := make([]Book, 0)
	for _, b := range books {
		if !b.Available() || d.IsSelected(b.ID) {
			continue
		}
		if containsFold(b.Title, q) || optionalContainsFold(b.Author, q) {
			out = append(out, b)
		}
	}
	SortByTitle(out)
	return out
}

// SelectedBooks returns the selected books sorted by title.
func (d *LoanDraft) SelectedBooks(books []Book) []Book {
	out := make([]Book, 0, len(d.SelectedBookIDs))
	for _, b := range books {
		if d.IsSelected(b.ID) {
			out = append(out, b)
		}
	}
	SortByTitle(out)
	return out
}

// NewMemberCode returns a quick-registration code "M" followed by four digits.
func NewMemberCode(rng *rand.Rand) string {
	var n int
	if rng != nil {
		n = rng.Intn(9000)
	} else {
		n = rand.Intn(9000)
	}
	return fmt.Sprintf("M%d", 1000+n)
}

// LoginForm is the staff sign-in form.
type LoginForm struct {
	Email    string
	Password string
	Loading  bool
}

// CanSubmit reports whether the form may be submitted.
func (f LoginForm) CanSubmit() bool {
	return !f.Loading && strings.TrimSpace(f.Email) != "" && f.Password != ""
}

// TrimmedEmail is the email sent to the auth provider.
func (f LoginForm) TrimmedEmail() string {
	return strings.TrimSpace(f.Email)
}

func sortItems(items []LoanItemInput) {
	sort.Slice(items, func(i, j int) bool { return items[i].BookID < items[j].BookID })
}
