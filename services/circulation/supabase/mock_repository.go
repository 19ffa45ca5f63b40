package supabase

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/librarysingkat/circulation/internal/domain/library"
)

// =============================================================================
// Mock Repository for Testing
// =============================================================================

type mockLoan struct {
	row        library.LoanRow
	returnDate string
}

// MockRepository is an in-memory Repository. It mirrors the database defaults:
// status ON_LOAN on insert, due date loan_date + 7 when not supplied, and
// available copies adjusted as items are lent and returned.
type MockRepository struct {
	mu      sync.Mutex
	members map[string]library.Member
	books   map[string]library.Book
	loans   map[string]*mockLoan
	items   map[string][]library.LoanItemWithBook
	rng     *rand.Rand

	// Err, when set, is returned by every call.
	Err error
	// Calls counts calls per operation.
	Calls map[string]int
}

// NewMockRepository creates a new mock repository.
func NewMockRepository() *MockRepository {
	return &MockRepository{
		members: make(map[string]library.Member),
		books:   make(map[string]library.Book),
		loans:   make(map[string]*mockLoan),
		items:   make(map[string][]library.LoanItemWithBook),
		rng:     rand.New(rand.NewSource(1)),
		Calls:   make(map[string]int),
	}
}

// AddMember stores member, assigning an ID when empty.
func (m *MockRepository) AddMember(member library.Member) library.Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	if member.ID == "" {
		member.ID = uuid.NewString()
	}
	m.members[member.ID] = member
	return member
}

// AddBook stores book, assigning an ID when empty and is_deleted false when unset.
func (m *MockRepository) AddBook(book library.Book) library.Book {
	m.mu.Lock()
	defer m.mu.Unlock()
	if book.ID == "" {
		book.ID = uuid.NewString()
	}
	if book.IsDeleted == nil {
		deleted := false
		book.IsDeleted = &deleted
	}
	m.books[book.ID] = book
	return book
}

// Book returns the stored book.
func (m *MockRepository) Book(id string) (library.Book, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	return b, ok
}

// SetComputedStatus overrides the view's computed status for a loan.
func (m *MockRepository) SetComputedStatus(loanID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loan, ok := m.loans[loanID]; ok {
		loan.row.ComputedStatus = &status
	}
}

// CallCount returns how many times operation was called.
func (m *MockRepository) CallCount(operation string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[operation]
}

func (m *MockRepository) begin(operation string) error {
	m.Calls[operation]++
	return m.Err
}

func (m *MockRepository) FetchMembers(ctx context.Context) ([]library.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("fetch_members"); err != nil {
		return nil, err
	}

	out := make([]library.Member, 0, len(m.members))
	for _, member := range m.members {
		out = append(out, member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberCode < out[j].MemberCode })
	return out, nil
}

func (m *MockRepository) listBooks(onlyAvailable bool) []library.Book {
	out := make([]library.Book, 0, len(m.books))
	for _, b := range m.books {
		if b.IsDeleted == nil || *b.IsDeleted {
			continue
		}
		if onlyAvailable && b.AvailableCopies <= 0 {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

func (m *MockRepository) FetchAvailableBooks(ctx context.Context) ([]library.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("fetch_available_books"); err != nil {
		return nil, err
	}
	return m.listBooks(true), nil
}

func (m *MockRepository) FetchAllBooks(ctx context.Context) ([]library.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("fetch_all_books"); err != nil {
		return nil, err
	}
	return m.listBooks(false), nil
}

func (m *MockRepository) SoftDeleteAllBooks(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("soft_delete_all_books"); err != nil {
		return err
	}
	deleted := true
	for id, b := range m.books {
		if b.IsDeleted != nil && !*b.IsDeleted {
			b.IsDeleted = &deleted
			m.books[id] = b
		}
	}
	return nil
}

func (m *MockRepository) SoftDeleteBook(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("soft_delete_book"); err != nil {
		return err
	}
	if b, ok := m.books[id]; ok {
		deleted := true
		b.IsDeleted = &deleted
		m.books[id] = b
	}
	return nil
}

func (m *MockRepository) UpdateBookCover(ctx context.Context, id, coverURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("update_book_cover"); err != nil {
		return err
	}
	if b, ok := m.books[id]; ok {
		b.CoverURL = &coverURL
		m.books[id] = b
	}
	return nil
}

func (m *MockRepository) FetchLoansWithOverdue(ctx context.Context) ([]library.LoanRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("fetch_loans_with_overdue"); err != nil {
		return nil, err
	}

	out := make([]library.LoanRow, 0, len(m.loans))
	for _, loan := range m.loans {
		out = append(out, loan.row)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LoanDate > out[j].LoanDate })
	return out, nil
}

func (m *MockRepository) FetchLoanItemsWithBookTitle(ctx context.Context, loanID string) ([]library.LoanItemWithBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("fetch_loan_items"); err != nil {
		return nil, err
	}

	items := m.items[loanID]
	out := make([]library.LoanItemWithBook, len(items))
	copy(out, items)
	return out, nil
}

func (m *MockRepository) CreateLoan(ctx context.Context, loan library.NewLoan) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("create_loan"); err != nil {
		return "", err
	}

	dueDate := loan.DueDate
	if dueDate == "" {
		loanDate, err := library.ParseISODate(loan.LoanDate)
		if err != nil {
			return "", err
		}
		dueDate = library.DueDateISO(loanDate, library.DefaultLoanPeriodDays)
	}

	id := uuid.NewString()
	m.loans[id] = &mockLoan{row: library.LoanRow{
		ID:       id,
		MemberID: loan.MemberID,
		LoanDate: loan.LoanDate,
		DueDate:  dueDate,
		Status:   library.StatusOnLoan,
		Notes:    loan.Notes,
	}}

	for _, item := range loan.Items {
		line := library.LoanItemWithBook{
			ID:     uuid.NewString(),
			LoanID: id,
			BookID: item.BookID,
			Qty:    item.Qty,
		}
		if b, ok := m.books[item.BookID]; ok {
			title := b.Title
			line.BookTitle = &title
			b.AvailableCopies -= item.Qty
			m.books[item.BookID] = b
		}
		m.items[id] = append(m.items[id], line)
	}
	return id, nil
}

func (m *MockRepository) ReturnLoan(ctx context.Context, loanID, returnDateISO string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("return_loan"); err != nil {
		return err
	}

	loan, ok := m.loans[loanID]
	if !ok {
		return ErrLoanNotFound
	}
	items := m.items[loanID]
	for i := range items {
		outstanding := items[i].Outstanding()
		if outstanding == 0 {
			continue
		}
		items[i].ReturnedQty = items[i].Qty
		if b, ok := m.books[items[i].BookID]; ok {
			b.AvailableCopies += outstanding
			m.books[items[i].BookID] = b
		}
	}
	if loan.row.Status == library.StatusReturned {
		return nil
	}
	loan.row.Status = library.StatusReturned
	loan.row.ComputedStatus = nil
	loan.returnDate = returnDateISO
	return nil
}

// ReturnDate returns the date a loan was returned, or "" while it is out.
func (m *MockRepository) ReturnDate(loanID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loan, ok := m.loans[loanID]; ok {
		return loan.returnDate
	}
	return ""
}

func (m *MockRepository) FetchMemberCurrentLoans(ctx context.Context, memberID string) ([]library.MemberCurrentLoanRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("fetch_member_current_loans"); err != nil {
		return nil, err
	}

	member := m.members[memberID]
	out := make([]library.MemberCurrentLoanRow, 0)
	for id, loan := range m.loans {
		if loan.row.MemberID != memberID || loan.row.Status == library.StatusReturned {
			continue
		}
		for _, item := range m.items[id] {
			if item.Outstanding() == 0 {
				continue
			}
			title := ""
			if item.BookTitle != nil {
				title = *item.BookTitle
			}
			out = append(out, library.MemberCurrentLoanRow{
				MemberID:   memberID,
				MemberCode: member.MemberCode,
				MemberName: member.Name,
				LoanID:     id,
				LoanDate:   loan.row.LoanDate,
				DueDate:    loan.row.DueDate,
				Status:     loan.row.DisplayStatus(),
				BookID:     item.BookID,
				BookTitle:  title,
				Qty:        item.Outstanding(),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LoanDate != out[j].LoanDate {
			return out[i].LoanDate > out[j].LoanDate
		}
		return out[i].RowID() < out[j].RowID()
	})
	return out, nil
}

func (m *MockRepository) FindMemberByName(ctx context.Context, name string) (*library.Member, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("find_member_by_name"); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(m.members))
	for id := range m.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if library.SameName(m.members[id].Name, trimmed) {
			member := m.members[id]
			return &member, nil
		}
	}
	return nil, nil
}

func (m *MockRepository) CreateMemberQuick(ctx context.Context, name string) (*library.Member, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, library.ErrMemberNameEmpty
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("create_member_quick"); err != nil {
		return nil, err
	}

	member := library.Member{
		ID:         uuid.NewString(),
		MemberCode: library.NewMemberCode(m.rng),
		Name:       trimmed,
	}
	m.members[member.ID] = member
	return &member, nil
}

var _ Repository = (*MockRepository)(nil)
