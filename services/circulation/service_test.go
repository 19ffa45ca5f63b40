package circulation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librarysingkat/circulation/internal/config"
	"github.com/librarysingkat/circulation/internal/domain/library"
	svcerrors "github.com/librarysingkat/circulation/internal/errors"
	"github.com/librarysingkat/circulation/internal/logging"
	"github.com/librarysingkat/circulation/services/circulation/supabase"
	"github.com/librarysingkat/circulation/supabase/client"
)

var testToday = time.Date(2026, 1, 30, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, repo supabase.Repository, mutate ...func(*Config)) *Service {
	t.Helper()
	policy := config.DefaultPolicy()
	policy.OverdueSweepSchedule = ""
	cfg := Config{
		Repository: repo,
		Logger:     logging.New("test", "error", "json"),
		Policy:     policy,
		Now:        func() time.Time { return testToday },
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	svc, err := New(cfg)
	require.NoError(t, err)
	return svc
}

func TestNew_RequiresRepository(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNew_RejectsInvalidPolicy(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.OverdueSweepSchedule = "not a schedule"
	_, err := New(Config{Repository: supabase.NewMockRepository(), Policy: policy})
	assert.Error(t, err)
}

func TestCatalog_CachesAvailableBooks(t *testing.T) {
	ctx := context.Background()
	repo := supabase.NewMockRepository()
	repo.AddBook(library.Book{Title: "Laskar Pelangi", AvailableCopies: 2})
	repo.AddBook(library.Book{Title: "Bumi Manusia", AvailableCopies: 1})
	repo.AddBook(library.Book{Title: "Out", AvailableCopies: 0})
	svc := newTestService(t, repo)

	all, err := svc.Catalog(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := svc.Catalog(ctx, "BUMI")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "Bumi Manusia", filtered[0].Title)

	assert.Equal(t, 1, repo.CallCount("fetch_available_books"))

	svc.InvalidateCatalog(ctx)
	_, err = svc.Catalog(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.CallCount("fetch_available_books"))
}

func TestCatalog_ErrorNotCached(t *testing.T) {
	ctx := context.Background()
	repo := supabase.NewMockRepository()
	repo.AddBook(library.Book{Title: "Dune", AvailableCopies: 1})
	svc := newTestService(t, repo)

	repo.Err = errors.New("connection refused")
	_, err := svc.Catalog(ctx, "")
	assert.EqualError(t, err, "connection refused")

	repo.Err = nil
	books, err := svc.Catalog(ctx, "")
	require.NoError(t, err)
	assert.Len(t, books, 1)
}

func TestTrashAllBooks_ReloadsAndInvalidates(t *testing.T) {
	ctx := context.Background()
	repo := supabase.NewMockRepository()
	repo.AddBook(library.Book{Title: "A", AvailableCopies: 1})
	repo.AddBook(library.Book{Title: "B", AvailableCopies: 1})
	svc := newTestService(t, repo)

	_, err := svc.Catalog(ctx, "")
	require.NoError(t, err)

	books, err := svc.TrashAllBooks(ctx)
	require.NoError(t, err)
	assert.Empty(t, books)

	catalog, err := svc.Catalog(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, catalog)
}

func TestSearchLoanBooks_ExcludesSelected(t *testing.T) {
	ctx := context.Background()
	repo := supabase.NewMockRepository()
	a := repo.AddBook(library.Book{Title: "Atomic Habits", AvailableCopies: 1})
	repo.AddBook(library.Book{Title: "Atlas", AvailableCopies: 1})
	svc := newTestService(t, repo)

	books, err := svc.SearchLoanBooks(ctx, "at", []string{a.ID})
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "Atlas", books[0].Title)
}

func TestCreateLoan_MemberResolution(t *testing.T) {
	ctx := context.Background()

	t.Run("picked member", func(t *testing.T) {
		repo := supabase.NewMockRepository()
		member := repo.AddMember(library.Member{MemberCode: "M1234", Name: "Ani"})
		book := repo.AddBook(library.Book{Title: "Dune", TotalCopies: 1, AvailableCopies: 1})
		svc := newTestService(t, repo)

		draft := library.NewLoanDraft(testToday)
		draft.PickedMember = &member
		draft.Select(book.ID)

		created, err := svc.CreateLoan(ctx, draft)
		require.NoError(t, err)
		assert.Equal(t, member.ID, created.Member.ID)
		assert.Equal(t, "2026-02-06", created.DueDate)
		assert.Equal(t, 0, repo.CallCount("find_member_by_name"))
		assert.False(t, draft.Saving)

		stored, _ := repo.Book(book.ID)
		assert.Equal(t, 0, stored.AvailableCopies)
	})

	t.Run("existing member by name", func(t *testing.T) {
		repo := supabase.NewMockRepository()
		member := repo.AddMember(library.Member{MemberCode: "M1234", Name: "Ani Wijaya"})
		book := repo.AddBook(library.Book{Title: "Dune", AvailableCopies: 1})
		svc := newTestService(t, repo)

		draft := library.NewLoanDraft(testToday)
		draft.MemberName = "  ani wijaya "
		draft.Select(book.ID)

		created, err := svc.CreateLoan(ctx, draft)
		require.NoError(t, err)
		assert.Equal(t, member.ID, created.Member.ID)
		assert.Equal(t, 0, repo.CallCount("create_member_quick"))
	})

	t.Run("new member", func(t *testing.T) {
		repo := supabase.NewMockRepository()
		book := repo.AddBook(library.Book{Title: "Dune", AvailableCopies: 1})
		svc := newTestService(t, repo)

		draft := library.NewLoanDraft(testToday)
		draft.MemberName = "Budi"
		draft.Notes = "  "
		draft.Select(book.ID)

		created, err := svc.CreateLoan(ctx, draft)
		require.NoError(t, err)
		assert.Equal(t, "Budi", created.Member.Name)
		assert.Regexp(t, `^M[1-9]\d{3}$`, created.Member.MemberCode)
		assert.Equal(t, 1, repo.CallCount("create_member_quick"))

		members, err := svc.Members(ctx)
		require.NoError(t, err)
		assert.Len(t, members, 1)
	})
}

func TestCreateLoan_Validation(t *testing.T) {
	svc := newTestService(t, supabase.NewMockRepository())

	_, err := svc.CreateLoan(context.Background(), library.NewLoanDraft(testToday))
	assert.ErrorIs(t, err, library.ErrMemberNameRequired)

	draft := library.NewLoanDraft(testToday)
	draft.MemberName = "Ani"
	_, err = svc.CreateLoan(context.Background(), draft)
	assert.ErrorIs(t, err, library.ErrNoBooksSelected)

	draft.Select("b1")
	draft.Saving = true
	_, err = svc.CreateLoan(context.Background(), draft)
	assert.ErrorIs(t, err, ErrLoanSaving)
}

func TestCreateLoan_WrapsRemoteErrors(t *testing.T) {
	ctx := context.Background()
	repo := supabase.NewMockRepository()
	member := repo.AddMember(library.Member{MemberCode: "M1234", Name: "Ani"})
	svc := newTestService(t, repo)
	repo.Err = errors.New("permission denied for table loans")

	draft := library.NewLoanDraft(testToday)
	draft.MemberName = "Ani"
	draft.Select("b1")
	_, err := svc.CreateLoan(ctx, draft)
	assert.EqualError(t, err, "failed to process member: permission denied for table loans")

	draft.PickedMember = &member
	_, err = svc.CreateLoan(ctx, draft)
	assert.EqualError(t, err, "failed to save loan: permission denied for table loans")

	se := toServiceError(err)
	assert.Equal(t, svcerrors.CodeUpstream, se.Code)
	assert.Equal(t, "failed to save loan: permission denied for table loans", se.Message)
}

func TestCreateLoan_PolicyDueDate(t *testing.T) {
	ctx := context.Background()
	repo := supabase.NewMockRepository()
	member := repo.AddMember(library.Member{MemberCode: "M1234", Name: "Ani"})
	book := repo.AddBook(library.Book{Title: "Dune", AvailableCopies: 1})
	svc := newTestService(t, repo, func(cfg *Config) { cfg.Policy.LoanPeriodDays = 14 })

	draft := library.NewLoanDraft(testToday)
	draft.PickedMember = &member
	draft.Select(book.ID)
	created, err := svc.CreateLoan(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-13", created.DueDate)

	rows, err := repo.FetchLoansWithOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2026-02-13", rows[0].DueDate)
}

// blockingRepo holds item loads until release is closed.
type blockingRepo struct {
	*supabase.MockRepository
	release chan struct{}
	loads   int32
}

func (b *blockingRepo) FetchLoanItemsWithBookTitle(ctx context.Context, loanID string) ([]library.LoanItemWithBook, error) {
	atomic.AddInt32(&b.loads, 1)
	<-b.release
	return b.MockRepository.FetchLoanItemsWithBookTitle(ctx, loanID)
}

func TestLoanItems_CollapsesConcurrentLoads(t *testing.T) {
	ctx := context.Background()
	mock := supabase.NewMockRepository()
	member := mock.AddMember(library.Member{MemberCode: "M1234", Name: "Ani"})
	book := mock.AddBook(library.Book{Title: "Dune", AvailableCopies: 1})
	loanID, err := mock.CreateLoan(ctx, library.NewLoan{
		MemberID: member.ID,
		LoanDate: "2026-01-30",
		Items:    []library.LoanItemInput{{BookID: book.ID, Qty: 1}},
	})
	require.NoError(t, err)

	repo := &blockingRepo{MockRepository: mock, release: make(chan struct{})}
	svc := newTestService(t, repo)

	const callers = 8
	var wg sync.WaitGroup
	results := make([][]library.LoanItemWithBook, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.LoanItems(ctx, loanID)
		}(i)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&repo.loads) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(repo.release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&repo.loads))
	for _, items := range results {
		require.Len(t, items, 1)
		assert.Equal(t, "Dune", *items[0].BookTitle)
	}

	loans, err := svc.Loans(ctx)
	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Equal(t, 1, loans[0].ItemCount)
}

func TestLoanItems_ReturnDuringLoadIsNotCached(t *testing.T) {
	ctx := context.Background()
	mock := supabase.NewMockRepository()
	member := mock.AddMember(library.Member{MemberCode: "M1234", Name: "Ani"})
	book := mock.AddBook(library.Book{Title: "Dune", AvailableCopies: 1})
	loanID, err := mock.CreateLoan(ctx, library.NewLoan{
		MemberID: member.ID,
		LoanDate: "2026-01-30",
		Items:    []library.LoanItemInput{{BookID: book.ID, Qty: 1}},
	})
	require.NoError(t, err)

	repo := &blockingRepo{MockRepository: mock, release: make(chan struct{})}
	svc := newTestService(t, repo)

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.LoanItems(ctx, loanID)
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&repo.loads) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.ReturnLoan(ctx, loanID))
	close(repo.release)
	<-done

	_, cached := svc.cachedItemCount(loanID)
	assert.False(t, cached, "a load that overlapped the return must not be cached")

	items := svc.LoanItems(ctx, loanID)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].ReturnedQty)
	assert.Equal(t, int32(2), atomic.LoadInt32(&repo.loads))
}

func TestLoanItems_FailureCachesEmptyList(t *testing.T) {
	ctx := context.Background()
	repo := supabase.NewMockRepository()
	svc := newTestService(t, repo)

	repo.Err = errors.New("timeout")
	assert.Empty(t, svc.LoanItems(ctx, "loan-1"))

	repo.Err = nil
	assert.Empty(t, svc.LoanItems(ctx, "loan-1"))
	assert.Equal(t, 1, repo.CallCount("fetch_loan_items"))

	svc.ResetItemsCache()
	svc.LoanItems(ctx, "loan-1")
	assert.Equal(t, 2, repo.CallCount("fetch_loan_items"))
}

func TestLoans_ItemCountOnlyForCachedLoans(t *testing.T) {
	ctx := context.Background()
	repo := supabase.NewMockRepository()
	member := repo.AddMember(library.Member{MemberCode: "M1234", Name: "Ani"})
	book := repo.AddBook(library.Book{Title: "Dune", AvailableCopies: 2})
	_, err := repo.CreateLoan(ctx, library.NewLoan{
		MemberID: member.ID,
		LoanDate: "2026-01-02",
		Items:    []library.LoanItemInput{{BookID: book.ID, Qty: 1}},
	})
	require.NoError(t, err)
	svc := newTestService(t, repo)

	loans, err := svc.Loans(ctx)
	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Equal(t, "Ani", loans[0].MemberName)
	assert.Equal(t, "M1234", loans[0].MemberCode)
	assert.Equal(t, 0, loans[0].ItemCount)
}

func TestReturnLoan(t *testing.T) {
	ctx := context.Background()
	repo := supabase.NewMockRepository()
	member := repo.AddMember(library.Member{MemberCode: "M1234", Name: "Ani"})
	book := repo.AddBook(library.Book{Title: "Dune", AvailableCopies: 1})
	svc := newTestService(t, repo)

	draft := library.NewLoanDraft(testToday)
	draft.PickedMember = &member
	draft.Select(book.ID)
	created, err := svc.CreateLoan(ctx, draft)
	require.NoError(t, err)

	require.Len(t, svc.LoanItems(ctx, created.LoanID), 1)
	require.NoError(t, svc.ReturnLoan(ctx, created.LoanID))

	stored, _ := repo.Book(book.ID)
	assert.Equal(t, 1, stored.AvailableCopies)
	items := svc.LoanItems(ctx, created.LoanID)
	require.Len(t, items, 1)
	assert.Equal(t, 0, items[0].Outstanding())

	err = svc.ReturnLoan(ctx, "missing")
	assert.ErrorIs(t, err, supabase.ErrLoanNotFound)
	assert.Equal(t, svcerrors.CodeNotFound, toServiceError(err).Code)
}

func TestSweepOverdue(t *testing.T) {
	ctx := context.Background()
	repo := supabase.NewMockRepository()
	member := repo.AddMember(library.Member{MemberCode: "M1234", Name: "Ani"})
	for _, date := range []string{"2026-01-01", "2026-01-20", "2026-01-29"} {
		_, err := repo.CreateLoan(ctx, library.NewLoan{MemberID: member.ID, LoanDate: date})
		require.NoError(t, err)
	}
	svc := newTestService(t, repo)

	overdue, err := svc.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, overdue)
}

func TestQuickCreateMember_BlankName(t *testing.T) {
	svc := newTestService(t, supabase.NewMockRepository())
	_, err := svc.QuickCreateMember(context.Background(), "   ")
	assert.ErrorIs(t, err, library.ErrMemberNameEmpty)
	assert.Equal(t, svcerrors.CodeValidation, toServiceError(err).Code)
}

type fakeCovers struct {
	uploaded map[string][]byte
}

func (f *fakeCovers) Upload(ctx context.Context, path string, data []byte, contentType string, upsert bool) error {
	f.uploaded[path] = data
	return nil
}

func (f *fakeCovers) PublicURL(path string) string {
	return "https://cdn.library.id/covers/" + path
}

func TestUploadCover(t *testing.T) {
	ctx := context.Background()
	repo := supabase.NewMockRepository()
	book := repo.AddBook(library.Book{Title: "Dune", AvailableCopies: 1})

	disabled := newTestService(t, repo)
	_, err := disabled.UploadCover(ctx, book.ID, []byte("x"), "image/png")
	assert.ErrorIs(t, err, ErrCoversDisabled)

	covers := &fakeCovers{uploaded: make(map[string][]byte)}
	svc := newTestService(t, repo, func(cfg *Config) { cfg.Covers = covers })

	_, err = svc.UploadCover(ctx, book.ID, []byte("x"), "text/plain")
	assert.ErrorIs(t, err, ErrUnsupportedCover)

	url, err := svc.UploadCover(ctx, book.ID, []byte("png"), "image/png; charset=binary")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.library.id/covers/books/"+book.ID+".png", url)
	assert.Contains(t, covers.uploaded, "books/"+book.ID+".png")

	stored, _ := repo.Book(book.ID)
	require.NotNil(t, stored.CoverURL)
	assert.Equal(t, url, *stored.CoverURL)
}

func TestHandleChange_Invalidates(t *testing.T) {
	ctx := context.Background()
	repo := supabase.NewMockRepository()
	repo.AddBook(library.Book{Title: "Dune", AvailableCopies: 1})
	svc := newTestService(t, repo)

	_, err := svc.Catalog(ctx, "")
	require.NoError(t, err)
	svc.LoanItems(ctx, "loan-1")
	svc.LoanItems(ctx, "loan-2")

	svc.HandleChange(client.Change{Type: "UPDATE", Table: "books", Record: map[string]any{"id": "b1"}})
	_, err = svc.Catalog(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.CallCount("fetch_available_books"))

	svc.HandleChange(client.Change{Type: "DELETE", Table: "loan_items", OldRecord: map[string]any{"loan_id": "loan-1"}})
	_, cached1 := svc.cachedItemCount("loan-1")
	_, cached2 := svc.cachedItemCount("loan-2")
	assert.False(t, cached1)
	assert.True(t, cached2)

	svc.HandleChange(client.Change{Type: "UPDATE", Table: "loans", Record: map[string]any{"id": "loan-2"}})
	_, cached2 = svc.cachedItemCount("loan-2")
	assert.False(t, cached2)
}

func TestStartStop_RunsSweeper(t *testing.T) {
	repo := supabase.NewMockRepository()
	svc := newTestService(t, repo, func(cfg *Config) { cfg.Policy.OverdueSweepSchedule = "@every 1h" })

	require.NoError(t, svc.Start(context.Background()))
	require.Eventually(t, func() bool {
		return repo.CallCount("fetch_loans_with_overdue") >= 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Stop())
}
