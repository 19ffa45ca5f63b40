package circulation

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/librarysingkat/circulation/internal/domain/library"
)

// Loans lists loans newest first with member names and the item counts of loans
// whose items are already cached.
func (s *Service) Loans(ctx context.Context) ([]library.LoanListItem, error) {
	var (
		rows    []library.LoanRow
		members []library.Member
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rows, err = s.repo.FetchLoansWithOverdue(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		members, err = s.repo.FetchMembers(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return library.BuildLoanList(rows, members, s.cachedItemCount), nil
}

func (s *Service) cachedItemCount(loanID string) (int, bool) {
	s.itemsMu.RLock()
	defer s.itemsMu.RUnlock()
	items, ok := s.itemsCache[loanID]
	return len(items), ok
}

// LoanItems returns the items of one loan, loading them once and caching the
// result. Concurrent calls for the same loan share one remote call. A failed load
// is logged and cached as an empty list until ResetItemsCache.
func (s *Service) LoanItems(ctx context.Context, loanID string) []library.LoanItemWithBook {
	s.itemsMu.RLock()
	items, ok := s.itemsCache[loanID]
	s.itemsMu.RUnlock()
	if ok {
		s.metrics.RecordCacheLookup("loan_items", true)
		return items
	}
	s.metrics.RecordCacheLookup("loan_items", false)

	// The shared load outlives any one caller's cancellation.
	loadCtx := context.WithoutCancel(ctx)
	v, _, _ := s.itemsGroup.Do(loanID, func() (interface{}, error) {
		s.itemsMu.RLock()
		cached, ok := s.itemsCache[loanID]
		gen := s.itemsGen
		s.itemsMu.RUnlock()
		if ok {
			return cached, nil
		}

		loaded, err := s.repo.FetchLoanItemsWithBookTitle(loadCtx, loanID)
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("loan_id", loanID).Warn("Failed to load loan items")
			loaded = []library.LoanItemWithBook{}
		}
		// Items dropped while the load ran may have changed since it started.
		s.itemsMu.Lock()
		if s.itemsGen == gen {
			s.itemsCache[loanID] = loaded
		}
		s.itemsMu.Unlock()
		return loaded, nil
	})
	return v.([]library.LoanItemWithBook)
}

// ResetItemsCache forgets every cached loan's items.
func (s *Service) ResetItemsCache() {
	s.itemsMu.Lock()
	s.itemsCache = make(map[string][]library.LoanItemWithBook)
	s.itemsGen++
	s.itemsMu.Unlock()
}

// forgetItems drops one loan's items. A load already running for the loan is not
// cached, and later callers start a fresh one instead of joining it.
func (s *Service) forgetItems(loanID string) {
	s.itemsMu.Lock()
	delete(s.itemsCache, loanID)
	s.itemsGen++
	s.itemsMu.Unlock()
	s.itemsGroup.Forget(loanID)
}

// CreatedLoan is the outcome of CreateLoan.
type CreatedLoan struct {
	LoanID  string                  `json:"loan_id"`
	Member  library.Member          `json:"member"`
	DueDate string                  `json:"due_date"`
	Items   []library.LoanItemInput `json:"items"`
}

// CreateLoan saves the draft as a loan. The member is the picked one, else the
// first member whose name matches, else a newly registered member. Each selected
// book is lent once. Remote failures are wrapped with the step that failed and keep
// the remote message.
func (s *Service) CreateLoan(ctx context.Context, draft *library.LoanDraft) (*CreatedLoan, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	if draft.Saving {
		return nil, ErrLoanSaving
	}
	draft.Saving = true
	defer func() { draft.Saving = false }()

	member, err := s.resolveMember(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("failed to process member: %w", err)
	}
	draft.PickedMember = member

	loan := library.NewLoan{
		MemberID: member.ID,
		LoanDate: draft.LoanDateISO(),
		Items:    draft.Items(),
		Notes:    draft.NotesOrNil(),
	}
	dueDate := draft.DueDateISO(s.policy.LoanPeriodDays)
	if !s.policy.UsesDatabaseDueDate() {
		loan.DueDate = dueDate
	}

	loanID, err := s.repo.CreateLoan(ctx, loan)
	if err != nil {
		return nil, fmt.Errorf("failed to save loan: %w", err)
	}

	s.metrics.RecordLoanCreated()
	s.InvalidateCatalog(ctx)
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"loan_id":   loanID,
		"member_id": member.ID,
		"books":     len(loan.Items),
	}).Info("Loan created")

	return &CreatedLoan{
		LoanID:  loanID,
		Member:  *member,
		DueDate: dueDate,
		Items:   loan.Items,
	}, nil
}

func (s *Service) resolveMember(ctx context.Context, draft *library.LoanDraft) (*library.Member, error) {
	if draft.PickedMember != nil {
		return draft.PickedMember, nil
	}
	name := draft.TrimmedMemberName()
	found, err := s.repo.FindMemberByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if found != nil {
		return found, nil
	}
	return s.repo.CreateMemberQuick(ctx, name)
}

// ReturnLoan closes a loan and puts its books back on the shelf.
func (s *Service) ReturnLoan(ctx context.Context, loanID string) error {
	if err := s.repo.ReturnLoan(ctx, loanID, library.FormatISODate(s.now())); err != nil {
		return err
	}
	s.forgetItems(loanID)
	s.InvalidateCatalog(ctx)
	s.metrics.RecordLoanReturned()
	s.logger.WithContext(ctx).WithField("loan_id", loanID).Info("Loan returned")
	return nil
}

// SweepOverdue counts overdue loans and publishes the count.
func (s *Service) SweepOverdue(ctx context.Context) (int, error) {
	rows, err := s.repo.FetchLoansWithOverdue(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	overdue := library.CountOverdue(rows, now)
	s.metrics.SetOverdueLoans(overdue, now)
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"loans":   len(rows),
		"overdue": overdue,
	}).Info("Overdue sweep finished")
	return overdue, nil
}
