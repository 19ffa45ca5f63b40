package circulation

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"

	"github.com/librarysingkat/circulation/supabase/client"
)

// Tables whose changes invalidate cached reads.
var watchedTables = []string{"books", "loans", "loan_items"}

// Start launches the background workers: the overdue sweeper and, when configured,
// the realtime change feed.
func (s *Service) Start(ctx context.Context) error {
	s.logger.WithFields(map[string]interface{}{
		"workers":     len(s.workers),
		"loan_period": s.policy.LoanPeriodDays,
	}).Info("Starting circulation service")

	for _, w := range s.workers {
		worker := w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			worker(ctx)
		}()
	}
	return nil
}

// Stop signals the workers and waits for them to exit. It is idempotent.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	return nil
}

// workerContext is ctx cancelled also when Stop is called.
func (s *Service) workerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *Service) runOverdueSweeper(ctx context.Context) {
	ctx, cancel := s.workerContext(ctx)
	defer cancel()

	c := cron.New()
	_, err := c.AddFunc(s.policy.OverdueSweepSchedule, func() {
		if _, err := s.SweepOverdue(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Warn("Overdue sweep failed")
		}
	})
	if err != nil {
		s.logger.WithError(err).Error("Invalid overdue sweep schedule")
		return
	}

	if _, err := s.SweepOverdue(ctx); err != nil && ctx.Err() == nil {
		s.logger.WithError(err).Warn("Initial overdue sweep failed")
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

func (s *Service) subscribeChanges() {
	for _, table := range watchedTables {
		s.realtime.OnPostgresChanges(client.PostgresChangesConfig{
			Event:  "*",
			Schema: "public",
			Table:  table,
		}, s.HandleChange)
	}
}

func (s *Service) runRealtime(ctx context.Context) {
	ctx, cancel := s.workerContext(ctx)
	defer cancel()

	s.realtime.OnError = func(err error) {
		s.logger.WithError(err).Warn("Realtime connection lost; reconnecting")
	}
	if err := s.realtime.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WithError(err).Error("Realtime feed stopped")
	}
}

// HandleChange invalidates the cached reads a database change makes stale.
func (s *Service) HandleChange(change client.Change) {
	ctx := context.Background()
	s.metrics.RecordRealtimeEvent(change.Table, change.Type)

	switch change.Table {
	case "books":
		s.InvalidateCatalog(ctx)
	case "loans":
		s.InvalidateCatalog(ctx)
		if id := recordString(change, "id"); id != "" {
			s.forgetItems(id)
		}
	case "loan_items":
		s.InvalidateCatalog(ctx)
		if loanID := recordString(change, "loan_id"); loanID != "" {
			s.forgetItems(loanID)
		} else {
			s.ResetItemsCache()
		}
	}
}

// recordString reads key from the new record, falling back to the old one for
// deletes.
func recordString(change client.Change, key string) string {
	for _, rec := range []map[string]any{change.Record, change.OldRecord} {
		if v, ok := rec[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
