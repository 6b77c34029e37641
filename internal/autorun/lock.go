package autorun

import (
	"context"
	"errors"
	"fmt"

	"evercent/internal/core"
	"evercent/internal/log"
)

// LockDue snapshots every unlocked run whose run time falls within the lock
// lead. Each run is locked on its own; a failing run does not stop the rest.
// It returns how many runs were locked.
func (s *Service) LockDue(ctx context.Context) (int, error) {
	due, err := s.store.GetAutoRunsToLock(ctx, s.now().Add(s.cfg.LockLead))
	if err != nil {
		return 0, fmt.Errorf("get auto runs to lock: %w", err)
	}

	var (
		locked int
		errs   []error
	)
	for _, run := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.lock(ctx, run); err != nil {
			s.events.LogError(ctx, "Failed to lock run", err, log.ComponentAutoRun, log.OpLock,
				log.NewFields().WithRun(run.RunID, run.UserID, run.BudgetID))
			errs = append(errs, fmt.Errorf("lock run %s: %w", run.RunID, err))
			continue
		}
		locked++
	}
	return locked, errors.Join(errs...)
}

func (s *Service) lock(ctx context.Context, run core.AutoRunToLock) error {
	rows, err := s.Snapshot(ctx, run)
	if err != nil {
		return err
	}
	if err := s.store.LockAutoRuns(ctx, run.RunID, rows); err != nil {
		return fmt.Errorf("lock auto runs: %w", err)
	}

	s.logger.InfoContext(ctx, "Run locked",
		log.FieldRunID, run.RunID,
		log.FieldUserID, run.UserID,
		log.FieldBudgetID, run.BudgetID,
		"rows", len(rows))
	s.audit(ctx, core.AuditEntry{
		UserID:   run.UserID,
		BudgetID: run.BudgetID,
		RunID:    run.RunID,
		Action:   core.AuditLock,
		Details:  fmt.Sprintf("%d rows", len(rows)),
	})
	return nil
}

// Snapshot derives the rows a run would be locked with: the postings it
// generates against current ledger state, with the user's inclusion choices.
func (s *Service) Snapshot(ctx context.Context, run core.AutoRunToLock) ([]core.LockedResult, error) {
	if err := requireID("run_id", run.RunID); err != nil {
		return nil, err
	}
	budget, _, groups, err := s.categoryGroups(ctx, run.UserID, run.BudgetID, run.PayFrequency, run.NextPaydate)
	if err != nil {
		return nil, err
	}
	data, err := s.store.GetAutoRunData(ctx, run.UserID, run.BudgetID)
	if err != nil {
		return nil, fmt.Errorf("get auto run data: %w", err)
	}

	generated, err := s.generate(run.RunID, run.RunTime, groups, budget, run.PayFrequency, inclusionFor(run.RunID, data.RunCategories))
	if err != nil {
		return nil, fmt.Errorf("generate run: %w", err)
	}
	return flatten(generated), nil
}
