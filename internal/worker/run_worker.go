package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"evercent/internal/amqp"
	"evercent/internal/core"
	"evercent/internal/log"
)

// RunExecutor executes one locked run.
type RunExecutor interface {
	ExecuteRun(ctx context.Context, runID string) (core.RunSummary, error)
}

// RunWorker executes run jobs consumed from AMQP
type RunWorker struct {
	svc    RunExecutor
	logger *log.Logger
}

func NewRunWorker(svc RunExecutor) *RunWorker {
	return &RunWorker{
		svc: svc,
		logger: log.New(log.Config{
			Component: log.ComponentWorker,
			Handler:   slog.Default().Handler(),
		}),
	}
}

// HandleRunJob executes the run named by msg. A run that is no longer locked
// and due was already executed or cancelled, the job is done.
func (w *RunWorker) HandleRunJob(ctx context.Context, msg *amqp.RunJobMessage) error {
	w.logger.InfoContext(ctx, "Processing run job",
		log.FieldRunID, msg.RunID,
		log.FieldUserID, msg.UserID,
		"published_at", msg.Timestamp)

	summary, err := w.svc.ExecuteRun(ctx, msg.RunID)
	if errors.Is(err, core.ErrNotFound) {
		w.logger.InfoContext(ctx, "Run job has nothing left to do", log.FieldRunID, msg.RunID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("execute run %s: %w", msg.RunID, err)
	}

	w.logger.InfoContext(ctx, "Run job completed",
		log.FieldRunID, msg.RunID,
		"postings", len(summary.Postings),
		"total_posted", summary.TotalPosted.StringFixed(2))
	return nil
}
