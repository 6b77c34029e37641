package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"evercent/internal/amqp"
	"evercent/internal/autorun"
	"evercent/internal/core"
	"evercent/internal/log"
)

// RunService is the part of the automation lifecycle the scheduler drives.
type RunService interface {
	LockDue(ctx context.Context) (int, error)
	DueRuns(ctx context.Context) ([]autorun.DueRun, error)
	ExecuteDue(ctx context.Context) ([]core.RunSummary, error)
}

// JobPublisher hands due runs to run workers.
type JobPublisher interface {
	PublishRunJob(ctx context.Context, msg *amqp.RunJobMessage) error
}

// SchedulerConfig holds configuration for the scheduler
type SchedulerConfig struct {
	// LockInterval is how often runs approaching their run time are locked (default: 1h)
	LockInterval time.Duration

	// RunInterval is how often locked runs past their run time are executed (default: 1h)
	RunInterval time.Duration

	// RepublishAfter is how long a published run job is trusted before the
	// run is published again (default: 15m)
	RepublishAfter time.Duration
}

// DefaultSchedulerConfig returns sensible defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		LockInterval:   time.Hour,
		RunInterval:    time.Hour,
		RepublishAfter: 15 * time.Minute,
	}
}

// Scheduler periodically locks upcoming runs and executes due ones. With a
// publisher the due runs become run jobs on the queue, without one they
// execute in-process.
type Scheduler struct {
	svc       RunService
	publisher JobPublisher
	config    SchedulerConfig
	logger    *log.Logger
	now       func() time.Time

	published map[string]time.Time

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a scheduler. publisher may be nil.
func NewScheduler(svc RunService, publisher JobPublisher, config SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config.LockInterval <= 0 {
		config.LockInterval = def.LockInterval
	}
	if config.RunInterval <= 0 {
		config.RunInterval = def.RunInterval
	}
	if config.RepublishAfter <= 0 {
		config.RepublishAfter = def.RepublishAfter
	}
	return &Scheduler{
		svc:       svc,
		publisher: publisher,
		config:    config,
		logger: log.New(log.Config{
			Component: log.ComponentScheduler,
			Handler:   slog.Default().Handler(),
		}),
		now:       time.Now,
		published: make(map[string]time.Time),
	}
}

// Start begins the scheduling loop. Returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.runLoop(ctx)

	s.logger.InfoContext(ctx, "Scheduler started",
		"lock_interval", s.config.LockInterval,
		"run_interval", s.config.RunInterval,
		"publish_jobs", s.publisher != nil)

	return nil
}

// Stop gracefully stops the scheduler and waits for the current tick.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.doneCh:
		s.logger.InfoContext(ctx, "Scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WarnContext(ctx, "Scheduler stop timed out")
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	return nil
}

// IsRunning returns whether the scheduler is currently running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer close(s.doneCh)

	lockTicker := time.NewTicker(s.config.LockInterval)
	defer lockTicker.Stop()

	runTicker := time.NewTicker(s.config.RunInterval)
	defer runTicker.Stop()

	// Catch up immediately on startup
	s.Tick(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-lockTicker.C:
			s.lock(ctx)
		case <-runTicker.C:
			s.run(ctx)
		}
	}
}

// Tick locks upcoming runs and then dispatches due ones.
func (s *Scheduler) Tick(ctx context.Context) {
	s.lock(ctx)
	s.run(ctx)
}

func (s *Scheduler) lock(ctx context.Context) {
	locked, err := s.svc.LockDue(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to lock runs",
			log.FieldOperation, log.OpLock,
			"locked", locked,
			log.FieldError, err)
		return
	}
	if locked > 0 {
		s.logger.InfoContext(ctx, "Locked runs", "count", locked)
	}
}

func (s *Scheduler) run(ctx context.Context) {
	if s.publisher == nil {
		summaries, err := s.svc.ExecuteDue(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "Some runs failed",
				log.FieldOperation, log.OpRun,
				"completed", len(summaries),
				log.FieldError, err)
			return
		}
		if len(summaries) > 0 {
			s.logger.InfoContext(ctx, "Executed runs", "count", len(summaries))
		}
		return
	}
	s.publishDue(ctx)
}

func (s *Scheduler) publishDue(ctx context.Context) {
	due, err := s.svc.DueRuns(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list due runs", log.FieldError, err)
		return
	}

	now := s.now()
	pending := make(map[string]time.Time, len(due))
	for _, r := range due {
		if at, ok := s.published[r.RunID]; ok && now.Sub(at) < s.config.RepublishAfter {
			pending[r.RunID] = at
			continue
		}

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		msg := amqp.NewRunJobMessage(r.RunID, r.UserID, r.BudgetID)
		if err := s.publisher.PublishRunJob(ctx, msg); err != nil {
			s.logger.ErrorContext(ctx, "Failed to publish run job",
				log.FieldRunID, r.RunID,
				log.FieldUserID, r.UserID,
				log.FieldError, err)
			continue
		}
		pending[r.RunID] = now
	}
	// Runs no longer due were executed or cancelled
	s.published = pending
}
