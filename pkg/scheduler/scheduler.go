package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkenzh/vidqueue/pkg/core"
	"github.com/dkenzh/vidqueue/pkg/pricing"
)

// pollFailureGrace is how many consecutive transport-level poll failures a
// dispatch cycle tolerates before giving up on the cycle. Terminal answers
// and permanent categories end the loop immediately regardless.
const pollFailureGrace = 3

// Scheduler claims pending jobs and drives each one to a terminal state.
type Scheduler struct {
	store     core.JobStore
	ledger    core.Ledger
	engine    core.Engine
	notifier  core.Notifier
	artifacts core.ArtifactStore
	config    Config
	logger    *slog.Logger

	active       atomic.Int64
	shuttingDown atomic.Bool
	wg           sync.WaitGroup

	mu        sync.RWMutex
	eventSubs []chan core.Event
}

// Stats is a point-in-time snapshot of scheduler state.
type Stats struct {
	ActiveJobs   int64 `json:"active_jobs"`
	PendingJobs  int64 `json:"pending_jobs"`
	Ceiling      int   `json:"ceiling"`
	ShuttingDown bool  `json:"shutting_down"`
}

// New creates a scheduler over the given collaborators.
func New(store core.JobStore, ledger core.Ledger, engine core.Engine, notifier core.Notifier, artifacts core.ArtifactStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		ledger:    ledger,
		engine:    engine,
		notifier:  notifier,
		artifacts: artifacts,
		config:    DefaultConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Run reconciles interrupted jobs, then admits pending work until ctx is
// cancelled. On cancellation it stops admitting and blocks until every
// in-flight job reaches a terminal state.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.resumeInterrupted(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	s.logger.Info("scheduler started",
		"ceiling", s.config.Ceiling,
		"admission_interval", s.config.AdmissionInterval,
		"poll_interval", s.config.PollInterval)

	ticker := time.NewTicker(s.config.AdmissionInterval)
	defer ticker.Stop()

	for {
		s.admit(ctx)

		select {
		case <-ctx.Done():
			s.shuttingDown.Store(true)
			s.logger.Info("scheduler draining", "active", s.active.Load())
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// admit claims and dispatches pending jobs until the ceiling is reached or
// the queue is empty.
func (s *Scheduler) admit(ctx context.Context) {
	for s.active.Load() < int64(s.config.Ceiling) {
		if ctx.Err() != nil {
			return
		}
		job, err := s.store.ClaimNextPending(ctx)
		if err != nil {
			s.logger.Error("claim failed", "error", err)
			return
		}
		if job == nil {
			return
		}
		s.dispatch(ctx, job)
	}
}

// dispatch runs one claimed job on its own goroutine, counted against the
// ceiling. The job task gets a cancellation-free context so shutdown drains
// in-flight work instead of abandoning it.
func (s *Scheduler) dispatch(ctx context.Context, job *core.Job) {
	s.active.Add(1)
	s.wg.Add(1)
	taskCtx := context.WithoutCancel(ctx)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.runJob(taskCtx, job, false)
	}()
}

// runJob shepherds a processing job to a terminal state.
func (s *Scheduler) runJob(ctx context.Context, job *core.Job, resumed bool) {
	logger := s.logger.With("job_id", job.ID, "user_id", job.UserID)
	logger.Info("job started", "resumed", resumed, "attempt", job.RetryCount)
	s.emit(&core.JobStarted{Job: job, Resumed: resumed, Timestamp: time.Now()})

	if job.ExternalID == "" {
		gen, err := s.engine.Submit(ctx, job)
		if err != nil {
			logger.Warn("submit failed", "error", err, "category", core.CategoryOf(err))
			s.disposeFailure(ctx, job, err)
			return
		}
		job.ExternalID = gen.ID
		if err := s.store.Transition(ctx, job.ID, core.StatusProcessing, core.TransitionFields{
			ExternalID: &gen.ID,
		}); err != nil {
			// The external work is already running; losing the handle here
			// would strand it, so the cycle continues on the in-memory copy.
			logger.Error("failed to persist external handle", "external_id", gen.ID, "error", err)
		}
		logger.Info("job submitted", "external_id", gen.ID)
		s.notifyText(ctx, job, "Your video is being generated. You will be notified when it is ready.")
	}

	gen, err := s.pollToTerminal(ctx, job, logger)
	if err != nil {
		s.disposeFailure(ctx, job, err)
		return
	}

	switch gen.Status {
	case core.GenerationCompleted:
		s.settleSuccess(ctx, job, logger)
	case core.GenerationFailed:
		s.disposeFailure(ctx, job, core.NewEngineError(gen.FailureCategory, gen.FailureMessage, nil))
	}
}

// pollToTerminal polls the external service until the generation reaches a
// terminal status, the MaxWait window elapses, or polling fails repeatedly.
func (s *Scheduler) pollToTerminal(ctx context.Context, job *core.Job, logger *slog.Logger) (*core.Generation, error) {
	var deadline time.Time
	if s.config.MaxWait > 0 {
		deadline = time.Now().Add(s.config.MaxWait)
	}

	lastNotified := 0
	failures := 0
	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, core.NewEngineError(core.CategoryTimeout,
				fmt.Sprintf("no terminal status after %s", s.config.MaxWait), nil)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.config.PollInterval):
		}

		gen, err := s.engine.Poll(ctx, job.ExternalID)
		if err != nil {
			if !core.CategoryOf(err).Retryable() {
				return nil, err
			}
			failures++
			logger.Warn("poll failed", "error", err, "consecutive", failures)
			if failures >= pollFailureGrace {
				return nil, err
			}
			continue
		}
		failures = 0

		if gen.Status.Terminal() {
			return gen, nil
		}
		if gen.Progress >= lastNotified+s.config.ProgressStep && s.config.ProgressStep > 0 {
			lastNotified = gen.Progress
			s.emit(&core.JobProgress{Job: job, Progress: gen.Progress, Timestamp: time.Now()})
			s.notifyText(ctx, job, fmt.Sprintf("Rendering: %d%%", gen.Progress))
		}
	}
}

// settleSuccess fetches the finished artifact, stores it, settles the job as
// completed, and delivers the result. Delivery failures are logged only;
// the job stays completed.
func (s *Scheduler) settleSuccess(ctx context.Context, job *core.Job, logger *slog.Logger) {
	key := "videos/" + job.ExternalID + ".mp4"

	content, err := s.engine.FetchResult(ctx, job.ExternalID)
	if err != nil {
		logger.Warn("result fetch failed", "error", err)
		s.disposeFailure(ctx, job, err)
		return
	}
	putErr := s.artifacts.Put(ctx, key, content)
	content.Close()
	if putErr != nil {
		logger.Warn("artifact store failed", "error", putErr)
		s.disposeFailure(ctx, job, putErr)
		return
	}

	now := time.Now()
	won, err := s.store.TransitionFrom(ctx, job.ID, core.StatusProcessing, core.StatusCompleted, core.TransitionFields{
		CompletedAt: &now,
	})
	if err != nil {
		logger.Error("completion transition failed", "error", err)
		return
	}
	if !won {
		logger.Warn("completion lost transition race, skipping delivery")
		return
	}

	if err := s.notifier.DeliverArtifact(ctx, job.DeliverTo, key, "Your video is ready!"); err != nil {
		logger.Warn("delivery failed", "artifact", key, "error", err)
	} else if err := s.artifacts.Remove(ctx, key); err != nil {
		logger.Warn("artifact cleanup failed", "artifact", key, "error", err)
	}

	var duration time.Duration
	if job.StartedAt != nil {
		duration = now.Sub(*job.StartedAt)
	}
	logger.Info("job completed", "external_id", job.ExternalID, "duration", duration)
	s.emit(&core.JobCompleted{Job: job, Duration: duration, Timestamp: now})
}

// disposeFailure decides between requeue and terminal failure. A terminal
// failure credits the job's recomputed price back to its owner; the
// status-guarded transition guarantees the credit is issued at most once
// no matter how many dispatch paths race on the same job.
func (s *Scheduler) disposeFailure(ctx context.Context, job *core.Job, cause error) {
	logger := s.logger.With("job_id", job.ID, "user_id", job.UserID)
	category := core.CategoryOf(cause)
	msg := cause.Error()

	if category.Retryable() && job.RetryCount < s.config.MaxRetries {
		cleared := ""
		won, err := s.store.TransitionFrom(ctx, job.ID, core.StatusProcessing, core.StatusPending, core.TransitionFields{
			ErrorMessage:   &msg,
			ExternalID:     &cleared,
			IncrementRetry: true,
		})
		if err != nil {
			logger.Error("requeue transition failed", "error", err)
			return
		}
		if !won {
			return
		}
		attempt := job.RetryCount + 1
		logger.Warn("job requeued", "attempt", attempt, "max_retries", s.config.MaxRetries, "error", msg)
		s.emit(&core.JobRetrying{Job: job, Attempt: attempt, Error: cause, Timestamp: time.Now()})
		s.notifyText(ctx, job, fmt.Sprintf("Generation hit a temporary problem, retrying (attempt %d of %d).", attempt, s.config.MaxRetries))
		return
	}

	now := time.Now()
	won, err := s.store.TransitionFrom(ctx, job.ID, core.StatusProcessing, core.StatusFailed, core.TransitionFields{
		ErrorMessage: &msg,
		CompletedAt:  &now,
	})
	if err != nil {
		logger.Error("failure transition failed", "error", err)
		return
	}
	if !won {
		return
	}

	refund := float64(pricing.Cost(job.Model, job.Size, job.Seconds))
	if err := s.ledger.Credit(ctx, job.UserID, refund); err != nil {
		// The job is already failed; a missed refund is an operator problem,
		// not a scheduling one.
		logger.Error("refund failed", "amount", refund, "error", err)
		refund = 0
	}
	logger.Warn("job failed", "category", category, "refund", refund, "error", msg)
	s.emit(&core.JobFailed{Job: job, Error: cause, Refunded: refund, Timestamp: now})
	s.notifyText(ctx, job, fmt.Sprintf("Generation failed (%s). %.0f credits were refunded.", category, refund))
}

// resumeInterrupted reconciles jobs left in processing by a previous run.
// Jobs that never reached the external service go back to pending; jobs
// with a live external handle are re-attached and polled to completion,
// outside the admission ceiling so restarts never deadlock a full queue.
func (s *Scheduler) resumeInterrupted(ctx context.Context) error {
	orphans, err := s.store.ListOrphaned(ctx)
	if err != nil {
		return err
	}
	for _, job := range orphans {
		won, err := s.store.TransitionFrom(ctx, job.ID, core.StatusProcessing, core.StatusPending, core.TransitionFields{})
		if err != nil {
			return err
		}
		if won {
			s.logger.Info("orphaned job requeued", "job_id", job.ID)
		}
	}

	resumable, err := s.store.ListResumable(ctx)
	if err != nil {
		return err
	}
	for _, job := range resumable {
		s.logger.Info("resuming interrupted job", "job_id", job.ID, "external_id", job.ExternalID)
		s.wg.Add(1)
		taskCtx := context.WithoutCancel(ctx)
		go func(j *core.Job) {
			defer s.wg.Done()
			s.runJob(taskCtx, j, true)
		}(job)
	}
	return nil
}

// Stats reports current scheduler state.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	pending, err := s.store.CountPending(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		ActiveJobs:   s.active.Load(),
		PendingJobs:  pending,
		Ceiling:      s.config.Ceiling,
		ShuttingDown: s.shuttingDown.Load(),
	}, nil
}

// Events returns a channel for receiving scheduler events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (s *Scheduler) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	s.mu.Lock()
	s.eventSubs = append(s.eventSubs, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed; callers must stop reading before calling it.
func (s *Scheduler) Unsubscribe(ch <-chan core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.eventSubs {
		if sub == ch {
			s.eventSubs = append(s.eventSubs[:i], s.eventSubs[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) emit(e core.Event) {
	s.mu.RLock()
	subs := make([]chan core.Event, len(s.eventSubs))
	copy(subs, s.eventSubs)
	s.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// Drop rather than block on a slow consumer.
		}
	}
}

func (s *Scheduler) notifyText(ctx context.Context, job *core.Job, text string) {
	if err := s.notifier.NotifyText(ctx, job.DeliverTo, text); err != nil {
		s.logger.Warn("notification failed", "job_id", job.ID, "error", err)
	}
}
