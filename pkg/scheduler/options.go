package scheduler

import (
	"log/slog"
	"time"
)

// Config holds scheduler tuning knobs.
type Config struct {
	// Ceiling is the maximum number of concurrently dispatched jobs.
	// Resumed jobs are not counted against it.
	Ceiling int

	// AdmissionInterval is how often the admission loop checks for
	// claimable work when slots are free.
	AdmissionInterval time.Duration

	// PollInterval is the delay between status polls for an in-flight job.
	PollInterval time.Duration

	// MaxWait bounds how long a single dispatch cycle may poll before the
	// job is treated as timed out. Zero means poll until terminal.
	MaxWait time.Duration

	// MaxRetries is how many times a job may be requeued after a
	// retryable failure before it settles as failed.
	MaxRetries int

	// ProgressStep is the minimum progress delta (in points) between
	// owner-facing progress notifications.
	ProgressStep int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Ceiling:           1,
		AdmissionInterval: 5 * time.Second,
		PollInterval:      5 * time.Second,
		MaxWait:           0,
		MaxRetries:        2,
		ProgressStep:      25,
	}
}

// Option configures a Scheduler.
type Option interface {
	apply(*Scheduler)
}

type optionFunc func(*Scheduler)

func (f optionFunc) apply(s *Scheduler) { f(s) }

// WithCeiling sets the concurrency ceiling. Values below 1 are clamped to 1.
func WithCeiling(n int) Option {
	return optionFunc(func(s *Scheduler) {
		if n < 1 {
			n = 1
		}
		s.config.Ceiling = n
	})
}

// WithAdmissionInterval sets the admission loop interval.
func WithAdmissionInterval(d time.Duration) Option {
	return optionFunc(func(s *Scheduler) {
		s.config.AdmissionInterval = d
	})
}

// WithPollInterval sets the status poll interval.
func WithPollInterval(d time.Duration) Option {
	return optionFunc(func(s *Scheduler) {
		s.config.PollInterval = d
	})
}

// WithMaxWait bounds the per-dispatch polling window. Zero disables the bound.
func WithMaxWait(d time.Duration) Option {
	return optionFunc(func(s *Scheduler) {
		s.config.MaxWait = d
	})
}

// WithMaxRetries sets the retry ceiling for retryable failures.
func WithMaxRetries(n int) Option {
	return optionFunc(func(s *Scheduler) {
		s.config.MaxRetries = n
	})
}

// WithLogger sets the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	})
}
