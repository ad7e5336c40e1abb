package core

import (
	"context"
	"io"
	"time"
)

// JobStore defines the durable persistence layer for jobs.
//
// Claim semantics: ClaimNextPending is the only way a job leaves pending
// during normal operation, and it guarantees at-most-one claimant per job
// even under concurrent callers. The guarantee lives in the store contract
// so a future multi-process deployment only has to harden this one method.
type JobStore interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Enqueue inserts a new pending job. Payload contents are not validated.
	Enqueue(ctx context.Context, job *Job) error

	// NextPending returns the oldest pending job without mutating it,
	// or nil if the queue is empty.
	NextPending(ctx context.Context) (*Job, error)

	// ClaimNextPending atomically fetches the oldest pending job and moves
	// it to processing with a start timestamp. Returns nil when empty.
	ClaimNextPending(ctx context.Context) (*Job, error)

	// Transition updates status plus any subset of fields. A missing job id
	// is a silent no-op; transition-table discipline is the caller's job.
	Transition(ctx context.Context, jobID string, status JobStatus, fields TransitionFields) error

	// TransitionFrom performs the same update guarded by the current status
	// and reports whether this caller won the transition. Every settle path
	// goes through it so refunds cannot be issued twice.
	TransitionFrom(ctx context.Context, jobID string, from, to JobStatus, fields TransitionFields) (bool, error)

	// ListResumable returns processing jobs that carry an external handle,
	// oldest first. Used only at startup.
	ListResumable(ctx context.Context) ([]*Job, error)

	// ListOrphaned returns processing jobs without an external handle,
	// oldest first. These never reached billable external work.
	ListOrphaned(ctx context.Context) ([]*Job, error)

	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*Job, error)
	CountPending(ctx context.Context) (int64, error)

	// PruneTerminal deletes completed/failed rows older than the retention
	// window and returns how many were removed.
	PruneTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Ledger applies signed credit deltas to user balances. Debits happen at
// submission time (producer side); the scheduler only ever credits refunds.
type Ledger interface {
	CreateUser(ctx context.Context, userID int64, username string) error
	Debit(ctx context.Context, userID int64, amount float64) error
	Credit(ctx context.Context, userID int64, amount float64) error
	Balance(ctx context.Context, userID int64) (float64, error)
}

// Engine is the external execution client. Submit and Poll errors carry an
// ErrorCategory; the scheduler bases retry decisions solely on it.
type Engine interface {
	Submit(ctx context.Context, job *Job) (*Generation, error)
	Poll(ctx context.Context, externalID string) (*Generation, error)
	FetchResult(ctx context.Context, externalID string) (io.ReadCloser, error)
}

// Notifier delivers results and text events to a job's owner. Calls are
// fire-and-forget from the scheduler's point of view: failures are logged,
// never retried, and never affect job status.
type Notifier interface {
	DeliverArtifact(ctx context.Context, deliverTo, artifactKey, caption string) error
	NotifyText(ctx context.Context, deliverTo, text string) error
}

// ArtifactStore holds generated media between fetch and delivery.
type ArtifactStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}
