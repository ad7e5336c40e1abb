package scheduler

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dkenzh/vidqueue/pkg/core"
	"github.com/dkenzh/vidqueue/pkg/storage"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type pollResult struct {
	status   core.GenerationStatus
	progress int
	category core.ErrorCategory
	message  string
	err      error
}

// fakeEngine plays back scripted submit and poll outcomes. The last poll
// entry repeats, so a terminal answer stays terminal.
type fakeEngine struct {
	mu          sync.Mutex
	submitOut   []error
	submitCount int
	pollOut     []pollResult
	pollCount   int
	fetchCount  int

	// pollFn overrides the scripted sequence when set.
	pollFn func(externalID string) (*core.Generation, error)
}

func (e *fakeEngine) Submit(ctx context.Context, job *core.Job) (*core.Generation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.submitCount
	e.submitCount++
	if i < len(e.submitOut) && e.submitOut[i] != nil {
		return nil, e.submitOut[i]
	}
	return &core.Generation{ID: fmt.Sprintf("video_%d", i), Status: core.GenerationQueued}, nil
}

func (e *fakeEngine) Poll(ctx context.Context, externalID string) (*core.Generation, error) {
	e.mu.Lock()
	pollFn := e.pollFn
	var step pollResult
	if pollFn == nil {
		i := e.pollCount
		if i >= len(e.pollOut) {
			i = len(e.pollOut) - 1
		}
		e.pollCount++
		step = e.pollOut[i]
	}
	e.mu.Unlock()

	if pollFn != nil {
		return pollFn(externalID)
	}
	if step.err != nil {
		return nil, step.err
	}
	return &core.Generation{
		ID:              externalID,
		Status:          step.status,
		Progress:        step.progress,
		FailureCategory: step.category,
		FailureMessage:  step.message,
	}, nil
}

func (e *fakeEngine) FetchResult(ctx context.Context, externalID string) (io.ReadCloser, error) {
	e.mu.Lock()
	e.fetchCount++
	e.mu.Unlock()
	return io.NopCloser(strings.NewReader("mp4 bytes")), nil
}

func (e *fakeEngine) submits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submitCount
}

// recordNotifier captures deliveries and texts for assertions.
type recordNotifier struct {
	mu         sync.Mutex
	deliveries []string
	texts      []string
}

func (n *recordNotifier) DeliverArtifact(ctx context.Context, deliverTo, artifactKey, caption string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = append(n.deliveries, artifactKey)
	return nil
}

func (n *recordNotifier) NotifyText(ctx context.Context, deliverTo, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

func (n *recordNotifier) deliveryCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.deliveries)
}

func (n *recordNotifier) textsContaining(substr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, text := range n.texts {
		if strings.Contains(text, substr) {
			count++
		}
	}
	return count
}

// memArtifacts is an in-memory core.ArtifactStore.
type memArtifacts struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{data: make(map[string][]byte)}
}

func (m *memArtifacts) Put(ctx context.Context, key string, r io.Reader) error {
	content, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = content
	return nil
}

func (m *memArtifacts) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("artifact %q not found", key)
	}
	return io.NopCloser(strings.NewReader(string(content))), nil
}

func (m *memArtifacts) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type fixture struct {
	store    *storage.GormJobStore
	ledger   *storage.GormLedger
	engine   *fakeEngine
	notifier *recordNotifier
	sched    *Scheduler
}

func newFixture(t *testing.T, engine *fakeEngine, opts ...Option) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// In-memory sqlite gives each pooled connection its own database.
	sqlDB.SetMaxOpenConns(1)

	store := storage.NewGormJobStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	ledger := storage.NewGormLedger(db)
	require.NoError(t, ledger.Migrate(context.Background()))

	notifier := &recordNotifier{}
	base := []Option{
		WithAdmissionInterval(10 * time.Millisecond),
		WithPollInterval(5 * time.Millisecond),
	}
	sched := New(store, ledger, engine, notifier, newMemArtifacts(), append(base, opts...)...)

	return &fixture{store: store, ledger: ledger, engine: engine, notifier: notifier, sched: sched}
}

// start runs the scheduler until the test ends. Tests must drive every job
// to a terminal state before returning, or the drain on cleanup will hang.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not drain")
		}
	})
}

func (f *fixture) seedUser(t *testing.T, userID int64, credits float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.ledger.CreateUser(ctx, userID, "tester"))
	if credits > 0 {
		require.NoError(t, f.ledger.Credit(ctx, userID, credits))
	}
}

func (f *fixture) enqueue(t *testing.T, userID int64) *core.Job {
	t.Helper()
	job := &core.Job{
		UserID:    userID,
		DeliverTo: fmt.Sprintf("chat:%d", userID),
		Prompt:    "a red fox in the snow",
		Model:     "sora-2",
		Seconds:   8,
		Size:      "1280x720",
		Status:    core.StatusPending,
	}
	require.NoError(t, f.store.Enqueue(context.Background(), job))
	return job
}

func (f *fixture) jobStatus(t *testing.T, jobID string) core.JobStatus {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job.Status
}

func (f *fixture) balance(t *testing.T, userID int64) float64 {
	t.Helper()
	balance, err := f.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return balance
}

func TestScheduler_HappyPath(t *testing.T) {
	engine := &fakeEngine{
		pollOut: []pollResult{
			{status: core.GenerationQueued},
			{status: core.GenerationInProgress, progress: 30},
			{status: core.GenerationInProgress, progress: 60},
			{status: core.GenerationCompleted, progress: 100},
		},
	}
	f := newFixture(t, engine)
	f.seedUser(t, 1, 1000)
	job := f.enqueue(t, 1)
	f.start(t)

	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == core.StatusCompleted
	}, waitFor, tick)

	assert.Equal(t, 1, f.notifier.deliveryCount(), "exactly one delivery")
	assert.Equal(t, float64(1000), f.balance(t, 1), "no refund on success")

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "video_0", stored.ExternalID)
	assert.NotNil(t, stored.CompletedAt)
}

func TestScheduler_ProgressNotifications(t *testing.T) {
	engine := &fakeEngine{
		pollOut: []pollResult{
			{status: core.GenerationInProgress, progress: 10},
			{status: core.GenerationInProgress, progress: 30},
			{status: core.GenerationInProgress, progress: 55},
			{status: core.GenerationCompleted, progress: 100},
		},
	}
	f := newFixture(t, engine)
	f.seedUser(t, 1, 1000)
	job := f.enqueue(t, 1)
	f.start(t)

	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == core.StatusCompleted
	}, waitFor, tick)

	assert.Equal(t, 1, f.notifier.textsContaining("Rendering: 30%"))
	assert.Equal(t, 1, f.notifier.textsContaining("Rendering: 55%"))
	assert.Zero(t, f.notifier.textsContaining("Rendering: 10%"), "below first step")
}

func TestScheduler_RetryableSubmitFailureExhaustsRetries(t *testing.T) {
	transport := core.NewEngineError(core.CategoryTransport, "connection reset", nil)
	engine := &fakeEngine{
		submitOut: []error{transport, transport, transport},
	}
	f := newFixture(t, engine, WithMaxRetries(2))
	f.seedUser(t, 2, 1000)
	job := f.enqueue(t, 2)
	f.start(t)

	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == core.StatusFailed
	}, waitFor, tick)

	// Initial attempt plus two retries.
	assert.Equal(t, 3, engine.submits())

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RetryCount)
	assert.Contains(t, stored.LastError, "connection reset")

	// Exactly one refund of the job's price.
	assert.Equal(t, float64(1742), f.balance(t, 2))
	assert.Equal(t, 1, f.notifier.textsContaining("refunded"))
	assert.Equal(t, 2, f.notifier.textsContaining("retrying"))
}

func TestScheduler_NonRetryableFailureFailsImmediately(t *testing.T) {
	engine := &fakeEngine{
		submitOut: []error{core.NewEngineError(core.CategoryContentPolicy, "prompt rejected", nil)},
	}
	f := newFixture(t, engine, WithMaxRetries(2))
	f.seedUser(t, 3, 1000)
	job := f.enqueue(t, 3)
	f.start(t)

	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == core.StatusFailed
	}, waitFor, tick)

	assert.Equal(t, 1, engine.submits(), "no retry for content policy")
	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.RetryCount)
	assert.Equal(t, float64(1742), f.balance(t, 3))
}

func TestScheduler_GenerationFailedDownstream(t *testing.T) {
	engine := &fakeEngine{
		pollOut: []pollResult{
			{status: core.GenerationInProgress, progress: 40},
			{status: core.GenerationFailed, category: core.CategoryContentPolicy, message: "frame rejected"},
		},
	}
	f := newFixture(t, engine)
	f.seedUser(t, 4, 2000)
	job := f.enqueue(t, 4)
	f.start(t)

	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == core.StatusFailed
	}, waitFor, tick)

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.LastError, "frame rejected")
	assert.Equal(t, float64(2742), f.balance(t, 4))
	assert.Zero(t, f.notifier.deliveryCount())
}

func TestScheduler_CeilingSerializesDispatch(t *testing.T) {
	release := make(chan struct{})
	engine := &fakeEngine{}
	engine.pollFn = func(externalID string) (*core.Generation, error) {
		select {
		case <-release:
			return &core.Generation{ID: externalID, Status: core.GenerationCompleted, Progress: 100}, nil
		default:
			return &core.Generation{ID: externalID, Status: core.GenerationInProgress, Progress: 50}, nil
		}
	}

	f := newFixture(t, engine, WithCeiling(1))
	f.seedUser(t, 5, 5000)
	first := f.enqueue(t, 5)
	second := f.enqueue(t, 5)
	f.start(t)

	require.Eventually(t, func() bool {
		return f.jobStatus(t, first.ID) == core.StatusProcessing
	}, waitFor, tick)

	// The second job must wait for the slot even across several admission
	// cycles.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, core.StatusPending, f.jobStatus(t, second.ID))
	assert.Equal(t, 1, engine.submits())

	close(release)
	require.Eventually(t, func() bool {
		return f.jobStatus(t, first.ID) == core.StatusCompleted &&
			f.jobStatus(t, second.ID) == core.StatusCompleted
	}, waitFor, tick)
	assert.Equal(t, 2, engine.submits())
}

func TestScheduler_MaxWaitTimesOutAndRefunds(t *testing.T) {
	engine := &fakeEngine{
		pollOut: []pollResult{{status: core.GenerationInProgress, progress: 10}},
	}
	f := newFixture(t, engine, WithMaxWait(30*time.Millisecond), WithMaxRetries(0))
	f.seedUser(t, 6, 1000)
	job := f.enqueue(t, 6)
	f.start(t)

	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == core.StatusFailed
	}, waitFor, tick)

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.LastError, "no terminal status")
	assert.Equal(t, float64(1742), f.balance(t, 6))
}

func TestScheduler_Stats(t *testing.T) {
	engine := &fakeEngine{
		pollOut: []pollResult{{status: core.GenerationCompleted, progress: 100}},
	}
	f := newFixture(t, engine, WithCeiling(3))
	f.seedUser(t, 7, 1000)
	f.enqueue(t, 7)

	stats, err := f.sched.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.PendingJobs)
	assert.Equal(t, 3, stats.Ceiling)
	assert.False(t, stats.ShuttingDown)

	f.start(t)
	require.Eventually(t, func() bool {
		stats, err := f.sched.Stats(context.Background())
		require.NoError(t, err)
		return stats.PendingJobs == 0 && stats.ActiveJobs == 0
	}, waitFor, tick)
}

func TestScheduler_Events(t *testing.T) {
	engine := &fakeEngine{
		pollOut: []pollResult{
			{status: core.GenerationInProgress, progress: 50},
			{status: core.GenerationCompleted, progress: 100},
		},
	}
	f := newFixture(t, engine)
	f.seedUser(t, 8, 1000)
	job := f.enqueue(t, 8)

	events := f.sched.Events()
	defer f.sched.Unsubscribe(events)

	f.start(t)

	var started, progressed, completed bool
	require.Eventually(t, func() bool {
		for {
			select {
			case e := <-events:
				switch e.(type) {
				case *core.JobStarted:
					started = true
				case *core.JobProgress:
					progressed = true
				case *core.JobCompleted:
					completed = true
				}
			default:
				return started && progressed && completed
			}
		}
	}, waitFor, tick)
	assert.Equal(t, core.StatusCompleted, f.jobStatus(t, job.ID))
}
