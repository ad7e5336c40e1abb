package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkenzh/vidqueue/pkg/core"
)

// seedProcessing puts a job directly into processing, simulating a crash
// mid-dispatch. externalID is empty for jobs that never reached submission.
func seedProcessing(t *testing.T, f *fixture, userID int64, externalID string) *core.Job {
	t.Helper()
	job := f.enqueue(t, userID)
	started := time.Now().Add(-time.Minute)
	fields := core.TransitionFields{StartedAt: &started}
	if externalID != "" {
		fields.ExternalID = &externalID
	}
	require.NoError(t, f.store.Transition(context.Background(), job.ID, core.StatusProcessing, fields))
	job.ExternalID = externalID
	return job
}

func TestResume_JobWithHandleIsPolledToCompletion(t *testing.T) {
	engine := &fakeEngine{
		pollOut: []pollResult{
			{status: core.GenerationInProgress, progress: 70},
			{status: core.GenerationCompleted, progress: 100},
		},
	}
	f := newFixture(t, engine)
	f.seedUser(t, 1, 1000)
	job := seedProcessing(t, f, 1, "video_resumed")
	f.start(t)

	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == core.StatusCompleted
	}, waitFor, tick)

	// The running generation was re-attached, never re-submitted.
	assert.Zero(t, engine.submits())
	assert.Equal(t, 1, f.notifier.deliveryCount())
	assert.Equal(t, float64(1000), f.balance(t, 1))
}

func TestResume_OrphanGoesBackToPendingAndRedispatches(t *testing.T) {
	engine := &fakeEngine{
		pollOut: []pollResult{{status: core.GenerationCompleted, progress: 100}},
	}
	f := newFixture(t, engine)
	f.seedUser(t, 2, 1000)
	job := seedProcessing(t, f, 2, "")
	f.start(t)

	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == core.StatusCompleted
	}, waitFor, tick)

	// The orphan was requeued and went through a fresh submission.
	assert.Equal(t, 1, engine.submits())
}

func TestResume_FailedResumeFollowsNormalDisposition(t *testing.T) {
	engine := &fakeEngine{
		pollOut: []pollResult{
			{status: core.GenerationFailed, category: core.CategoryContentPolicy, message: "prompt rejected"},
		},
	}
	f := newFixture(t, engine)
	f.seedUser(t, 3, 500)
	job := seedProcessing(t, f, 3, "video_bad")
	f.start(t)

	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == core.StatusFailed
	}, waitFor, tick)

	assert.Equal(t, float64(1242), f.balance(t, 3), "resumed failures refund like fresh ones")
	assert.Equal(t, 1, f.notifier.textsContaining("refunded"))
}

func TestResume_BypassesAdmissionCeiling(t *testing.T) {
	// Two interrupted generations plus a fresh pending job, ceiling 1: all
	// three must finish, with the resumed pair running outside the slot.
	engine := &fakeEngine{}
	engine.pollFn = func(externalID string) (*core.Generation, error) {
		return &core.Generation{ID: externalID, Status: core.GenerationCompleted, Progress: 100}, nil
	}

	f := newFixture(t, engine, WithCeiling(1))
	f.seedUser(t, 4, 5000)
	resumedA := seedProcessing(t, f, 4, "video_a")
	resumedB := seedProcessing(t, f, 4, "video_b")
	fresh := f.enqueue(t, 4)
	f.start(t)

	require.Eventually(t, func() bool {
		return f.jobStatus(t, resumedA.ID) == core.StatusCompleted &&
			f.jobStatus(t, resumedB.ID) == core.StatusCompleted &&
			f.jobStatus(t, fresh.ID) == core.StatusCompleted
	}, waitFor, tick)

	assert.Equal(t, 1, engine.submits(), "only the fresh job is submitted")
	assert.Equal(t, 3, f.notifier.deliveryCount())
}
