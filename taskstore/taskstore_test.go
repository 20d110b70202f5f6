package taskstore_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcaresearch/orca/clients/redisdb/inmem"
	"github.com/orcaresearch/orca/taskstore"
)

func newStore(t *testing.T) (*taskstore.Store, *inmem.Client) {
	t.Helper()
	db := inmem.New()
	store, err := taskstore.New(db)
	require.NoError(t, err)
	return store, db
}

func TestGetDefaultsBeforeFirstUpdate(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	require.NoError(t, store.Create(ctx, "t1", "EV market 2025", "phased"))
	task, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusPending, task.Status)
	assert.Equal(t, 0, task.Progress)
	assert.Equal(t, "EV market 2025", task.Query)
	assert.Equal(t, "phased", task.Mode)
}

func TestGetUnknownTask(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	_, err := store.Get(ctx, "nope")
	assert.ErrorIs(t, err, taskstore.ErrNotFound)
}

func TestValidPathAccepted(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	require.NoError(t, store.Create(ctx, "t1", "q", "phased"))

	path := []struct {
		status   string
		progress int
	}{
		{taskstore.StatusRunning, 5},
		{taskstore.StatusPhase1Plan, 20},
		{taskstore.StatusOrchestratingPlan, 35},
		{taskstore.StatusPhase2Research, 40},
		{taskstore.StatusOrchestratingResearch, 65},
		{taskstore.StatusPhase2Supplement, 70},
		{taskstore.StatusPhase3Report, 75},
		{taskstore.StatusGeneratingFinalReport, 85},
		{taskstore.StatusCompleted, 100},
	}
	for _, step := range path {
		require.NoError(t, store.ApplyUpdate(ctx, "t1", taskstore.Update{Status: step.status, Progress: step.progress}))
		task, err := store.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, step.status, task.Status)
		assert.Equal(t, step.progress, task.Progress)
	}
	task, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.NotNil(t, task.CompletedAt)
}

func TestIllegalTransitionRejected(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	require.NoError(t, store.Create(ctx, "t1", "q", "phased"))

	err := store.ApplyUpdate(ctx, "t1", taskstore.Update{Status: taskstore.StatusPhase3Report})
	assert.ErrorIs(t, err, taskstore.ErrInvalidTransition)

	task, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusPending, task.Status)
}

func TestNoRegression(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	require.NoError(t, store.Create(ctx, "t1", "q", "phased"))
	require.NoError(t, store.ApplyUpdate(ctx, "t1", taskstore.Update{Status: taskstore.StatusRunning, Progress: 5}))
	require.NoError(t, store.ApplyUpdate(ctx, "t1", taskstore.Update{Status: taskstore.StatusPhase1Plan, Progress: 20}))

	// Going backwards in the state set is illegal.
	err := store.ApplyUpdate(ctx, "t1", taskstore.Update{Status: taskstore.StatusRunning})
	assert.ErrorIs(t, err, taskstore.ErrInvalidTransition)

	// Progress never decreases even on a repeated-status update.
	require.NoError(t, store.ApplyUpdate(ctx, "t1", taskstore.Update{Status: taskstore.StatusPhase1Plan, Progress: 10}))
	task, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 20, task.Progress)
}

func TestTerminalAbsorbsLateWriters(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	require.NoError(t, store.Create(ctx, "t1", "q", "phased"))
	require.NoError(t, store.ApplyUpdate(ctx, "t1", taskstore.Update{Status: taskstore.StatusFailed, Error: "render failed"}))

	// Late updates from outstanding phase units are silently ignored.
	require.NoError(t, store.ApplyUpdate(ctx, "t1", taskstore.Update{Status: taskstore.StatusCompleted, Progress: 100}))

	task, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusFailed, task.Status)
	assert.Equal(t, "render failed", task.ErrorMessage)
}

func TestTerminalIdempotence(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	require.NoError(t, store.Create(ctx, "t1", "q", "phased"))
	require.NoError(t, store.ApplyUpdate(ctx, "t1", taskstore.Update{Status: taskstore.StatusCompleted, Progress: 100}))
	require.NoError(t, store.ApplyUpdate(ctx, "t1", taskstore.Update{Status: taskstore.StatusCompleted, Progress: 100}))

	task, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusCompleted, task.Status)
}

func TestResultRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	require.NoError(t, store.Create(ctx, "t1", "q", "phased"))

	_, found, err := store.Result(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, found)

	doc := json.RawMessage(`{"metadata":{"title":"Analysis Report: q"}}`)
	require.NoError(t, store.PutResult(ctx, "t1", doc))
	got, found, err := store.Result(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, string(doc), string(got))
}

func TestListMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	db := inmem.New()
	now := time.Unix(1_700_000_000, 0)
	db.SetClock(func() time.Time { return now })
	store, err := taskstore.New(db, taskstore.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, store.Create(ctx, id, "q "+id, "phased"))
		now = now.Add(time.Minute)
	}

	tasks, err := store.List(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "t3", tasks[0].TaskID)
	assert.Equal(t, "t2", tasks[1].TaskID)

	tasks, err = store.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].TaskID)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	require.NoError(t, store.Create(ctx, "t1", "q", "phased"))
	require.NoError(t, store.Create(ctx, "t2", "q", "phased"))
	require.NoError(t, store.ApplyUpdate(ctx, "t2", taskstore.Update{Status: taskstore.StatusCompleted, Progress: 100}))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[taskstore.StatusPending])
	assert.Equal(t, 1, stats[taskstore.StatusCompleted])
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	db := inmem.New()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	db.SetClock(clock)
	store, err := taskstore.New(db, taskstore.WithClock(clock))
	require.NoError(t, err)

	require.NoError(t, store.Create(ctx, "old", "q", "phased"))
	now = now.Add(8 * 24 * time.Hour)
	require.NoError(t, store.Create(ctx, "fresh", "q", "phased"))

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	tasks, err := store.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "fresh", tasks[0].TaskID)
}
