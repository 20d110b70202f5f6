package memq_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcaresearch/orca/queue"
	"github.com/orcaresearch/orca/queue/memq"
)

func TestWaitDrainsChainedJobs(t *testing.T) {
	ctx := context.Background()
	router := queue.NewRouter()
	q, err := memq.New(ctx, memq.Options{Router: router})
	require.NoError(t, err)
	defer q.Close()

	var submits, plans atomic.Int64
	router.Handle(queue.KindSubmit, func(ctx context.Context, job queue.Job) error {
		submits.Add(1)
		// Handlers enqueue follow-up work before returning.
		return q.Enqueue(ctx, queue.Job{ID: "p", Kind: queue.KindPlan, TaskID: job.TaskID})
	})
	router.Handle(queue.KindPlan, func(ctx context.Context, job queue.Job) error {
		plans.Add(1)
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, queue.Job{ID: "s", Kind: queue.KindSubmit, TaskID: "t1"}))
	q.Wait()

	assert.Equal(t, int64(1), submits.Load())
	assert.Equal(t, int64(1), plans.Load())
}

func TestHandlerErrorDoesNotWedgeWait(t *testing.T) {
	ctx := context.Background()
	router := queue.NewRouter()
	q, err := memq.New(ctx, memq.Options{Router: router, Workers: 1})
	require.NoError(t, err)
	defer q.Close()

	var calls atomic.Int64
	router.Handle(queue.KindPlan, func(ctx context.Context, job queue.Job) error {
		calls.Add(1)
		return assert.AnError
	})

	require.NoError(t, q.Enqueue(ctx, queue.Job{ID: "a", Kind: queue.KindPlan}))
	require.NoError(t, q.Enqueue(ctx, queue.Job{ID: "b", Kind: queue.KindPlan}))
	q.Wait()
	assert.Equal(t, int64(2), calls.Load())
}

func TestKindsLandOnTheirQueues(t *testing.T) {
	ctx := context.Background()
	router := queue.NewRouter()
	q, err := memq.New(ctx, memq.Options{Router: router})
	require.NoError(t, err)
	defer q.Close()

	seen := make(chan string, 3)
	for _, kind := range []string{queue.KindSubmit, queue.KindResearch, queue.KindFinalize} {
		kind := kind
		router.Handle(kind, func(ctx context.Context, job queue.Job) error {
			seen <- kind
			return nil
		})
	}
	for _, kind := range []string{queue.KindSubmit, queue.KindResearch, queue.KindFinalize} {
		require.NoError(t, q.Enqueue(ctx, queue.Job{ID: kind, Kind: kind}))
	}
	q.Wait()

	got := map[string]bool{}
	for i := 0; i < 3; i++ {
		got[<-seen] = true
	}
	assert.Len(t, got, 3)
}
