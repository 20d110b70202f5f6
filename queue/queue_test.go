package queue_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcaresearch/orca/queue"
)

func TestNameForPartitionsByKind(t *testing.T) {
	assert.Equal(t, queue.QueueAgents, queue.NameFor(queue.KindPlan))
	assert.Equal(t, queue.QueueAgents, queue.NameFor(queue.KindResearch))
	assert.Equal(t, queue.QueueAgents, queue.NameFor(queue.KindSupplement))
	assert.Equal(t, queue.QueueAgents, queue.NameFor(queue.KindReport))
	assert.Equal(t, queue.QueueReport, queue.NameFor(queue.KindFinalize))
	assert.Equal(t, queue.QueueOrchestrator, queue.NameFor(queue.KindSubmit))
	assert.Equal(t, queue.QueueOrchestrator, queue.NameFor(queue.KindJudgePlan))
	assert.Equal(t, queue.QueueOrchestrator, queue.NameFor(queue.KindJudgeResearch))
}

func TestRouterDispatch(t *testing.T) {
	r := queue.NewRouter()
	var got queue.Job
	r.Handle(queue.KindSubmit, func(ctx context.Context, job queue.Job) error {
		got = job
		return nil
	})

	job := queue.Job{ID: "j1", Kind: queue.KindSubmit, TaskID: "t1", Query: "q"}
	require.NoError(t, r.Dispatch(context.Background(), job))
	assert.Equal(t, job, got)
}

func TestRouterUnknownKind(t *testing.T) {
	r := queue.NewRouter()
	err := r.Dispatch(context.Background(), queue.Job{Kind: "mystery"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery")
}

func TestRouterLastRegistrationWins(t *testing.T) {
	r := queue.NewRouter()
	r.Handle(queue.KindPlan, func(ctx context.Context, job queue.Job) error {
		return errors.New("old")
	})
	r.Handle(queue.KindPlan, func(ctx context.Context, job queue.Job) error {
		return nil
	})
	assert.NoError(t, r.Dispatch(context.Background(), queue.Job{Kind: queue.KindPlan}))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	job := queue.Job{
		ID:       "j1",
		Kind:     queue.KindResearch,
		TaskID:   "t1",
		Agent:    "media",
		Phase:    "research",
		Guidance: "dig deeper",
		Attempt:  1,
	}
	raw, err := queue.Encode(job)
	require.NoError(t, err)
	back, err := queue.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, job, back)

	_, err = queue.Decode([]byte("{"))
	require.Error(t, err)
}
