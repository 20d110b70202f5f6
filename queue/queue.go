// Package queue defines the durable work-queue contract the workflow engine
// runs on. Jobs are small JSON records; fan-out groups and barriers are built
// on top by the engine. Work is partitioned across named queues by job kind so
// slow report rendering never starves orchestration decisions.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// Job kinds.
const (
	KindSubmit        = "submit"
	KindPlan          = "plan"
	KindResearch      = "research"
	KindSupplement    = "supplement"
	KindReport        = "report"
	KindJudgePlan     = "judge_plan"
	KindJudgeResearch = "judge_research"
	KindFinalize      = "finalize"
)

// Queue names.
const (
	QueueAgents       = "agents"
	QueueOrchestrator = "orchestrator"
	QueueReport       = "report"
)

type (
	// Job is one unit of work. Agent and Phase are set on per-agent phase
	// jobs only.
	Job struct {
		ID       string `json:"id"`
		Kind     string `json:"kind"`
		TaskID   string `json:"task_id"`
		Agent    string `json:"agent,omitempty"`
		Phase    string `json:"phase,omitempty"`
		Query    string `json:"query,omitempty"`
		Guidance string `json:"guidance,omitempty"`
		Attempt  int    `json:"attempt,omitempty"`
	}

	// Handler processes one job. A returned error is logged by the transport;
	// jobs are not redelivered, retries live inside the handler.
	Handler func(ctx context.Context, job Job) error

	// Queue accepts jobs for asynchronous processing.
	Queue interface {
		Enqueue(ctx context.Context, job Job) error
	}

	// Router maps job kinds to handlers.
	Router struct {
		handlers map[string]Handler
	}
)

// NameFor returns the queue a job kind runs on.
func NameFor(kind string) string {
	switch kind {
	case KindPlan, KindResearch, KindSupplement, KindReport:
		return QueueAgents
	case KindFinalize:
		return QueueReport
	default:
		return QueueOrchestrator
	}
}

// Names lists all queue names.
func Names() []string {
	return []string{QueueAgents, QueueOrchestrator, QueueReport}
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Handle registers the handler for a job kind. Last registration wins.
func (r *Router) Handle(kind string, h Handler) {
	r.handlers[kind] = h
}

// Dispatch runs the handler registered for the job's kind.
func (r *Router) Dispatch(ctx context.Context, job Job) error {
	h, ok := r.handlers[job.Kind]
	if !ok {
		return fmt.Errorf("no handler for job kind %q", job.Kind)
	}
	return h(ctx, job)
}

// Encode serializes a job for transport.
func Encode(job Job) ([]byte, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return raw, nil
}

// Decode deserializes a job from transport bytes.
func Decode(raw []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, fmt.Errorf("unmarshal job: %w", err)
	}
	return job, nil
}
