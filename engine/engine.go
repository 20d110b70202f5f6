// Package engine drives the analysis pipeline: fan out per-agent phase jobs,
// barrier on completion, invoke the orchestrator review, branch on the
// decision, and advance until the final report is rendered. Every handler is a
// queue job so the pipeline survives process restarts; barriers are store
// counters with an exactly-once fired flag.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/orcaresearch/orca/agents"
	"github.com/orcaresearch/orca/blackboard"
	"github.com/orcaresearch/orca/clients/redisdb"
	"github.com/orcaresearch/orca/judge"
	"github.com/orcaresearch/orca/querycache"
	"github.com/orcaresearch/orca/queue"
	"github.com/orcaresearch/orca/report"
	"github.com/orcaresearch/orca/taskstore"
)

// ForumSpeaker is the speaker name engine forum entries use.
const ForumSpeaker = "engine"

// Submission modes.
const (
	ModePhased   = "phased"
	ModeStandard = "standard"
)

type (
	// Timeouts are the per-phase wall-clock bounds. Soft signals cooperative
	// cancellation through the context; Hard abandons the worker.
	Timeouts struct {
		PlanSoft, PlanHard             time.Duration
		ResearchSoft, ResearchHard     time.Duration
		SupplementSoft, SupplementHard time.Duration
		ReportSoft, ReportHard         time.Duration
		JudgeSoft, JudgeHard           time.Duration
	}

	// Engine coordinates the pipeline.
	Engine struct {
		db       redisdb.Client
		board    *blackboard.Board
		tasks    *taskstore.Store
		cache    *querycache.Cache
		adapters map[string]agents.Adapter
		judge    *judge.Judge
		renderer report.Renderer
		queue    queue.Queue
		timeouts Timeouts
		tracer   trace.Tracer
		outcomes metric.Int64Counter
	}

	// Options configures an Engine. The queue is bound separately with Bind
	// because queue consumers need the engine's router first.
	Options struct {
		// DB is the shared store client (barrier counters). Required.
		DB redisdb.Client
		// Board carries inter-phase state. Required.
		Board *blackboard.Board
		// Tasks tracks status and results. Required.
		Tasks *taskstore.Store
		// Cache deduplicates queries. Required.
		Cache *querycache.Cache
		// Adapters maps agent kind to its engine. Required for all of
		// agents.All.
		Adapters map[string]agents.Adapter
		// Judge reviews plan and research phases. Required.
		Judge *judge.Judge
		// Renderer produces the final document. Required.
		Renderer report.Renderer
		// Timeouts override the default phase bounds (tests).
		Timeouts *Timeouts
		// Tracer instruments phase execution. Optional.
		Tracer trace.Tracer
		// Outcomes counts terminal task states. Optional.
		Outcomes metric.Int64Counter
	}
)

// DefaultTimeouts returns the production phase bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		PlanSoft: 600 * time.Second, PlanHard: 660 * time.Second,
		ResearchSoft: 1800 * time.Second, ResearchHard: 1860 * time.Second,
		SupplementSoft: 1200 * time.Second, SupplementHard: 1260 * time.Second,
		ReportSoft: 600 * time.Second, ReportHard: 660 * time.Second,
		JudgeSoft: 300 * time.Second, JudgeHard: 360 * time.Second,
	}
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.DB == nil || opts.Board == nil || opts.Tasks == nil || opts.Cache == nil {
		return nil, errors.New("db, board, tasks and cache are required")
	}
	if opts.Judge == nil || opts.Renderer == nil {
		return nil, errors.New("judge and renderer are required")
	}
	for _, agent := range agents.All {
		if _, ok := opts.Adapters[agent]; !ok {
			return nil, fmt.Errorf("missing adapter for agent %q", agent)
		}
	}
	timeouts := DefaultTimeouts()
	if opts.Timeouts != nil {
		timeouts = *opts.Timeouts
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("engine")
	}
	return &Engine{
		db:       opts.DB,
		board:    opts.Board,
		tasks:    opts.Tasks,
		cache:    opts.Cache,
		adapters: opts.Adapters,
		judge:    opts.Judge,
		renderer: opts.Renderer,
		timeouts: timeouts,
		tracer:   tracer,
		outcomes: opts.Outcomes,
	}, nil
}

// Register installs the engine's job handlers on the router.
func (e *Engine) Register(r *queue.Router) {
	r.Handle(queue.KindSubmit, e.handleSubmit)
	r.Handle(queue.KindPlan, e.handlePhase)
	r.Handle(queue.KindResearch, e.handlePhase)
	r.Handle(queue.KindSupplement, e.handlePhase)
	r.Handle(queue.KindReport, e.handlePhase)
	r.Handle(queue.KindJudgePlan, e.handleJudgePlan)
	r.Handle(queue.KindJudgeResearch, e.handleJudgeResearch)
	r.Handle(queue.KindFinalize, e.handleFinalize)
}

// Bind attaches the queue the engine enqueues follow-up jobs on. Must be
// called before any job runs.
func (e *Engine) Bind(q queue.Queue) {
	e.queue = q
}

// SubmitTask records a new task and enqueues the pipeline entry job.
func (e *Engine) SubmitTask(ctx context.Context, taskID, query, mode string) error {
	if mode == "" {
		mode = ModePhased
	}
	if err := e.tasks.Create(ctx, taskID, query, mode); err != nil {
		return err
	}
	return e.queue.Enqueue(ctx, queue.Job{
		ID:     uuid.NewString(),
		Kind:   queue.KindSubmit,
		TaskID: taskID,
		Query:  query,
	})
}

// countOutcome records a terminal state on the outcome counter.
func (e *Engine) countOutcome(ctx context.Context, status string) {
	if e.outcomes == nil {
		return
	}
	e.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// runBounded executes fn under a soft deadline and abandons it at the hard
// deadline. An abandoned worker keeps running; its eventual result is ignored.
func runBounded[T any](ctx context.Context, soft, hard time.Duration, fn func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	softCtx, cancel := context.WithTimeout(ctx, soft)
	done := make(chan outcome, 1)
	go func() {
		defer cancel()
		v, err := fn(softCtx)
		done <- outcome{value: v, err: err}
	}()
	timer := time.NewTimer(hard)
	defer timer.Stop()
	select {
	case out := <-done:
		return out.value, out.err
	case <-timer.C:
		var zero T
		return zero, fmt.Errorf("hard timeout after %s", hard)
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
