package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/orcaresearch/orca/agents"
	"github.com/orcaresearch/orca/blackboard"
	"github.com/orcaresearch/orca/judge"
	"github.com/orcaresearch/orca/queue"
	"github.com/orcaresearch/orca/report"
	"github.com/orcaresearch/orca/taskstore"
)

// handleSubmit is the pipeline entry: cache short-circuit, then plan fan-out.
func (e *Engine) handleSubmit(ctx context.Context, job queue.Job) error {
	ctx, span := e.tracer.Start(ctx, "engine.submit", trace.WithAttributes(
		attribute.String("task_id", job.TaskID)))
	defer span.End()

	hit, found, err := e.cache.Lookup(ctx, job.Query)
	if err != nil {
		// A broken cache must not block fresh analysis.
		log.Errorf(ctx, err, "cache lookup")
	}
	if found {
		if err := e.tasks.PutResult(ctx, job.TaskID, hit.Document); err != nil {
			return err
		}
		note := "Result served from cache"
		if !hit.Exact {
			note = fmt.Sprintf("Result served from cache (similar to %q, score %.2f)", hit.SourceQuery, hit.Similarity)
		}
		e.note(ctx, job.TaskID, note)
		if err := e.tasks.ApplyUpdate(ctx, job.TaskID, taskstore.Update{Status: taskstore.StatusCompleted, Progress: 100}); err != nil {
			return err
		}
		e.countOutcome(ctx, taskstore.StatusCompleted)
		return nil
	}

	e.note(ctx, job.TaskID, fmt.Sprintf("Starting analysis of: %s", job.Query))
	if err := e.tasks.ApplyUpdate(ctx, job.TaskID, taskstore.Update{Status: taskstore.StatusRunning, Progress: 5}); err != nil {
		return err
	}
	if err := e.fanOut(ctx, job.TaskID, job.Query, queue.KindPlan, ""); err != nil {
		return err
	}
	return e.tasks.ApplyUpdate(ctx, job.TaskID, taskstore.Update{Status: taskstore.StatusPhase1Plan, Progress: 20})
}

// handlePhase runs one agent through one phase. Failures degrade to fallback
// payloads; the barrier counts the unit either way.
func (e *Engine) handlePhase(ctx context.Context, job queue.Job) error {
	ctx, span := e.tracer.Start(ctx, "engine."+job.Kind, trace.WithAttributes(
		attribute.String("task_id", job.TaskID),
		attribute.String("agent", job.Agent)))
	defer span.End()

	terminal, err := e.terminal(ctx, job.TaskID)
	if err != nil {
		return err
	}
	if terminal {
		// Late unit of an already finished task; its result is ignored.
		return nil
	}
	if err := e.board.SetAgentPhase(ctx, job.TaskID, job.Agent, job.Kind); err != nil {
		return err
	}
	if phaseErr := e.runPhase(ctx, job); phaseErr != nil {
		span.SetStatus(codes.Error, phaseErr.Error())
		if err := e.recordFailure(ctx, job, phaseErr); err != nil {
			return err
		}
	} else {
		e.note(ctx, job.TaskID, fmt.Sprintf("Agent %s completed %s phase", job.Agent, job.Kind))
	}

	fired, err := e.arrive(ctx, job.TaskID, job.Kind)
	if err != nil {
		return err
	}
	if !fired {
		return nil
	}
	switch job.Kind {
	case queue.KindPlan:
		return e.enqueue(ctx, queue.Job{Kind: queue.KindJudgePlan, TaskID: job.TaskID, Query: job.Query})
	case queue.KindResearch:
		return e.enqueue(ctx, queue.Job{Kind: queue.KindJudgeResearch, TaskID: job.TaskID, Query: job.Query})
	case queue.KindSupplement:
		// The review is not re-run after supplemental research.
		return e.fanOutReports(ctx, job.TaskID, job.Query)
	case queue.KindReport:
		return e.enqueue(ctx, queue.Job{Kind: queue.KindFinalize, TaskID: job.TaskID, Query: job.Query})
	}
	return nil
}

// runPhase executes the adapter call for one phase job under its soft/hard
// timeout pair and stores the resulting payload.
func (e *Engine) runPhase(ctx context.Context, job queue.Job) error {
	adapter := e.adapters[job.Agent]
	switch job.Kind {
	case queue.KindPlan:
		guidance, _, err := e.board.Guidance(ctx, job.TaskID, blackboard.PhasePlan)
		if err != nil {
			return err
		}
		payload, err := runBounded(ctx, e.timeouts.PlanSoft, e.timeouts.PlanHard, func(ctx context.Context) (json.RawMessage, error) {
			return adapter.Plan(ctx, job.Query, guidance)
		})
		if err != nil {
			return err
		}
		return e.board.SavePayload(ctx, job.TaskID, job.Agent, blackboard.PhasePlan, payload)

	case queue.KindResearch:
		planPayload, found, err := e.board.Payload(ctx, job.TaskID, job.Agent, blackboard.PhasePlan)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("agent %s: %w", job.Agent, blackboard.ErrMissingStateDict)
		}
		if _, err := blackboard.StateDict(planPayload); err != nil {
			return fmt.Errorf("agent %s plan: %w", job.Agent, err)
		}
		guidance, _, err := e.board.Guidance(ctx, job.TaskID, blackboard.PhaseResearch)
		if err != nil {
			return err
		}
		payload, err := runBounded(ctx, e.timeouts.ResearchSoft, e.timeouts.ResearchHard, func(ctx context.Context) (json.RawMessage, error) {
			return adapter.Research(ctx, planPayload, guidance)
		})
		if err != nil {
			return err
		}
		return e.board.SavePayload(ctx, job.TaskID, job.Agent, blackboard.PhaseResearch, payload)

	case queue.KindSupplement:
		researchPayload, found, err := e.board.Payload(ctx, job.TaskID, job.Agent, blackboard.PhaseResearch)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("agent %s: no research to supplement", job.Agent)
		}
		guidance := job.Guidance
		if guidance == "" {
			guidance, _, err = e.board.Guidance(ctx, job.TaskID, blackboard.PhaseResearch)
			if err != nil {
				return err
			}
		}
		payload, err := runBounded(ctx, e.timeouts.SupplementSoft, e.timeouts.SupplementHard, func(ctx context.Context) (json.RawMessage, error) {
			return adapter.Supplement(ctx, researchPayload, guidance)
		})
		if err != nil {
			return err
		}
		// Supplement refines the research record in place.
		return e.board.SavePayload(ctx, job.TaskID, job.Agent, blackboard.PhaseResearch, payload)

	case queue.KindReport:
		researchPayload, found, err := e.board.Payload(ctx, job.TaskID, job.Agent, blackboard.PhaseResearch)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("agent %s: %w", job.Agent, blackboard.ErrMissingStateDict)
		}
		if _, err := blackboard.StateDict(researchPayload); err != nil {
			return fmt.Errorf("agent %s research: %w", job.Agent, err)
		}
		text, err := runBounded(ctx, e.timeouts.ReportSoft, e.timeouts.ReportHard, func(ctx context.Context) (string, error) {
			return adapter.Report(ctx, researchPayload)
		})
		if err != nil {
			return err
		}
		return e.board.SaveReport(ctx, job.TaskID, job.Agent, text)
	}
	return fmt.Errorf("unknown phase kind %q", job.Kind)
}

// recordFailure stores the fallback payload for a failed phase unit and bumps
// the per-phase failure counter used for the degenerate all-failed check.
func (e *Engine) recordFailure(ctx context.Context, job queue.Job, cause error) error {
	log.Errorf(ctx, cause, "agent %s %s phase failed", job.Agent, job.Kind)
	e.note(ctx, job.TaskID, fmt.Sprintf("Agent %s failed %s phase: %v", job.Agent, job.Kind, cause))

	switch job.Kind {
	case queue.KindPlan:
		payload := agents.FallbackPlan(job.Agent, job.Query, cause.Error())
		if err := e.board.SavePayload(ctx, job.TaskID, job.Agent, blackboard.PhasePlan, payload); err != nil {
			return err
		}
	case queue.KindResearch:
		payload := agents.FallbackResearch(job.Agent, cause.Error())
		if err := e.board.SavePayload(ctx, job.TaskID, job.Agent, blackboard.PhaseResearch, payload); err != nil {
			return err
		}
	case queue.KindSupplement:
		// Keep the original research payload; a failed refinement must not
		// erase real findings. Nothing to write.
		return nil
	case queue.KindReport:
		if err := e.board.SaveReport(ctx, job.TaskID, job.Agent, agents.FallbackReport(job.Agent, cause.Error())); err != nil {
			return err
		}
	}
	key := failureKey(job.TaskID, job.Kind)
	if _, err := e.db.Incr(ctx, key); err != nil {
		return err
	}
	return e.db.Expire(ctx, key, barrierTTL)
}

// handleJudgePlan reviews plans and fans out research. The pipeline advances
// whatever the decision; revise guidance is recorded for the next phase.
func (e *Engine) handleJudgePlan(ctx context.Context, job queue.Job) error {
	ctx, span := e.tracer.Start(ctx, "engine.judge_plan", trace.WithAttributes(
		attribute.String("task_id", job.TaskID)))
	defer span.End()

	terminal, err := e.terminal(ctx, job.TaskID)
	if err != nil || terminal {
		return err
	}
	if err := e.tasks.ApplyUpdate(ctx, job.TaskID, taskstore.Update{Status: taskstore.StatusOrchestratingPlan, Progress: 35}); err != nil {
		return err
	}
	decision, err := e.review(ctx, job, blackboard.PhasePlan)
	if err != nil {
		return err
	}
	if decision.Guidance != "" {
		if err := e.board.SaveGuidance(ctx, job.TaskID, blackboard.PhasePlan, decision.Guidance); err != nil {
			return err
		}
	}
	if err := e.tasks.ApplyUpdate(ctx, job.TaskID, taskstore.Update{Status: taskstore.StatusPhase2Research, Progress: 40}); err != nil {
		return err
	}
	return e.fanOut(ctx, job.TaskID, job.Query, queue.KindResearch, "")
}

// handleJudgeResearch reviews research and branches: approve goes straight to
// reports, supplement runs one extra research round first.
func (e *Engine) handleJudgeResearch(ctx context.Context, job queue.Job) error {
	ctx, span := e.tracer.Start(ctx, "engine.judge_research", trace.WithAttributes(
		attribute.String("task_id", job.TaskID)))
	defer span.End()

	terminal, err := e.terminal(ctx, job.TaskID)
	if err != nil || terminal {
		return err
	}
	if err := e.tasks.ApplyUpdate(ctx, job.TaskID, taskstore.Update{Status: taskstore.StatusOrchestratingResearch, Progress: 65}); err != nil {
		return err
	}
	decision, err := e.review(ctx, job, blackboard.PhaseResearch)
	if err != nil {
		return err
	}
	if decision.Action != judge.ActionSupplement {
		return e.fanOutReports(ctx, job.TaskID, job.Query)
	}

	// Observed ordering contract: guidance first, then the round counter,
	// then the fan-out.
	if err := e.board.SaveGuidance(ctx, job.TaskID, blackboard.PhaseResearch, decision.Guidance); err != nil {
		return err
	}
	if _, err := e.board.IncrementSupplementRound(ctx, job.TaskID); err != nil {
		return err
	}
	if err := e.tasks.ApplyUpdate(ctx, job.TaskID, taskstore.Update{Status: taskstore.StatusPhase2Supplement, Progress: 70}); err != nil {
		return err
	}
	return e.fanOut(ctx, job.TaskID, job.Query, queue.KindSupplement, decision.Guidance)
}

// review runs the judge under the orchestrate timeout pair. Standard-mode
// tasks skip the review entirely.
func (e *Engine) review(ctx context.Context, job queue.Job, phase string) (judge.Decision, error) {
	task, err := e.tasks.Get(ctx, job.TaskID)
	if err != nil {
		return judge.Decision{}, err
	}
	if task.Mode == ModeStandard {
		return judge.Decision{Action: judge.ActionApprove}, nil
	}
	decision, err := runBounded(ctx, e.timeouts.JudgeSoft, e.timeouts.JudgeHard, func(ctx context.Context) (judge.Decision, error) {
		if phase == blackboard.PhasePlan {
			return e.judge.ReviewPlan(ctx, job.TaskID, job.Query)
		}
		return e.judge.ReviewResearch(ctx, job.TaskID, job.Query)
	})
	if err != nil {
		// The review must never wedge the pipeline, even on hard timeout.
		log.Errorf(ctx, err, "%s review timed out, approving", phase)
		e.note(ctx, job.TaskID, fmt.Sprintf("Review of %s phase failed (%v), proceeding with approve", phase, err))
		return judge.Decision{Action: judge.ActionApprove}, nil
	}
	return decision, nil
}

// handleFinalize collects reports, renders the document, and terminates the
// task.
func (e *Engine) handleFinalize(ctx context.Context, job queue.Job) error {
	ctx, span := e.tracer.Start(ctx, "engine.finalize", trace.WithAttributes(
		attribute.String("task_id", job.TaskID)))
	defer span.End()

	terminal, err := e.terminal(ctx, job.TaskID)
	if err != nil || terminal {
		return err
	}
	if err := e.tasks.ApplyUpdate(ctx, job.TaskID, taskstore.Update{Status: taskstore.StatusGeneratingFinalReport, Progress: 85}); err != nil {
		return err
	}
	allFailed, err := e.allPhasesFailed(ctx, job.TaskID)
	if err != nil {
		return err
	}
	if allFailed {
		return e.fail(ctx, job.TaskID, errors.New("all agents failed every phase"))
	}

	reports, err := e.board.Reports(ctx, job.TaskID, agents.All)
	if err != nil {
		return err
	}
	for _, agent := range agents.All {
		if _, ok := reports[agent]; !ok {
			reports[agent] = agents.FallbackReport(agent, "no report produced")
		}
	}
	forum, err := e.board.ForumLog(ctx, job.TaskID)
	if err != nil {
		return err
	}
	summary := blackboard.SummarizeForum(forum)

	doc, err := runBounded(ctx, e.timeouts.JudgeSoft, e.timeouts.JudgeHard, func(ctx context.Context) (*report.Document, error) {
		return e.renderer.Render(ctx, job.Query, reports, summary)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.fail(ctx, job.TaskID, fmt.Errorf("render final report: %w", err))
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return e.fail(ctx, job.TaskID, fmt.Errorf("encode final report: %w", err))
	}
	if err := e.tasks.PutResult(ctx, job.TaskID, raw); err != nil {
		return err
	}
	if err := e.cache.Store(ctx, job.Query, raw); err != nil {
		// Cache is best-effort on the write path too.
		log.Errorf(ctx, err, "cache store")
	}
	e.note(ctx, job.TaskID, "Final report generated")
	if err := e.tasks.ApplyUpdate(ctx, job.TaskID, taskstore.Update{Status: taskstore.StatusCompleted, Progress: 100}); err != nil {
		return err
	}
	e.countOutcome(ctx, taskstore.StatusCompleted)
	return nil
}

// fail marks the task terminally failed.
func (e *Engine) fail(ctx context.Context, taskID string, cause error) error {
	log.Errorf(ctx, cause, "task %s failed", taskID)
	e.note(ctx, taskID, fmt.Sprintf("Task failed: %v", cause))
	if err := e.tasks.ApplyUpdate(ctx, taskID, taskstore.Update{Status: taskstore.StatusFailed, Error: cause.Error()}); err != nil {
		return err
	}
	e.countOutcome(ctx, taskstore.StatusFailed)
	return nil
}

// allPhasesFailed reports the degenerate case: every agent recorded a failure
// in every phase.
func (e *Engine) allPhasesFailed(ctx context.Context, taskID string) (bool, error) {
	for _, kind := range []string{queue.KindPlan, queue.KindResearch, queue.KindReport} {
		raw, found, err := e.db.Get(ctx, failureKey(taskID, kind))
		if err != nil {
			return false, err
		}
		if !found || raw != fmt.Sprint(groupSize) {
			return false, nil
		}
	}
	return true, nil
}

// fanOut enqueues one phase job per agent.
func (e *Engine) fanOut(ctx context.Context, taskID, query, kind, guidance string) error {
	for _, agent := range agents.All {
		job := queue.Job{
			Kind:     kind,
			TaskID:   taskID,
			Agent:    agent,
			Phase:    kind,
			Query:    query,
			Guidance: guidance,
		}
		if err := e.enqueue(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// fanOutReports advances to the report phase.
func (e *Engine) fanOutReports(ctx context.Context, taskID, query string) error {
	if err := e.tasks.ApplyUpdate(ctx, taskID, taskstore.Update{Status: taskstore.StatusPhase3Report, Progress: 75}); err != nil {
		return err
	}
	return e.fanOut(ctx, taskID, query, queue.KindReport, "")
}

func (e *Engine) enqueue(ctx context.Context, job queue.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return e.queue.Enqueue(ctx, job)
}

// terminal reports whether the task already reached a terminal state.
func (e *Engine) terminal(ctx context.Context, taskID string) (bool, error) {
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	return taskstore.Terminal(task.Status), nil
}

func (e *Engine) note(ctx context.Context, taskID, content string) {
	if err := e.board.AppendForum(ctx, taskID, ForumSpeaker, content); err != nil {
		log.Errorf(ctx, err, "append forum entry")
	}
}

func failureKey(taskID, phase string) string {
	return "task:" + taskID + ":failed:" + phase
}
