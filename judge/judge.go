// Package judge implements the orchestrator review that runs after the Plan
// and Research phases. The review is policy, not ground truth: every failure
// mode collapses to an approve decision so the pipeline never wedges on the
// reviewer.
package judge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/orcaresearch/orca/agents"
	"github.com/orcaresearch/orca/blackboard"
)

// Decision actions.
const (
	ActionApprove    = "approve"
	ActionRevise     = "revise"
	ActionSupplement = "supplement"
)

// ForumSpeaker is the speaker name the judge writes forum entries under.
const ForumSpeaker = "orchestrator"

// Review call bounds.
const (
	callTimeout    = 30 * time.Second
	maxReplyTokens = 300
	temperature    = 0.3
)

type (
	// ChatClient is the LLM capability the judge reviews with. Implementations
	// must honor the context deadline and make no retries of their own.
	ChatClient interface {
		Complete(ctx context.Context, system, user string, maxTokens int64, temperature float64) (string, error)
	}

	// Decision is the outcome of one review.
	Decision struct {
		Action   string `json:"action"`
		Guidance string `json:"guidance,omitempty"`
	}

	// Judge reviews phase results and decides how the pipeline advances.
	Judge struct {
		board    *blackboard.Board
		primary  ChatClient
		fallback ChatClient
		limiter  *rate.Limiter
		timeout  time.Duration
	}

	// Options configures a Judge.
	Options struct {
		// Board supplies per-agent inputs and receives forum entries. Required.
		Board *blackboard.Board
		// Primary is the review model. Optional: a nil client approves
		// everything.
		Primary ChatClient
		// Fallback handles prompts the primary rejects on content-policy
		// grounds. Optional.
		Fallback ChatClient
		// Limiter throttles LLM calls. Optional.
		Limiter *rate.Limiter
		// Timeout bounds one review call. Defaults to 30s.
		Timeout time.Duration
	}
)

// New creates a Judge.
func New(opts Options) (*Judge, error) {
	if opts.Board == nil {
		return nil, errors.New("blackboard is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = callTimeout
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Judge{
		board:    opts.Board,
		primary:  opts.Primary,
		fallback: opts.Fallback,
		limiter:  limiter,
		timeout:  timeout,
	}, nil
}

// ReviewPlan reviews the plan phase. Valid decisions are approve and revise;
// revise records guidance but the pipeline advances either way.
func (j *Judge) ReviewPlan(ctx context.Context, taskID, query string) (Decision, error) {
	inputs, err := j.gather(ctx, taskID, blackboard.PhasePlan)
	if err != nil {
		return j.approveOnFailure(ctx, taskID, "plan", err)
	}
	j.note(ctx, taskID, fmt.Sprintf("Reviewing plans for query: %s", query))
	reply, err := j.complete(ctx, planSystemPrompt, reviewPrompt("plan", query, inputs))
	if err != nil {
		return j.approveOnFailure(ctx, taskID, "plan", err)
	}
	d, err := parseReply(reply, ActionRevise)
	if err != nil {
		return j.approveOnFailure(ctx, taskID, "plan", err)
	}
	j.note(ctx, taskID, fmt.Sprintf("Plan review decision: %s", d.Action))
	return d, nil
}

// ReviewResearch reviews the research phase. Valid decisions are approve and
// supplement; supplement is only honored while the round counter is below the
// cap, otherwise the decision is silently promoted to approve.
func (j *Judge) ReviewResearch(ctx context.Context, taskID, query string) (Decision, error) {
	round, err := j.board.SupplementRound(ctx, taskID)
	if err != nil {
		return j.approveOnFailure(ctx, taskID, "research", err)
	}
	if round >= 1 {
		j.note(ctx, taskID, "Supplement round exhausted, approving research")
		return Decision{Action: ActionApprove}, nil
	}
	inputs, err := j.gather(ctx, taskID, blackboard.PhaseResearch)
	if err != nil {
		return j.approveOnFailure(ctx, taskID, "research", err)
	}
	j.note(ctx, taskID, fmt.Sprintf("Reviewing research for query: %s", query))
	reply, err := j.complete(ctx, researchSystemPrompt, reviewPrompt("research", query, inputs))
	if err != nil {
		return j.approveOnFailure(ctx, taskID, "research", err)
	}
	d, err := parseReply(reply, ActionSupplement)
	if err != nil {
		return j.approveOnFailure(ctx, taskID, "research", err)
	}
	j.note(ctx, taskID, fmt.Sprintf("Research review decision: %s", d.Action))
	return d, nil
}

// gather collects per-agent phase payloads, rendering missing agents as
// "(none)" so the prompt always covers all three engines.
func (j *Judge) gather(ctx context.Context, taskID, phase string) (map[string]string, error) {
	payloads, err := j.board.Payloads(ctx, taskID, phase, agents.All)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(agents.All))
	for _, agent := range agents.All {
		if payload, ok := payloads[agent]; ok {
			out[agent] = string(payload)
		} else {
			out[agent] = "(none)"
		}
	}
	return out, nil
}

func (j *Judge) complete(ctx context.Context, system, user string) (string, error) {
	if j.primary == nil {
		return "", errors.New("no review model configured")
	}
	if err := j.limiter.Wait(ctx); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	reply, err := j.primary.Complete(ctx, system, user, maxReplyTokens, temperature)
	if err != nil && j.fallback != nil && moderated(err) {
		log.Warnf(ctx, "primary model rejected review prompt, retrying on fallback: %v", err)
		reply, err = j.fallback.Complete(ctx, system, user, maxReplyTokens, temperature)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", errors.New("empty review reply")
	}
	return reply, nil
}

// approveOnFailure is the mandatory degradation: the pipeline advances with
// approve and an empty guidance whenever the review itself fails.
func (j *Judge) approveOnFailure(ctx context.Context, taskID, phase string, cause error) (Decision, error) {
	log.Errorf(ctx, cause, "%s review failed, approving", phase)
	j.note(ctx, taskID, fmt.Sprintf("Review of %s phase failed (%v), proceeding with approve", phase, cause))
	return Decision{Action: ActionApprove}, nil
}

func (j *Judge) note(ctx context.Context, taskID, content string) {
	if err := j.board.AppendForum(ctx, taskID, ForumSpeaker, content); err != nil {
		log.Errorf(ctx, err, "append forum entry")
	}
}

// parseReply extracts DECISION and GUIDANCE lines. Keys are case-insensitive;
// any decision other than approve or the phase's alternate action is a parse
// failure.
func parseReply(reply, alternate string) (Decision, error) {
	var d Decision
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "decision":
			d.Action = strings.ToLower(value)
		case "guidance":
			d.Guidance = value
		}
	}
	if d.Action != ActionApprove && d.Action != alternate {
		return Decision{}, fmt.Errorf("unrecognized decision %q", d.Action)
	}
	return d, nil
}

// moderated reports whether err looks like a content-policy rejection from the
// primary model.
func moderated(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"content policy", "content_policy", "inappropriate", "content management policy", "moderation"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

const planSystemPrompt = `You are the orchestrator of a three-engine research team. Review the engines' plans for coverage and overlap. Reply with exactly:
DECISION: APPROVE or REVISE
GUIDANCE: one short paragraph of adjustments, or leave empty`

const researchSystemPrompt = `You are the orchestrator of a three-engine research team. Review the engines' research results for completeness. Reply with exactly:
DECISION: APPROVE or SUPPLEMENT
GUIDANCE: what additional research is needed, or leave empty`

func reviewPrompt(phase, query string, inputs map[string]string) string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nPer-engine %s results:\n", query, phase)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n[%s]\n%s\n", k, truncate(inputs[k], 4000))
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
