// Package blackboard implements the shared state that carries phase results,
// guidance, the supplement round counter, and the forum log between
// independently scheduled work units.
//
// All state lives in a flat keyed store under the "task:{id}:" namespace.
// Payloads are opaque to the board: agents serialize whatever they need to
// resume the next phase (including their private state_dict) and the board
// routes the bytes without interpreting them. Reads never fabricate defaults;
// absence is reported as found=false and the caller decides how to degrade.
package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orcaresearch/orca/clients/redisdb"
)

type (
	// Board is the durable shared state for one deployment. Safe for
	// concurrent use; the workflow engine guarantees a single writer per key
	// at any moment except for the forum log and the round counter, which are
	// atomic at the store level.
	Board struct {
		db  redisdb.Client
		ttl time.Duration
		now func() time.Time
	}

	// Envelope wraps a phase payload with its provenance. The Payload member
	// is the agent's own serialized result and is never parsed beyond the
	// state_dict presence check.
	Envelope struct {
		Agent     string          `json:"agent"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt time.Time       `json:"created_at"`
	}

	// ForumEntry is one line of the task's discussion log.
	ForumEntry struct {
		Speaker   string    `json:"speaker"`
		Content   string    `json:"content"`
		Timestamp time.Time `json:"timestamp"`
	}

	// Summary aggregates everything the board knows about a task. Used by the
	// diagnostics endpoint.
	Summary struct {
		TaskID          string                     `json:"task_id"`
		Phases          map[string]string          `json:"phases"`
		Plans           map[string]json.RawMessage `json:"plans"`
		Research        map[string]json.RawMessage `json:"research"`
		Reports         map[string]string          `json:"reports"`
		SupplementRound int                        `json:"supplement_round"`
		Guidance        map[string]string          `json:"guidance"`
		ForumLog        []ForumEntry               `json:"forum_log"`
	}

	// Option configures a Board.
	Option func(*Board)
)

// Phases an agent moves through.
const (
	PhasePlan     = "plan"
	PhaseResearch = "research"
	PhaseReport   = "report"
)

// DefaultTTL is the retention for all task-scoped keys.
const DefaultTTL = 7 * 24 * time.Hour

// ErrMissingStateDict reports a phase payload that does not carry the
// agent-private resume blob required by the next phase. The core never
// substitutes a fabricated state_dict.
var ErrMissingStateDict = errors.New("payload has no state_dict")

// WithTTL overrides the retention applied to board writes.
func WithTTL(ttl time.Duration) Option {
	return func(b *Board) { b.ttl = ttl }
}

// WithClock overrides the board clock (tests only).
func WithClock(now func() time.Time) Option {
	return func(b *Board) { b.now = now }
}

// New creates a Board over the given store.
func New(db redisdb.Client, opts ...Option) (*Board, error) {
	if db == nil {
		return nil, errors.New("store client is required")
	}
	b := &Board{db: db, ttl: DefaultTTL, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// SetAgentPhase records the phase an agent is currently executing.
func (b *Board) SetAgentPhase(ctx context.Context, taskID, agent, phase string) error {
	doc, err := json.Marshal(map[string]any{
		"phase":      phase,
		"updated_at": b.now().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal phase marker: %w", err)
	}
	return b.db.Set(ctx, phaseKey(taskID, agent), string(doc), b.ttl)
}

// AgentPhase returns the agent's current phase marker. found is false when the
// agent has not started yet.
func (b *Board) AgentPhase(ctx context.Context, taskID, agent string) (string, bool, error) {
	raw, found, err := b.db.Get(ctx, phaseKey(taskID, agent))
	if err != nil || !found {
		return "", false, err
	}
	var doc struct {
		Phase string `json:"phase"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", false, fmt.Errorf("unmarshal phase marker: %w", err)
	}
	return doc.Phase, true, nil
}

// Phases returns the phase marker for every agent that has one. Agents without
// a marker are omitted.
func (b *Board) Phases(ctx context.Context, taskID string, agents []string) (map[string]string, error) {
	out := make(map[string]string, len(agents))
	for _, agent := range agents {
		phase, found, err := b.AgentPhase(ctx, taskID, agent)
		if err != nil {
			return nil, err
		}
		if found {
			out[agent] = phase
		}
	}
	return out, nil
}

// SavePayload stores a phase result for an agent. The payload is opaque.
func (b *Board) SavePayload(ctx context.Context, taskID, agent, phase string, payload json.RawMessage) error {
	env := Envelope{Agent: agent, Payload: payload, CreatedAt: b.now()}
	doc, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", phase, err)
	}
	return b.db.Set(ctx, payloadKey(taskID, agent, phase), string(doc), b.ttl)
}

// Payload returns the stored phase result for an agent. found is false when
// the agent never produced one.
func (b *Board) Payload(ctx context.Context, taskID, agent, phase string) (json.RawMessage, bool, error) {
	raw, found, err := b.db.Get(ctx, payloadKey(taskID, agent, phase))
	if err != nil || !found {
		return nil, false, err
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, false, fmt.Errorf("unmarshal %s payload: %w", phase, err)
	}
	return env.Payload, true, nil
}

// Payloads batch-reads one phase for all agents, omitting agents without a
// stored result.
func (b *Board) Payloads(ctx context.Context, taskID, phase string, agents []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(agents))
	for _, agent := range agents {
		payload, found, err := b.Payload(ctx, taskID, agent, phase)
		if err != nil {
			return nil, err
		}
		if found {
			out[agent] = payload
		}
	}
	return out, nil
}

// Reports batch-reads the report phase as text, omitting missing agents.
// Report payloads are JSON strings written by SaveReport.
func (b *Board) Reports(ctx context.Context, taskID string, agents []string) (map[string]string, error) {
	payloads, err := b.Payloads(ctx, taskID, PhaseReport, agents)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(payloads))
	for agent, payload := range payloads {
		var text string
		if err := json.Unmarshal(payload, &text); err != nil {
			return nil, fmt.Errorf("unmarshal report for %s: %w", agent, err)
		}
		out[agent] = text
	}
	return out, nil
}

// SaveReport stores an agent's report text.
func (b *Board) SaveReport(ctx context.Context, taskID, agent, report string) error {
	doc, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return b.SavePayload(ctx, taskID, agent, PhaseReport, doc)
}

// SaveGuidance records the Judge's guidance for a phase.
func (b *Board) SaveGuidance(ctx context.Context, taskID, phase, guidance string) error {
	doc, err := json.Marshal(map[string]any{
		"phase":      phase,
		"guidance":   guidance,
		"created_at": b.now().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal guidance: %w", err)
	}
	return b.db.Set(ctx, guidanceKey(taskID, phase), string(doc), b.ttl)
}

// Guidance returns the guidance recorded for a phase, if any.
func (b *Board) Guidance(ctx context.Context, taskID, phase string) (string, bool, error) {
	raw, found, err := b.db.Get(ctx, guidanceKey(taskID, phase))
	if err != nil || !found {
		return "", false, err
	}
	var doc struct {
		Guidance string `json:"guidance"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", false, fmt.Errorf("unmarshal guidance: %w", err)
	}
	return doc.Guidance, true, nil
}

// IncrementSupplementRound atomically bumps the supplement round counter and
// returns the new value.
func (b *Board) IncrementSupplementRound(ctx context.Context, taskID string) (int, error) {
	key := roundKey(taskID)
	n, err := b.db.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := b.db.Expire(ctx, key, b.ttl); err != nil {
		return 0, err
	}
	return int(n), nil
}

// SupplementRound returns the current supplement round. Zero means no
// supplemental research has run.
func (b *Board) SupplementRound(ctx context.Context, taskID string) (int, error) {
	raw, found, err := b.db.Get(ctx, roundKey(taskID))
	if err != nil || !found {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse supplement round: %w", err)
	}
	return n, nil
}

// AppendForum appends an entry to the task's discussion log. The append is
// atomic against concurrent writers.
func (b *Board) AppendForum(ctx context.Context, taskID, speaker, content string) error {
	entry := ForumEntry{Speaker: speaker, Content: content, Timestamp: b.now()}
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal forum entry: %w", err)
	}
	key := forumKey(taskID)
	if err := b.db.RPush(ctx, key, string(doc)); err != nil {
		return err
	}
	return b.db.Expire(ctx, key, b.ttl)
}

// ForumLog returns the full discussion log in append order.
func (b *Board) ForumLog(ctx context.Context, taskID string) ([]ForumEntry, error) {
	raw, err := b.db.LRange(ctx, forumKey(taskID), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]ForumEntry, 0, len(raw))
	for _, line := range raw {
		var entry ForumEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal forum entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// TaskSummary assembles the full board view of a task.
func (b *Board) TaskSummary(ctx context.Context, taskID string, agents []string) (*Summary, error) {
	phases, err := b.Phases(ctx, taskID, agents)
	if err != nil {
		return nil, err
	}
	plans, err := b.Payloads(ctx, taskID, PhasePlan, agents)
	if err != nil {
		return nil, err
	}
	research, err := b.Payloads(ctx, taskID, PhaseResearch, agents)
	if err != nil {
		return nil, err
	}
	reports, err := b.Reports(ctx, taskID, agents)
	if err != nil {
		return nil, err
	}
	round, err := b.SupplementRound(ctx, taskID)
	if err != nil {
		return nil, err
	}
	guidance := make(map[string]string, 2)
	for _, phase := range []string{PhasePlan, PhaseResearch} {
		g, found, err := b.Guidance(ctx, taskID, phase)
		if err != nil {
			return nil, err
		}
		if found {
			guidance[phase] = g
		}
	}
	forum, err := b.ForumLog(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &Summary{
		TaskID:          taskID,
		Phases:          phases,
		Plans:           plans,
		Research:        research,
		Reports:         reports,
		SupplementRound: round,
		Guidance:        guidance,
		ForumLog:        forum,
	}, nil
}

// ClearTask removes every board key for a task. Returns the number of keys
// deleted.
func (b *Board) ClearTask(ctx context.Context, taskID string) (int64, error) {
	keys, err := b.db.Keys(ctx, "task:"+taskID+":*")
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return b.db.Del(ctx, keys...)
}

// StateDict verifies that a phase payload carries the agent-private resume
// blob and returns it uninterpreted. Returns ErrMissingStateDict when absent.
func StateDict(payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return nil, ErrMissingStateDict
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("inspect payload: %w", err)
	}
	sd, ok := probe["state_dict"]
	if !ok || len(sd) == 0 || string(sd) == "null" {
		return nil, ErrMissingStateDict
	}
	return sd, nil
}

func phaseKey(taskID, agent string) string {
	return "task:" + taskID + ":agent:" + agent + ":phase"
}

func payloadKey(taskID, agent, phase string) string {
	return "task:" + taskID + ":agent:" + agent + ":" + phase
}

func guidanceKey(taskID, phase string) string {
	return "task:" + taskID + ":guidance:" + phase
}

func roundKey(taskID string) string {
	return "task:" + taskID + ":supplement:round"
}

func forumKey(taskID string) string {
	return "task:" + taskID + ":forum:log"
}
