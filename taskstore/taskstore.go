// Package taskstore persists per-task status, progress, and the final rendered
// result. Status progression is validated at this boundary: illegal transitions
// are rejected here so workflow code never has to scatter checks.
package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orcaresearch/orca/clients/redisdb"
)

// Status values a task moves through.
const (
	StatusPending               = "pending"
	StatusRunning               = "running"
	StatusPhase1Plan            = "phase1_plan"
	StatusOrchestratingPlan     = "orchestrating_plan"
	StatusPhase2Research        = "phase2_research"
	StatusPhase2Supplement      = "phase2_supplement"
	StatusOrchestratingResearch = "orchestrating_research"
	StatusPhase3Report          = "phase3_report"
	StatusGeneratingFinalReport = "generating_final_report"
	StatusCompleted             = "completed"
	StatusFailed                = "failed"
)

// Retention windows. Meta keeps the original submission for the full task
// lifetime; status and result are leased shorter to bound staleness.
const (
	MetaTTL   = 7 * 24 * time.Hour
	StatusTTL = 24 * time.Hour
	ResultTTL = 24 * time.Hour
)

const indexKey = "tasks:all"

type (
	// Task is the merged view of the immutable submission record and the
	// latest mutable status.
	Task struct {
		TaskID       string     `json:"task_id"`
		Query        string     `json:"query"`
		Mode         string     `json:"mode,omitempty"`
		Status       string     `json:"status"`
		Progress     int        `json:"progress"`
		CreatedAt    time.Time  `json:"created_at"`
		UpdatedAt    time.Time  `json:"updated_at"`
		CompletedAt  *time.Time `json:"completed_at,omitempty"`
		ErrorMessage string     `json:"error_message,omitempty"`
	}

	// Update mutates the mutable portion of a task. Zero-value fields are
	// left untouched so callers compose-merge rather than overwrite.
	Update struct {
		Status   string
		Progress int
		Error    string
	}

	// Store reads and writes task records.
	Store struct {
		db  redisdb.Client
		now func() time.Time
	}

	// Option configures a Store.
	Option func(*Store)

	meta struct {
		TaskID    string    `json:"task_id"`
		Query     string    `json:"query"`
		Mode      string    `json:"mode,omitempty"`
		CreatedAt time.Time `json:"created_at"`
	}

	statusRecord struct {
		Status       string     `json:"status"`
		Progress     int        `json:"progress"`
		UpdatedAt    time.Time  `json:"updated_at"`
		CompletedAt  *time.Time `json:"completed_at,omitempty"`
		ErrorMessage string     `json:"error_message,omitempty"`
	}
)

// ErrNotFound reports a task id with no submission record (never created or
// expired).
var ErrNotFound = errors.New("task not found")

// ErrInvalidTransition reports a status update that is not reachable from the
// task's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions lists the legal successor statuses. Terminal states have no
// successors; repeating the current status is always a no-op.
var transitions = map[string][]string{
	StatusPending:               {StatusRunning, StatusPhase1Plan, StatusCompleted, StatusFailed},
	StatusRunning:               {StatusPhase1Plan, StatusCompleted, StatusFailed},
	StatusPhase1Plan:            {StatusOrchestratingPlan, StatusFailed},
	StatusOrchestratingPlan:     {StatusPhase2Research, StatusFailed},
	StatusPhase2Research:        {StatusOrchestratingResearch, StatusFailed},
	StatusOrchestratingResearch: {StatusPhase2Supplement, StatusPhase3Report, StatusFailed},
	StatusPhase2Supplement:      {StatusPhase3Report, StatusFailed},
	StatusPhase3Report:          {StatusGeneratingFinalReport, StatusFailed},
	StatusGeneratingFinalReport: {StatusCompleted, StatusFailed},
	StatusCompleted:             nil,
	StatusFailed:                nil,
}

// Terminal reports whether status is a terminal state.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// WithClock overrides the store clock (tests only).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over the given client.
func New(db redisdb.Client, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("store client is required")
	}
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Create records a new submission and indexes it by submission time.
func (s *Store) Create(ctx context.Context, taskID, query, mode string) error {
	now := s.now()
	doc, err := json.Marshal(meta{TaskID: taskID, Query: query, Mode: mode, CreatedAt: now})
	if err != nil {
		return fmt.Errorf("marshal task meta: %w", err)
	}
	if err := s.db.Set(ctx, metaKey(taskID), string(doc), MetaTTL); err != nil {
		return err
	}
	return s.db.ZAdd(ctx, indexKey, float64(now.Unix()), taskID)
}

// ApplyUpdate merges u into the task's mutable status record. Illegal status
// transitions return ErrInvalidTransition; repeating the current status is
// idempotent. Progress never regresses.
func (s *Store) ApplyUpdate(ctx context.Context, taskID string, u Update) error {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	rec := statusRecord{
		Status:       task.Status,
		Progress:     task.Progress,
		CompletedAt:  task.CompletedAt,
		ErrorMessage: task.ErrorMessage,
	}
	if u.Status != "" && u.Status != rec.Status {
		if !legal(rec.Status, u.Status) {
			if Terminal(rec.Status) {
				// Terminal states absorb late writers silently.
				return nil
			}
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, u.Status)
		}
		rec.Status = u.Status
		if Terminal(u.Status) {
			done := s.now()
			rec.CompletedAt = &done
		}
	}
	if u.Progress > rec.Progress {
		rec.Progress = u.Progress
	}
	if u.Error != "" {
		rec.ErrorMessage = u.Error
	}
	rec.UpdatedAt = s.now()
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal task status: %w", err)
	}
	return s.db.Set(ctx, statusKey(taskID), string(doc), StatusTTL)
}

// PutResult stores the rendered result document for a completed task.
func (s *Store) PutResult(ctx context.Context, taskID string, doc json.RawMessage) error {
	return s.db.Set(ctx, resultKey(taskID), string(doc), ResultTTL)
}

// Result returns the stored result document. found is false when no result
// was stored or the lease expired.
func (s *Store) Result(ctx context.Context, taskID string) (json.RawMessage, bool, error) {
	raw, found, err := s.db.Get(ctx, resultKey(taskID))
	if err != nil || !found {
		return nil, false, err
	}
	return json.RawMessage(raw), true, nil
}

// Get returns the merged task view. A task with no status record yet reports
// the submission defaults (pending, progress 0).
func (s *Store) Get(ctx context.Context, taskID string) (*Task, error) {
	raw, found, err := s.db.Get(ctx, metaKey(taskID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	var m meta
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("unmarshal task meta: %w", err)
	}
	task := &Task{
		TaskID:    m.TaskID,
		Query:     m.Query,
		Mode:      m.Mode,
		Status:    StatusPending,
		Progress:  0,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.CreatedAt,
	}
	raw, found, err = s.db.Get(ctx, statusKey(taskID))
	if err != nil {
		return nil, err
	}
	if found {
		var rec statusRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal task status: %w", err)
		}
		task.Status = rec.Status
		task.Progress = rec.Progress
		task.UpdatedAt = rec.UpdatedAt
		task.CompletedAt = rec.CompletedAt
		task.ErrorMessage = rec.ErrorMessage
	}
	return task, nil
}

// List returns tasks most-recent-first. Index entries whose meta has expired
// are skipped.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*Task, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.db.ZRevRange(ctx, indexKey, int64(offset), int64(offset+limit-1))
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

// Stats counts indexed tasks per status.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	ids, err := s.db.ZRange(ctx, indexKey, 0, -1)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, id := range ids {
		task, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[task.Status]++
	}
	return out, nil
}

// PurgeExpired removes task-scoped keys and index entries for tasks submitted
// before the retention window. Returns the number of tasks purged.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := float64(s.now().Add(-MetaTTL).Unix())
	ids, err := s.db.ZRangeByScoreBelow(ctx, indexKey, cutoff)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, id := range ids {
		keys, err := s.db.Keys(ctx, "task:"+id+":*")
		if err != nil {
			return purged, err
		}
		if len(keys) > 0 {
			if _, err := s.db.Del(ctx, keys...); err != nil {
				return purged, err
			}
		}
		if err := s.db.ZRem(ctx, indexKey, id); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func legal(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func metaKey(taskID string) string   { return "task:" + taskID + ":meta" }
func statusKey(taskID string) string { return "task:" + taskID + ":status" }
func resultKey(taskID string) string { return "task:" + taskID + ":result" }
