// Package api exposes the HTTP+JSON submission and query surface. Handlers
// are mounted on a goa muxer; request logging and debug endpoints are wired by
// the caller.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"github.com/orcaresearch/orca/agents"
	"github.com/orcaresearch/orca/blackboard"
	"github.com/orcaresearch/orca/clients/redisdb"
	"github.com/orcaresearch/orca/report"
	"github.com/orcaresearch/orca/taskstore"
)

// MaxQueryLength bounds submitted queries.
const MaxQueryLength = 500

// MaxListLimit bounds one page of the task list.
const MaxListLimit = 100

type (
	// Submitter accepts new analysis tasks. Implemented by the workflow
	// engine.
	Submitter interface {
		SubmitTask(ctx context.Context, taskID, query, mode string) error
	}

	// Service handles the API endpoints.
	Service struct {
		submitter Submitter
		tasks     *taskstore.Store
		board     *blackboard.Board
		db        redisdb.Client
		now       func() time.Time
	}

	// Options configures a Service.
	Options struct {
		// Submitter starts the pipeline for accepted queries. Required.
		Submitter Submitter
		// Tasks serves task views. Required.
		Tasks *taskstore.Store
		// Board serves the phase diagnostics endpoint. Required.
		Board *blackboard.Board
		// DB is pinged by the health endpoint. Required.
		DB redisdb.Client
		// Clock overrides time for task-id generation (tests).
		Clock func() time.Time
	}

	analyzeRequest struct {
		Query   string `json:"query"`
		Options struct {
			Mode string `json:"mode"`
		} `json:"options"`
	}

	analyzeResponse struct {
		Success bool   `json:"success"`
		TaskID  string `json:"task_id"`
		Status  string `json:"status"`
		Mode    string `json:"mode"`
		PollURL string `json:"poll_url"`
	}

	agentProgress struct {
		Status   string `json:"status"`
		Progress int    `json:"progress"`
	}

	errorResponse struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
)

// statusMessages are the human-readable descriptions served with task views.
var statusMessages = map[string]string{
	taskstore.StatusPending:               "Task queued, waiting to start",
	taskstore.StatusRunning:               "Task started",
	taskstore.StatusPhase1Plan:            "Agents are drafting research plans",
	taskstore.StatusOrchestratingPlan:     "Orchestrator is reviewing the plans",
	taskstore.StatusPhase2Research:        "Agents are researching",
	taskstore.StatusPhase2Supplement:      "Agents are running supplemental research",
	taskstore.StatusOrchestratingResearch: "Orchestrator is reviewing research results",
	taskstore.StatusPhase3Report:          "Agents are writing their reports",
	taskstore.StatusGeneratingFinalReport: "Generating the final report",
	taskstore.StatusCompleted:             "Analysis complete",
	taskstore.StatusFailed:                "Analysis failed",
}

// agentPhaseProgress maps an agent's phase marker to its progress share.
var agentPhaseProgress = map[string]int{
	"plan":       30,
	"research":   60,
	"supplement": 70,
	"report":     90,
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Submitter == nil || opts.Tasks == nil || opts.Board == nil || opts.DB == nil {
		return nil, errors.New("submitter, tasks, board and db are required")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		submitter: opts.Submitter,
		tasks:     opts.Tasks,
		board:     opts.Board,
		db:        opts.DB,
		now:       now,
	}, nil
}

// Mount registers the endpoints on the muxer.
func (s *Service) Mount(mux goahttp.Muxer) {
	mux.Handle("POST", "/api/v2/analyze", s.analyze)
	mux.Handle("GET", "/api/v2/task/{id}", s.task(mux))
	mux.Handle("GET", "/api/v2/task/{id}/progress", s.progress(mux))
	mux.Handle("GET", "/api/v2/task/{id}/result", s.result(mux))
	mux.Handle("GET", "/api/v2/task/{id}/phases", s.phases(mux))
	mux.Handle("GET", "/api/v2/tasks", s.list)
	mux.Handle("GET", "/api/v2/health", s.health)
}

func (s *Service) analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if len([]rune(query)) > MaxQueryLength {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("query exceeds %d characters", MaxQueryLength))
		return
	}
	mode := req.Options.Mode
	if mode == "" {
		mode = "phased"
	}
	if mode != "phased" && mode != "standard" {
		writeError(w, http.StatusBadRequest, "mode must be phased or standard")
		return
	}
	taskID := s.newTaskID()
	if err := s.submitter.SubmitTask(r.Context(), taskID, query, mode); err != nil {
		log.Errorf(r.Context(), err, "submit task")
		writeError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}
	writeJSON(w, http.StatusAccepted, analyzeResponse{
		Success: true,
		TaskID:  taskID,
		Status:  taskstore.StatusPending,
		Mode:    mode,
		PollURL: "/api/v2/task/" + taskID,
	})
}

func (s *Service) task(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, ok := s.loadTask(mux, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"task":    task,
			"message": statusMessages[task.Status],
		})
	}
}

func (s *Service) progress(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, ok := s.loadTask(mux, w, r)
		if !ok {
			return
		}
		markers, err := s.board.Phases(r.Context(), task.TaskID, agents.All)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read agent phases")
			return
		}
		perAgent := make(map[string]agentProgress, len(agents.All))
		for _, agent := range agents.All {
			ap := agentProgress{Status: "pending"}
			if marker, found := markers[agent]; found {
				ap.Status = marker
				ap.Progress = agentPhaseProgress[marker]
			}
			if task.Status == taskstore.StatusCompleted {
				ap.Status = "completed"
				ap.Progress = 100
			}
			perAgent[agent] = ap
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"overall_progress": task.Progress,
			"status":           task.Status,
			"message":          statusMessages[task.Status],
			"agents":           perAgent,
		})
	}
}

func (s *Service) result(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, ok := s.loadTask(mux, w, r)
		if !ok {
			return
		}
		if task.Status != taskstore.StatusCompleted {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("task is %s, result available once completed", task.Status))
			return
		}
		raw, found, err := s.tasks.Result(r.Context(), task.TaskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read result")
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "result expired")
			return
		}
		format := r.URL.Query().Get("format")
		if format == "" {
			format = "json"
		}
		switch format {
		case "json":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(raw)
		case "md", "html":
			var doc report.Document
			if err := json.Unmarshal(raw, &doc); err != nil {
				writeError(w, http.StatusInternalServerError, "stored result is not renderable")
				return
			}
			if format == "md" {
				w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(report.Markdown(&doc)))
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			if doc.HTMLContent != "" {
				w.Write([]byte(doc.HTMLContent))
				return
			}
			w.Write([]byte(report.HTML(&doc)))
		case "pdf":
			writeError(w, http.StatusNotImplemented, "pdf export is not implemented")
		default:
			writeError(w, http.StatusBadRequest, "format must be json, html or md")
		}
	}
}

func (s *Service) phases(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, ok := s.loadTask(mux, w, r)
		if !ok {
			return
		}
		summary, err := s.board.TaskSummary(r.Context(), task.TaskID, agents.All)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read blackboard")
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func (s *Service) list(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := queryInt(r, "offset", 0)
	tasks, err := s.tasks.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	stats, err := s.tasks.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":  tasks,
		"stats":  stats,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	components := map[string]string{"store": "up"}
	if err := s.db.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		components["store"] = "down"
	}
	stats, err := s.tasks.Stats(r.Context())
	if err != nil {
		status = "degraded"
		if code == http.StatusOK {
			code = http.StatusServiceUnavailable
		}
		stats = nil
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"tasks":      stats,
		"time":       s.now().UTC().Format(time.RFC3339),
	})
}

// loadTask resolves the {id} path variable to a task, writing 404 when the
// task is unknown or expired.
func (s *Service) loadTask(mux goahttp.Muxer, w http.ResponseWriter, r *http.Request) (*taskstore.Task, bool) {
	id := mux.Vars(r)["id"]
	task, err := s.tasks.Get(r.Context(), id)
	if errors.Is(err, taskstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read task")
		return nil, false
	}
	return task, true
}

// newTaskID allocates a unique, time-ordered task id.
func (s *Service) newTaskID() string {
	return fmt.Sprintf("task_%d_%s", s.now().UnixMilli(), uuid.NewString()[:8])
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf(context.Background(), err, "encode response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
