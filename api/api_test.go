package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"

	"github.com/orcaresearch/orca/api"
	"github.com/orcaresearch/orca/blackboard"
	"github.com/orcaresearch/orca/clients/redisdb"
	"github.com/orcaresearch/orca/clients/redisdb/inmem"
	"github.com/orcaresearch/orca/report"
	"github.com/orcaresearch/orca/taskstore"
)

// fakeSubmitter records submissions and creates the task record the way the
// engine does.
type fakeSubmitter struct {
	tasks *taskstore.Store
	calls []string
	err   error
}

func (f *fakeSubmitter) SubmitTask(ctx context.Context, taskID, query, mode string) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, query)
	return f.tasks.Create(ctx, taskID, query, mode)
}

type fixture struct {
	mux       goahttp.Muxer
	db        *inmem.Client
	tasks     *taskstore.Store
	board     *blackboard.Board
	submitter *fakeSubmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := inmem.New()
	tasks, err := taskstore.New(db)
	require.NoError(t, err)
	board, err := blackboard.New(db)
	require.NoError(t, err)
	submitter := &fakeSubmitter{tasks: tasks}
	svc, err := api.New(api.Options{Submitter: submitter, Tasks: tasks, Board: board, DB: db})
	require.NoError(t, err)
	mux := goahttp.NewMuxer()
	svc.Mount(mux)
	return &fixture{mux: mux, db: db, tasks: tasks, board: board, submitter: submitter}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func TestAnalyzeAccepts(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "POST", "/api/v2/analyze", `{"query":"Analyze EV market 2025"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Success bool   `json:"success"`
		TaskID  string `json:"task_id"`
		Status  string `json:"status"`
		Mode    string `json:"mode"`
		PollURL string `json:"poll_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "phased", resp.Mode)
	assert.Equal(t, "/api/v2/task/"+resp.TaskID, resp.PollURL)
	assert.Equal(t, []string{"Analyze EV market 2025"}, f.submitter.calls)
}

func TestAnalyzeValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/api/v2/analyze", `{"query":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "POST", "/api/v2/analyze", `{"query":"   "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	long := strings.Repeat("x", api.MaxQueryLength+1)
	w = f.do(t, "POST", "/api/v2/analyze", `{"query":"`+long+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "POST", "/api/v2/analyze", `{"query":"ok","options":{"mode":"warp"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "POST", "/api/v2/analyze", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, f.submitter.calls)
}

func TestAnalyzeSubmitterError(t *testing.T) {
	f := newFixture(t)
	f.submitter.err = errors.New("queue down")
	w := f.do(t, "POST", "/api/v2/analyze", `{"query":"ok"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTaskView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.tasks.Create(ctx, "t1", "q", "phased"))
	require.NoError(t, f.tasks.ApplyUpdate(ctx, "t1", taskstore.Update{Status: taskstore.StatusPhase1Plan, Progress: 20}))

	w := f.do(t, "GET", "/api/v2/task/t1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Task    taskstore.Task `json:"task"`
		Message string         `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, taskstore.StatusPhase1Plan, resp.Task.Status)
	assert.NotEmpty(t, resp.Message)

	w = f.do(t, "GET", "/api/v2/task/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProgressPerAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.tasks.Create(ctx, "t1", "q", "phased"))
	require.NoError(t, f.tasks.ApplyUpdate(ctx, "t1", taskstore.Update{Status: taskstore.StatusPhase1Plan, Progress: 20}))
	require.NoError(t, f.tasks.ApplyUpdate(ctx, "t1", taskstore.Update{Status: taskstore.StatusOrchestratingPlan, Progress: 35}))
	require.NoError(t, f.tasks.ApplyUpdate(ctx, "t1", taskstore.Update{Status: taskstore.StatusPhase2Research, Progress: 40}))
	require.NoError(t, f.board.SetAgentPhase(ctx, "t1", "query", "research"))
	require.NoError(t, f.board.SetAgentPhase(ctx, "t1", "media", "plan"))

	w := f.do(t, "GET", "/api/v2/task/t1/progress", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		OverallProgress int `json:"overall_progress"`
		Agents          map[string]struct {
			Status   string `json:"status"`
			Progress int    `json:"progress"`
		} `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 40, resp.OverallProgress)
	assert.Equal(t, "research", resp.Agents["query"].Status)
	assert.Equal(t, "plan", resp.Agents["media"].Status)
	assert.Equal(t, "pending", resp.Agents["insight"].Status)
}

func seedCompleted(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.tasks.Create(ctx, "t1", "EV market", "phased"))
	doc := report.Document{
		Metadata: report.Metadata{Title: "Analysis Report: EV market", Query: "EV market"},
		Summary:  report.Summary{Highlights: []string{"EV demand is up"}},
		Sections: []report.Section{{Title: "Web Research Findings", Content: "details", Source: "query"}},
		Sources:  []string{"query", "media", "insight"},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, f.tasks.PutResult(ctx, "t1", raw))
	require.NoError(t, f.tasks.ApplyUpdate(ctx, "t1", taskstore.Update{Status: taskstore.StatusCompleted, Progress: 100}))
}

func TestResultFormats(t *testing.T) {
	f := newFixture(t)
	seedCompleted(t, f)

	w := f.do(t, "GET", "/api/v2/task/t1/result", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	assert.Contains(t, w.Body.String(), "Analysis Report")

	w = f.do(t, "GET", "/api/v2/task/t1/result?format=md", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/markdown")
	assert.Contains(t, w.Body.String(), "# Analysis Report: EV market")

	w = f.do(t, "GET", "/api/v2/task/t1/result?format=html", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "<h1>")

	w = f.do(t, "GET", "/api/v2/task/t1/result?format=pdf", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w = f.do(t, "GET", "/api/v2/task/t1/result?format=docx", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResultNotCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.tasks.Create(ctx, "t1", "q", "phased"))

	w := f.do(t, "GET", "/api/v2/task/t1/result", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResultExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.tasks.Create(ctx, "t1", "q", "phased"))
	require.NoError(t, f.tasks.ApplyUpdate(ctx, "t1", taskstore.Update{Status: taskstore.StatusCompleted, Progress: 100}))

	w := f.do(t, "GET", "/api/v2/task/t1/result", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPhasesDiagnostic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.tasks.Create(ctx, "t1", "q", "phased"))
	require.NoError(t, f.board.SetAgentPhase(ctx, "t1", "query", "plan"))
	require.NoError(t, f.board.AppendForum(ctx, "t1", "engine", "starting"))

	w := f.do(t, "GET", "/api/v2/task/t1/phases", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp blackboard.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "t1", resp.TaskID)
	assert.Equal(t, "plan", resp.Phases["query"])
	assert.Len(t, resp.ForumLog, 1)
}

func TestListAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.tasks.Create(ctx, "t1", "one", "phased"))
	require.NoError(t, f.tasks.Create(ctx, "t2", "two", "phased"))

	w := f.do(t, "GET", "/api/v2/tasks?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Tasks []taskstore.Task `json:"tasks"`
		Stats map[string]int   `json:"stats"`
		Limit int              `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Tasks, 1)
	assert.Equal(t, 2, resp.Stats[taskstore.StatusPending])
	assert.Equal(t, 1, resp.Limit)

	// Limit is clamped.
	w = f.do(t, "GET", "/api/v2/tasks?limit=1000", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, api.MaxListLimit, resp.Limit)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/api/v2/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "up", resp.Components["store"])
}

func TestHealthDegraded(t *testing.T) {
	db := inmem.New()
	tasks, err := taskstore.New(db)
	require.NoError(t, err)
	board, err := blackboard.New(db)
	require.NoError(t, err)
	svc, err := api.New(api.Options{
		Submitter: &fakeSubmitter{tasks: tasks},
		Tasks:     tasks,
		Board:     board,
		DB:        failingPing{Client: db},
	})
	require.NoError(t, err)
	mux := goahttp.NewMuxer()
	svc.Mount(mux)

	req := httptest.NewRequest("GET", "/api/v2/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}

// failingPing wraps a client and breaks its Ping.
type failingPing struct {
	redisdb.Client
}

func (failingPing) Ping(ctx context.Context) error {
	return errors.New("connection refused")
}
