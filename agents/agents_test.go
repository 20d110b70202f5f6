package agents_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcaresearch/orca/agents"
	"github.com/orcaresearch/orca/blackboard"
)

// flaky implements agents.Adapter and fails the first failures calls of each
// method with a retryable transport error.
type flaky struct {
	failures int
	calls    int
}

func (f *flaky) fail() error {
	f.calls++
	if f.calls <= f.failures {
		return &agents.TransportError{Agent: "media", Endpoint: "/research", StatusCode: 503}
	}
	return nil
}

func (f *flaky) Plan(ctx context.Context, query, guidance string) (json.RawMessage, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"state_dict":{}}`), nil
}

func (f *flaky) Research(ctx context.Context, plan json.RawMessage, guidance string) (json.RawMessage, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"state_dict":{}}`), nil
}

func (f *flaky) Supplement(ctx context.Context, research json.RawMessage, guidance string) (json.RawMessage, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return research, nil
}

func (f *flaky) Report(ctx context.Context, research json.RawMessage) (string, error) {
	if err := f.fail(); err != nil {
		return "", err
	}
	return "report", nil
}

func TestRetryRecoversFromTransient(t *testing.T) {
	adapter := &flaky{failures: 1}
	retry, err := agents.NewRetry(adapter, agents.RetryOptions{Attempts: 2, Backoff: time.Millisecond})
	require.NoError(t, err)

	payload, err := retry.Research(context.Background(), json.RawMessage(`{}`), "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"state_dict":{}}`, string(payload))
	assert.Equal(t, 2, adapter.calls)
}

func TestRetryExhausts(t *testing.T) {
	adapter := &flaky{failures: 10}
	retry, err := agents.NewRetry(adapter, agents.RetryOptions{Attempts: 2, Backoff: time.Millisecond})
	require.NoError(t, err)

	_, err = retry.Research(context.Background(), json.RawMessage(`{}`), "")
	require.Error(t, err)
	assert.Equal(t, 2, adapter.calls)
}

// nonTransient always fails with a client-side status.
type nonTransient struct{ flaky }

func (n *nonTransient) Plan(ctx context.Context, query, guidance string) (json.RawMessage, error) {
	n.calls++
	return nil, &agents.TransportError{Agent: "query", Endpoint: "/plan", StatusCode: 400}
}

func TestRetrySkipsNonTransient(t *testing.T) {
	adapter := &nonTransient{}
	retry, err := agents.NewRetry(adapter, agents.RetryOptions{Attempts: 2, Backoff: time.Millisecond})
	require.NoError(t, err)

	_, err = retry.Plan(context.Background(), "q", "")
	require.Error(t, err)
	assert.Equal(t, 1, adapter.calls)
}

func TestHTTPAdapterRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/plan":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "EV market", body["query"])
			w.Write([]byte(`{"state_dict":{"step":1},"topics":["ev"]}`))
		case "/report":
			w.Write([]byte(`{"report":"# Findings\nEV demand is up."}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	adapter, err := agents.NewHTTP(agents.HTTPOptions{Agent: "query", BaseURL: srv.URL})
	require.NoError(t, err)

	payload, err := adapter.Plan(context.Background(), "EV market", "")
	require.NoError(t, err)
	assert.Contains(t, string(payload), "state_dict")

	text, err := adapter.Report(context.Background(), payload)
	require.NoError(t, err)
	assert.Contains(t, text, "EV demand")
}

func TestHTTPAdapterServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	adapter, err := agents.NewHTTP(agents.HTTPOptions{Agent: "media", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = adapter.Research(context.Background(), json.RawMessage(`{}`), "")
	require.Error(t, err)
	var te *agents.TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Transient())
}

func TestFallbackPayloadsCarryNoStateDict(t *testing.T) {
	for _, agent := range agents.All {
		plan := agents.FallbackPlan(agent, "q", "engine down")
		var doc map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(plan, &doc))
		assert.Equal(t, "true", string(doc["fallback"]))
		_, err := blackboard.StateDict(plan)
		assert.ErrorIs(t, err, blackboard.ErrMissingStateDict)

		research := agents.FallbackResearch(agent, "engine down")
		_, err = blackboard.StateDict(research)
		assert.ErrorIs(t, err, blackboard.ErrMissingStateDict)
	}
}

func TestFallbackPlanPerAgentShape(t *testing.T) {
	var plan map[string]any
	require.NoError(t, json.Unmarshal(agents.FallbackPlan("query", "EV market", "x"), &plan))
	assert.Contains(t, plan, "search_queries")

	require.NoError(t, json.Unmarshal(agents.FallbackPlan("media", "EV market", "x"), &plan))
	assert.Contains(t, plan, "media_sources")

	require.NoError(t, json.Unmarshal(agents.FallbackPlan("insight", "EV market", "x"), &plan))
	assert.Contains(t, plan, "analysis_angles")
}

func TestFallbackReportMentionsReason(t *testing.T) {
	text := agents.FallbackReport("media", "hard timeout after 660s")
	assert.Contains(t, text, "media")
	assert.Contains(t, text, "hard timeout")
}
