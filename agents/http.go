package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type (
	// HTTPAdapter talks to a research engine over HTTP+JSON. Each phase maps
	// to one POST endpoint under the engine's base URL.
	HTTPAdapter struct {
		agent   string
		baseURL string
		client  *http.Client
	}

	// HTTPOptions configures an HTTPAdapter.
	HTTPOptions struct {
		// Agent is the agent kind the engine implements. Required.
		Agent string
		// BaseURL is the engine's endpoint prefix. Required.
		BaseURL string
		// Client is the HTTP client to use. Defaults to http.DefaultClient;
		// deadlines come from the caller's context.
		Client *http.Client
	}

	// TransportError reports an engine call that failed at the HTTP layer.
	// Server-side statuses are retryable; client-side statuses are not.
	TransportError struct {
		Agent      string
		Endpoint   string
		StatusCode int // zero when the request never completed
		Err        error
	}
)

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("agent %s %s: status %d", e.Agent, e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("agent %s %s: %v", e.Agent, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transient reports whether e is worth retrying.
func (e *TransportError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// NewHTTP creates an adapter for one engine endpoint.
func NewHTTP(opts HTTPOptions) (*HTTPAdapter, error) {
	if opts.Agent == "" {
		return nil, errors.New("agent kind is required")
	}
	if opts.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAdapter{
		agent:   opts.Agent,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  client,
	}, nil
}

// Plan implements Adapter.
func (a *HTTPAdapter) Plan(ctx context.Context, query, guidance string) (json.RawMessage, error) {
	return a.post(ctx, "/plan", map[string]any{"query": query, "guidance": guidance})
}

// Research implements Adapter.
func (a *HTTPAdapter) Research(ctx context.Context, planPayload json.RawMessage, guidance string) (json.RawMessage, error) {
	return a.post(ctx, "/research", map[string]any{"plan": planPayload, "guidance": guidance})
}

// Supplement implements Adapter.
func (a *HTTPAdapter) Supplement(ctx context.Context, researchPayload json.RawMessage, guidance string) (json.RawMessage, error) {
	return a.post(ctx, "/supplement", map[string]any{"research": researchPayload, "guidance": guidance})
}

// Report implements Adapter. The engine replies {"report": "..."}.
func (a *HTTPAdapter) Report(ctx context.Context, researchPayload json.RawMessage) (string, error) {
	raw, err := a.post(ctx, "/report", map[string]any{"research": researchPayload})
	if err != nil {
		return "", err
	}
	var reply struct {
		Report string `json:"report"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("agent %s report reply: %w", a.agent, err)
	}
	if reply.Report == "" {
		return "", fmt.Errorf("agent %s returned an empty report", a.agent)
	}
	return reply.Report, nil
}

func (a *HTTPAdapter) post(ctx context.Context, endpoint string, body map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &TransportError{Agent: a.agent, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Agent: a.agent, Endpoint: endpoint, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Agent: a.agent, Endpoint: endpoint, StatusCode: resp.StatusCode}
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("agent %s %s: reply is not JSON", a.agent, endpoint)
	}
	return json.RawMessage(raw), nil
}
