// Package agents defines the uniform capability façade over the three research
// engines. The orchestration core talks to every engine through the Adapter
// interface and never interprets the payloads it routes; the HTTP
// implementation and the retry wrapper live here, as do the synthesized
// fallback payloads recorded when an engine fails a phase.
package agents

import (
	"context"
	"encoding/json"
)

// Agent kinds.
const (
	AgentQuery   = "query"
	AgentMedia   = "media"
	AgentInsight = "insight"
)

// All lists the agent kinds in fan-out order.
var All = []string{AgentQuery, AgentMedia, AgentInsight}

// Adapter is one research engine. Payloads are opaque blobs owned by the
// engine; plan and research payloads carry the engine's private state_dict
// which the next phase requires. Methods are idempotent with respect to
// stored state so the core may retry them on transient failure.
type Adapter interface {
	// Plan produces the engine's research plan for query.
	Plan(ctx context.Context, query, guidance string) (json.RawMessage, error)
	// Research executes the plan. planPayload is the engine's own Plan output.
	Research(ctx context.Context, planPayload json.RawMessage, guidance string) (json.RawMessage, error)
	// Supplement refines an existing research payload per the guidance.
	Supplement(ctx context.Context, researchPayload json.RawMessage, guidance string) (json.RawMessage, error)
	// Report writes the engine's report text from its research payload.
	Report(ctx context.Context, researchPayload json.RawMessage) (string, error)
}
