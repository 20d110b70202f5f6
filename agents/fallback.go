package agents

import (
	"encoding/json"
	"fmt"
)

// Fallback payloads stand in for a missing or failed engine result so the
// pipeline can keep moving. Every fallback carries "fallback": true and NO
// state_dict: downstream phases detect the absence and degrade in turn
// instead of running against fabricated engine state.

// FallbackPlan synthesizes a minimal plan for the given agent kind.
func FallbackPlan(agent, query, reason string) json.RawMessage {
	plan := map[string]any{
		"fallback":        true,
		"error":           reason,
		"paragraph_count": 1,
		"focus":           fmt.Sprintf("Basic %s coverage of: %s", agent, query),
	}
	switch agent {
	case AgentQuery:
		plan["search_queries"] = []string{query}
	case AgentMedia:
		plan["media_sources"] = []string{"general"}
	case AgentInsight:
		plan["analysis_angles"] = []string{"overview"}
	}
	return mustMarshal(plan)
}

// FallbackResearch synthesizes a stub research note.
func FallbackResearch(agent, reason string) json.RawMessage {
	return mustMarshal(map[string]any{
		"fallback": true,
		"error":    reason,
		"findings": []string{fmt.Sprintf("The %s engine did not produce research results: %s", agent, reason)},
	})
}

// FallbackReport synthesizes a stub report text carrying the error message.
func FallbackReport(agent, reason string) string {
	return fmt.Sprintf("The %s engine could not complete its report.\n\nReason: %s\n", agent, reason)
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Only map[string]any with scalar values reaches here.
		panic(err)
	}
	return raw
}
