package blackboard

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// SummarizeBudget is the character budget for the forum summary fed to the
// renderer.
const SummarizeBudget = 2000

// TruncationSentinel marks a summary that exceeded the budget.
const TruncationSentinel = "...(forum log truncated)"

// importantWords flags entries worth keeping when the log exceeds the budget.
var importantWords = []string{
	"review", "decision", "guidance", "supplement", "approve", "revise", "adjust",
}

// SummarizeForum condenses a forum log into at most SummarizeBudget
// characters. Entries spoken by the orchestrator or matching the important
// vocabulary are appended first in log order, then the remaining entries fill
// whatever budget is left. When the selection overflows the budget the output
// is cut and marked with TruncationSentinel.
func SummarizeForum(entries []ForumEntry) string {
	if len(entries) == 0 {
		return ""
	}
	important := make([]ForumEntry, 0, len(entries))
	routine := make([]ForumEntry, 0, len(entries))
	for _, e := range entries {
		if isImportant(e) {
			important = append(important, e)
		} else {
			routine = append(routine, e)
		}
	}
	var b strings.Builder
	truncated := false
	for _, e := range append(important, routine...) {
		line := fmt.Sprintf("[%s] %s\n", e.Speaker, e.Content)
		if b.Len()+len(line) > SummarizeBudget {
			truncated = true
			break
		}
		b.WriteString(line)
	}
	out := b.String()
	if truncated {
		limit := SummarizeBudget - len(TruncationSentinel)
		if len(out) > limit {
			out = out[:limit]
			// Back off to a rune boundary.
			for len(out) > 0 {
				r, size := utf8.DecodeLastRuneInString(out)
				if r != utf8.RuneError || size != 1 {
					break
				}
				out = out[:len(out)-1]
			}
		}
		out += TruncationSentinel
	}
	return out
}

func isImportant(e ForumEntry) bool {
	if e.Speaker == "orchestrator" {
		return true
	}
	content := strings.ToLower(e.Content)
	for _, w := range importantWords {
		if strings.Contains(content, w) {
			return true
		}
	}
	return false
}
