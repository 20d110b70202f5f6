package engine

import (
	"context"
	"time"

	"github.com/orcaresearch/orca/agents"
)

// groupSize is the fan-out width of every phase: one job per agent.
var groupSize = len(agents.All)

const barrierTTL = 7 * 24 * time.Hour

// arrive records one completed unit of the (taskID, phase) group and reports
// whether this arrival fired the barrier. The fired flag is written with
// SetNX so the callback runs exactly once even if two units race past the
// group size.
func (e *Engine) arrive(ctx context.Context, taskID, phase string) (bool, error) {
	countKey := barrierKey(taskID, phase)
	n, err := e.db.Incr(ctx, countKey)
	if err != nil {
		return false, err
	}
	if err := e.db.Expire(ctx, countKey, barrierTTL); err != nil {
		return false, err
	}
	if n < int64(groupSize) {
		return false, nil
	}
	fired, err := e.db.SetNX(ctx, countKey+":fired", "1", barrierTTL)
	if err != nil {
		return false, err
	}
	return fired, nil
}

func barrierKey(taskID, phase string) string {
	return "task:" + taskID + ":barrier:" + phase
}
