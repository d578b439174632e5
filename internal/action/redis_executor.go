package action

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/coordinator-core/internal/obslog"
)

// RedisExecutor is the default ActionExecutor (spec.md §6): it publishes a
// Task to a kind-scoped Redis stream and returns immediately, exactly the
// fire-and-forget contract the interface describes. Grounded on the
// teacher's cmd/workflow-runner/executor.RunRequestConsumer and
// worker.HITLWorker: one stream per task family, XADD to enqueue, a
// separate out-of-process worker XREADGROUPs and eventually calls back into
// the coordinator (via POST /actions/results, which calls the Run
// Controller's HandleTaskResult) with the outcome — the same
// publish/consume split, just inverted to the dispatch-rather-than-ingest
// direction.
type RedisExecutor struct {
	rdb *redis.Client
	log *obslog.Logger
}

func NewRedisExecutor(rdb *redis.Client, log *obslog.Logger) *RedisExecutor {
	return &RedisExecutor{rdb: rdb, log: log}
}

func taskStreamKey(kind Kind) string {
	return "coordinator:tasks:" + string(kind)
}

func (e *RedisExecutor) Dispatch(task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("action.RedisExecutor: encode task %s: %w", task.TokenID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = e.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: taskStreamKey(task.ActionKind),
		Values: map[string]interface{}{
			"task": payload,
		},
	}).Err()
	if err != nil {
		e.log.Error("task dispatch failed", "kind", task.ActionKind, "tokenId", task.TokenID, "error", err)
		return fmt.Errorf("action.RedisExecutor: xadd %s: %w", taskStreamKey(task.ActionKind), err)
	}
	return nil
}
