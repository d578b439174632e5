package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/coordinator-core/internal/obslog"
)

// RedisEmitter publishes to a per-run Redis stream, XADD-ing one entry per
// event. Grounded on the teacher's common/redis.Client wrapper idiom (thin
// wrapper, structured logging on every failure, errors wrapped with the
// operation name) applied to XADD instead of GET/SET.
type RedisEmitter struct {
	rdb    *redis.Client
	log    *obslog.Logger
	maxLen int64
}

// NewRedisEmitter wraps an already-configured redis.Client. maxLen caps the
// stream with XADD's approximate MAXLEN trimming so a long-running run's
// event history doesn't grow unbounded in Redis.
func NewRedisEmitter(rdb *redis.Client, log *obslog.Logger, maxLen int64) *RedisEmitter {
	return &RedisEmitter{rdb: rdb, log: log, maxLen: maxLen}
}

func streamKey(workflowRunID string) string {
	return "coordinator:events:" + workflowRunID
}

// Emit publishes with a bounded deadline rather than the caller's context
// directly, so a stalled Redis connection can't hold the per-run dispatcher
// mutex hostage (spec.md §5's single-threaded-cooperative model).
func (e *RedisEmitter) Emit(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Fields)
	if err != nil {
		return fmt.Errorf("events.Emit: encode fields: %w", err)
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err = e.rdb.XAdd(deadlineCtx, &redis.XAddArgs{
		Stream: streamKey(ev.WorkflowRunID),
		MaxLen: e.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":   string(ev.Type),
			"fields": payload,
		},
	}).Err()
	if err != nil {
		e.log.Error("event emit failed", "type", ev.Type, "workflow_run_id", ev.WorkflowRunID, "error", err)
		return fmt.Errorf("events.Emit(%s): %w", ev.Type, err)
	}
	return nil
}
