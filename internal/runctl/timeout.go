package runctl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/coordinator-core/internal/obslog"
)

// FanInAlarm schedules and polls synchronization deadlines (spec.md §5:
// "a waiting_for_siblings token registers a deadline derived from
// synchronization.timeoutMs and the arrival timestamp of the first sibling
// to enter the group"). Grounded on the teacher's
// cmd/workflow-runner/supervisor.TimeoutDetector, generalized from its
// blanket "scan every RUNNING workflow row" poll into a single Redis sorted
// set scored by deadline, so one poll tick touches only entries that are
// actually due rather than every in-flight run.
type FanInAlarm struct {
	rdb          *redis.Client
	log          *obslog.Logger
	pollInterval time.Duration
	onTimeout    func(ctx context.Context, runID, fanInPath string) error
}

const fanInAlarmZSet = "coordinator:fanin_alarms"

// NewFanInAlarm builds an alarm poller. The handler is set separately via
// SetHandler since the Controller that owns the handler is constructed
// after (and typically holds a reference to) the alarm itself.
func NewFanInAlarm(rdb *redis.Client, log *obslog.Logger, pollInterval time.Duration) *FanInAlarm {
	return &FanInAlarm{rdb: rdb, log: log, pollInterval: pollInterval}
}

func (a *FanInAlarm) SetHandler(h func(ctx context.Context, runID, fanInPath string) error) {
	a.onTimeout = h
}

func member(runID, fanInPath string) string {
	return runID + "|" + fanInPath
}

func splitMember(m string) (runID, fanInPath string, ok bool) {
	parts := strings.SplitN(m, "|", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Register schedules a deadline for (runID, fanInPath), idempotently: NX
// means only the first sibling to arrive at a fan-in actually sets the
// deadline, matching spec's "arrival timestamp of the first sibling".
func (a *FanInAlarm) Register(ctx context.Context, runID, fanInPath string, deadline time.Time) error {
	_, err := a.rdb.ZAddNX(ctx, fanInAlarmZSet, redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: member(runID, fanInPath),
	}).Result()
	if err != nil {
		return fmt.Errorf("faninalarm: register %s/%s: %w", runID, fanInPath, err)
	}
	return nil
}

// Cancel removes a scheduled deadline; the Controller calls it once the
// fan-in activates. A run that finalizes any other way leaves its
// deadlines in place until they come due. A missing member is not an
// error — the common case is the fan-in never needed a timeout at all.
func (a *FanInAlarm) Cancel(ctx context.Context, runID, fanInPath string) error {
	if err := a.rdb.ZRem(ctx, fanInAlarmZSet, member(runID, fanInPath)).Err(); err != nil {
		return fmt.Errorf("faninalarm: cancel %s/%s: %w", runID, fanInPath, err)
	}
	return nil
}

// Run polls the sorted set until ctx is cancelled.
func (a *FanInAlarm) Run(ctx context.Context) error {
	a.log.Info("fan-in alarm poller starting", "poll_interval", a.pollInterval)

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("fan-in alarm poller shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := a.poll(ctx); err != nil {
				a.log.Error("fan-in alarm poll failed", "error", err)
			}
		}
	}
}

func (a *FanInAlarm) poll(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UTC().UnixMilli())
	due, err := a.rdb.ZRangeByScore(ctx, fanInAlarmZSet, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("faninalarm: scan due: %w", err)
	}

	for _, m := range due {
		runID, fanInPath, ok := splitMember(m)
		if !ok {
			a.log.Warn("fan-in alarm: malformed member, dropping", "member", m)
			a.rdb.ZRem(ctx, fanInAlarmZSet, m)
			continue
		}
		removed, err := a.rdb.ZRem(ctx, fanInAlarmZSet, m).Result()
		if err != nil {
			a.log.Warn("fan-in alarm: dequeue failed, skipping", "member", m, "error", err)
			continue
		}
		if removed == 0 {
			// Another poller instance claimed it first; skip rather than
			// fire the same timeout twice.
			continue
		}
		if a.onTimeout == nil {
			continue
		}
		if err := a.onTimeout(ctx, runID, fanInPath); err != nil {
			a.log.WithRun(runID).Error("fan-in timeout handler failed", "fanInPath", fanInPath, "error", err)
		}
	}
	return nil
}
