package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// OverrideSweeper deletes expired permission overrides past a cutoff.
type OverrideSweeper interface {
	DeleteExpiredOverrides(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionPurger deletes session rows that expired before a cutoff.
type SessionPurger interface {
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// JobRecorder counts task executions; satisfied by observability.Metrics.
type JobRecorder interface {
	RecordJob(task string, err error)
}

// HandleSweepOverrides returns the handler for TaskSweepOverrides.
func HandleSweepOverrides(sweeper OverrideSweeper, logger *slog.Logger, rec JobRecorder) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SweepOverridesPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		cutoff := time.Now().UTC().Add(-payload.Retention)
		deleted, err := sweeper.DeleteExpiredOverrides(ctx, cutoff)
		if rec != nil {
			rec.RecordJob(TaskSweepOverrides, err)
		}
		if err != nil {
			logger.Error("override sweep failed", slog.Any("error", err))
			return err
		}
		logger.Info("override sweep done",
			slog.Int64("deleted", deleted),
			slog.Time("cutoff", cutoff))
		return nil
	}
}

// HandlePurgeSessions returns the handler for TaskPurgeSessions.
func HandlePurgeSessions(purger SessionPurger, logger *slog.Logger, rec JobRecorder) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload PurgeSessionsPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		now := time.Now().UTC()
		deleted, err := purger.DeleteExpiredSessions(ctx, now)
		if rec != nil {
			rec.RecordJob(TaskPurgeSessions, err)
		}
		if err != nil {
			logger.Error("session purge failed", slog.Any("error", err))
			return err
		}
		logger.Info("session purge done", slog.Int64("deleted", deleted))
		return nil
	}
}
