package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSweepOverrides deletes per-user permission overrides whose
	// expiry passed the retention window.
	TaskSweepOverrides = "authz:sweep_expired_overrides"
	// TaskPurgeSessions deletes expired session rows.
	TaskPurgeSessions = "session:purge"
)

// SweepOverridesPayload carries the retention window for an override sweep.
type SweepOverridesPayload struct {
	Retention    time.Duration `json:"retention"`
	ScheduledFor time.Time     `json:"scheduled_for"`
}

// NewSweepOverridesTask constructs an Asynq task for the override sweep.
func NewSweepOverridesTask(retention time.Duration, at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SweepOverridesPayload{Retention: retention, ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSweepOverrides, body, asynq.Queue(QueueDefault)), nil
}

// PurgeSessionsPayload carries scheduling metadata for the session purge.
type PurgeSessionsPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewPurgeSessionsTask constructs an Asynq task for the session purge.
func NewPurgeSessionsTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(PurgeSessionsPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPurgeSessions, body, asynq.Queue(QueueDefault)), nil
}
