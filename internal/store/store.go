package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/profile"
)

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskStats holds aggregate execution statistics.
type TaskStats struct {
	Total              int            `json:"total"`
	CountByStatus      map[string]int `json:"count_by_status"`
	CountByPlatform    map[string]int `json:"count_by_platform"`
	AvgDurationMS      float64        `json:"avg_duration_ms"`
	ProfileSamples     int            `json:"profile_samples"`
	CheckpointedValues int            `json:"checkpointed_values"`
}

// Checkpoint is a catalog entry for a saved data version.
type Checkpoint struct {
	Renaming  string    `json:"renaming"`
	DataID    int       `json:"data_id"`
	VersionID int       `json:"version_id"`
	Producer  int       `json:"producer"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	SavedAt   time.Time `json:"saved_at"`
}

// Store defines the persistence operations of the runtime.
type Store interface {
	CreateTask(ctx context.Context, r *model.TaskRecord) error
	GetTask(ctx context.Context, id string) (*model.TaskRecord, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*model.TaskRecord, int, error)
	UpdateTaskStatus(ctx context.Context, id, status, platform, failure string) error
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	InsertEvent(ctx context.Context, taskID string, seq int, line string) error
	GetEvents(ctx context.Context, taskID string) ([]model.TaskEvent, error)

	AppendSample(ctx context.Context, jp profile.JobProfile) error
	ProfileAggregates(ctx context.Context, platform string) ([]profile.Aggregate, error)

	RecordCheckpoint(ctx context.Context, c Checkpoint) error
	ListCheckpoints(ctx context.Context) ([]Checkpoint, error)

	Close() error
}
