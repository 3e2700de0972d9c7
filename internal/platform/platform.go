// Package platform defines the computing platforms tasks are placed on, the
// execution forecasts they are compared by, and the bookkeeping shared by
// platforms that keep per-implementation profiles.
package platform

import (
	"context"
	"log/slog"

	"github.com/seantiz/anvil/internal/profile"
	"github.com/seantiz/anvil/internal/scheduler"
	"github.com/seantiz/anvil/internal/task"
)

// Platform is an execution backend. Forecast is only called for tasks
// CanRun accepted.
type Platform interface {
	Name() string
	Kind() string
	// Init loads persisted profiles and starts the platform's workers, which
	// stop when ctx is done.
	Init(ctx context.Context) error
	CanRun(t *task.Task) bool
	// Forecast returns the best score over the platform's compatible
	// implementations, or nil when it cannot tell.
	Forecast(t *task.Task, in, out []TaskData) *Score
	// Submit takes ownership of t and eventually reports its completion.
	Submit(t *task.Task)
	// EndTask folds a finished job's measurements into the profiles.
	EndTask(taskID int, jp profile.JobProfile, runner string)
	Jobs() []scheduler.JobState
}

// TaskData names one version a task reads or writes and its predicted size
// in bytes.
type TaskData struct {
	Renaming string         `json:"renaming"`
	Size     profile.MinMax `json:"size"`
}

// Completion is delivered once a platform has finished a task and stored its
// outputs.
type Completion struct {
	TaskID   int
	Platform string
	Runner   string
	Failure  error
}

// DataStore is the storage and location collaborator platforms fetch inputs
// from and publish outputs to.
type DataStore interface {
	scheduler.Locator
	ObtainAsObject(ctx context.Context, renaming string) (any, error)
	ObtainAsFile(ctx context.Context, renaming string) (string, error)
	StoreObject(renaming string, v any) (int64, error)
	StoreFile(renaming, path string) (int64, error)
	Size(renaming string) (int64, bool)
	Exists(renaming string) bool
	AddLocation(renaming, node string)
	Locations(renaming string) []string
}

// ProfileStore persists profile samples and serves their aggregates.
type ProfileStore interface {
	AppendSample(ctx context.Context, jp profile.JobProfile) error
	ProfileAggregates(ctx context.Context, platform string) ([]profile.Aggregate, error)
}

// Services bundles the collaborators every platform is built with.
type Services struct {
	Cores    *task.CoreRegistry
	Data     DataStore
	Profiles ProfileStore
	Reporter scheduler.Reporter
	Weights  Weights
	Defaults map[string]profile.Default
	// Placement is the static task assignment; nil when there is none.
	Placement *Placement
	Done      func(Completion)
	Logger    *slog.Logger
}
