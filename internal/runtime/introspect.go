package runtime

import (
	"context"
	"fmt"

	"github.com/seantiz/anvil/internal/analyser"
	"github.com/seantiz/anvil/internal/data"
	"github.com/seantiz/anvil/internal/platform"
	"github.com/seantiz/anvil/internal/scheduler"
	"github.com/seantiz/anvil/internal/task"
)

// Platforms describes the registered platforms.
func (r *Runtime) Platforms() []platform.Info { return r.platforms.List() }

// Jobs returns the lifecycle state of every job held by the named platform.
func (r *Runtime) Jobs(name string) ([]scheduler.JobState, error) {
	p, err := r.platforms.Get(name)
	if err != nil {
		return nil, err
	}
	return p.Jobs(), nil
}

// Cores describes the registered core elements.
func (r *Runtime) Cores() []task.CoreInfo { return r.cores.List() }

// Graph returns a snapshot of the task graph.
func (r *Runtime) Graph(ctx context.Context) (analyser.Snapshot, error) {
	return r.analyser.Snapshot(ctx)
}

// Data describes every registered data item and its live versions.
func (r *Runtime) Data() []data.ItemState { return r.data.Dump() }

// Events returns the broker task histories are published on.
func (r *Runtime) Events() *EventBroker { return r.events }

// Task returns the handle of a task that has not been retired yet.
func (r *Runtime) Task(taskID int) (*Handle, error) {
	tr := r.lookup(taskID)
	if tr == nil {
		return nil, fmt.Errorf("task %d: %w", taskID, ErrUnknownTask)
	}
	return tr.handle, nil
}
