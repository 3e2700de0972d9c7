package scheduler

import (
	"github.com/seantiz/anvil/internal/data"
	"github.com/seantiz/anvil/internal/profile"
	"github.com/seantiz/anvil/internal/task"
)

// Job is a task bound to one platform: the implementations it may run with,
// the invocation it will be executed with and the profile being measured.
// A job is owned by the platform executing it.
type Job struct {
	Task     *task.Task
	Platform string
	Impls    []task.Implementation
	Selected task.Implementation
	Inv      *task.Invocation
	Profile  profile.JobProfile
}

// NewJob builds the job for t on platform. Basic parameter values are copied
// into the invocation; data values are resolved later by the platform.
func NewJob(t *task.Task, platform string, impls []task.Implementation) *Job {
	inv := &task.Invocation{Args: make([]any, len(t.Params))}
	for i, p := range t.Params {
		if p.Kind == task.KindBasic {
			inv.Args[i] = p.Value
		}
	}
	return &Job{
		Task:     t,
		Platform: platform,
		Impls:    impls,
		Inv:      inv,
		Profile: profile.JobProfile{
			TaskID:   t.ID,
			CoreID:   t.CoreID,
			Platform: platform,
			Params:   make([]profile.ParamSize, len(t.Params)),
		},
	}
}

// ID returns the id of the task the job materializes.
func (j *Job) ID() int { return j.Task.ID }

// Select fixes the implementation the job runs with.
func (j *Job) Select(impl task.Implementation) {
	j.Selected = impl
	j.Profile.ImplID = impl.ImplID
}

// Inputs returns the versions the job reads, in parameter order.
func (j *Job) Inputs() []data.DataInstance {
	var out []data.DataInstance
	for _, p := range j.Task.DataParams() {
		a, ok := p.Access()
		if !ok {
			continue
		}
		if inst, ok := a.ReadInstance(); ok {
			out = append(out, inst)
		}
	}
	return out
}

// Outputs returns the versions the job produces, in parameter order.
func (j *Job) Outputs() []data.DataInstance {
	var out []data.DataInstance
	for _, p := range j.Task.DataParams() {
		a, ok := p.Access()
		if !ok {
			continue
		}
		if inst, ok := a.WrittenInstance(); ok {
			out = append(out, inst)
		}
	}
	return out
}
