// Package executor is the platform selector. It places every admitted task on
// the platform forecasting the cheapest execution and feeds measured jobs
// back into the profiles those forecasts come from.
//
// Placement decisions are serialized on one goroutine draining a FIFO
// mailbox.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/anvil/internal/mailbox"
	"github.com/seantiz/anvil/internal/platform"
	"github.com/seantiz/anvil/internal/profile"
	"github.com/seantiz/anvil/internal/task"
)

// ErrUnplaceable is reported for a task no registered platform can run.
var ErrUnplaceable = errors.New("no platform can run task")

// Listener observes placement decisions. Its methods are called from the
// executor goroutine; Placed runs before the task is handed to the platform.
type Listener interface {
	Placed(t *task.Task, platform string)
	Rejected(t *task.Task, err error)
}

// Executor is the platform selector actor.
type Executor struct {
	platforms *platform.Registry
	placement *platform.Placement
	listener  Listener
	logger    *slog.Logger
	requests  *mailbox.Mailbox[func()]

	// Owned by the Run goroutine.
	sizes map[int]*profile.Core
}

// New creates a platform selector over platforms. placement and listener may
// be nil.
func New(platforms *platform.Registry, placement *platform.Placement, listener Listener, logger *slog.Logger) *Executor {
	return &Executor{
		platforms: platforms,
		placement: placement,
		listener:  listener,
		logger:    logger.With("component", "executor"),
		requests:  mailbox.New[func()](),
		sizes:     make(map[int]*profile.Core),
	}
}

// Run initializes every platform and then drains the request queue until
// ctx is done or Close was called.
func (e *Executor) Run(ctx context.Context) error {
	for _, p := range e.platforms.All() {
		if err := p.Init(ctx); err != nil {
			return fmt.Errorf("init platform %s: %w", p.Name(), err)
		}
	}
	e.logger.Info("executor started", "platforms", len(e.platforms.All()))
	return e.requests.Serve(ctx, e.dispatch)
}

func (e *Executor) dispatch(req func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("request panicked", "panic", fmt.Sprint(r))
		}
	}()
	req()
}

// Close stops accepting requests.
func (e *Executor) Close() {
	e.requests.Close()
}

func (e *Executor) put(req func()) error {
	if err := e.requests.Put(req); err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	return nil
}

// RunTask queues the placement of t.
func (e *Executor) RunTask(t *task.Task) error {
	return e.put(func() { e.runTask(t) })
}

// EndTask queues the profiling of a finished job.
func (e *Executor) EndTask(taskID int, platformName string, jp profile.JobProfile, runner string) error {
	return e.put(func() { e.endTask(taskID, platformName, jp, runner) })
}

// Report implements scheduler.Reporter.
func (e *Executor) Report(taskID int, platformName string, jp profile.JobProfile) {
	if err := e.EndTask(taskID, platformName, jp, jp.Runner); err != nil {
		e.logger.Warn("dropped job profile", "task_id", taskID, "error", err)
	}
}

func (e *Executor) sizeProfile(coreID int) *profile.Core {
	c, ok := e.sizes[coreID]
	if !ok {
		c = profile.NewCore()
		e.sizes[coreID] = c
	}
	return c
}

// describe predicts the size of every value t reads and writes from the
// sizes its core element took before.
func (e *Executor) describe(t *task.Task) (in, out []platform.TaskData) {
	sizes := e.sizeProfile(t.CoreID)
	add := func(p *task.Parameter, inSize, outSize profile.MinMax) {
		acc, ok := p.Access()
		if !ok {
			return
		}
		if inst, ok := acc.ReadInstance(); ok {
			in = append(in, platform.TaskData{Renaming: inst.Renaming, Size: inSize})
		}
		if inst, ok := acc.WrittenInstance(); ok {
			out = append(out, platform.TaskData{Renaming: inst.Renaming, Size: outSize})
		}
	}
	for i := range t.Params {
		if t.Params[i].HasData() {
			add(&t.Params[i], sizes.ParamIn(i), sizes.ParamOut(i))
		}
	}
	if t.Target != nil {
		add(t.Target, sizes.TargetIn(), sizes.TargetOut())
	}
	if t.Result != nil {
		add(t.Result, profile.MinMax{}, sizes.Result())
	}
	return in, out
}

func (e *Executor) runTask(t *task.Task) {
	in, out := e.describe(t)

	chosen := e.pinned(t)
	if chosen == nil {
		var best *platform.Score
		for _, p := range e.platforms.All() {
			if !p.CanRun(t) {
				continue
			}
			s := p.Forecast(t, in, out)
			e.logger.Debug("forecast", "task_id", t.ID, "platform", p.Name(), "score", s.String())
			if s.Better(best) {
				best, chosen = s, p
			}
		}
	}

	if chosen == nil {
		unplaceableTotal.Inc()
		e.logger.Error("no platform can run task", "task_id", t.ID, "signature", t.Signature)
		if e.listener != nil {
			e.listener.Rejected(t, fmt.Errorf("task %d: %w", t.ID, ErrUnplaceable))
		}
		return
	}

	placementsTotal.WithLabelValues(chosen.Name()).Inc()
	e.logger.Info("task placed", "task_id", t.ID, "platform", chosen.Name())
	if e.listener != nil {
		e.listener.Placed(t, chosen.Name())
	}
	chosen.Submit(t)
}

// pinned returns the platform t is statically assigned to, if it can run
// the task there.
func (e *Executor) pinned(t *task.Task) platform.Platform {
	name, ok := e.placement.Platform(t.ID)
	if !ok {
		return nil
	}
	p, err := e.platforms.Get(name)
	if err != nil {
		e.logger.Warn("static placement ignored", "task_id", t.ID, "error", err)
		return nil
	}
	if !p.CanRun(t) {
		e.logger.Warn("static placement ignored", "task_id", t.ID, "platform", name, "reason", "cannot run task")
		return nil
	}
	return p
}

func (e *Executor) endTask(taskID int, platformName string, jp profile.JobProfile, runner string) {
	e.sizeProfile(jp.CoreID).Register(jp)
	p, err := e.platforms.Get(platformName)
	if err != nil {
		e.logger.Error("profile for unknown platform", "task_id", taskID, "error", err)
		return
	}
	e.logger.Debug("job profiled", "task_id", taskID, "platform", platformName, "runner", runner, "profile", jp.String())
	p.EndTask(taskID, jp, runner)
}
