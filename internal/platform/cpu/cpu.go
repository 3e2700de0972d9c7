// Package cpu implements the local CPU pool platform: a fixed set of worker
// goroutines running native implementations in the orchestrating process.
package cpu

import (
	"context"
	"fmt"
	"sync"

	"github.com/seantiz/anvil/internal/mailbox"
	"github.com/seantiz/anvil/internal/platform"
	"github.com/seantiz/anvil/internal/profile"
	"github.com/seantiz/anvil/internal/scheduler"
	"github.com/seantiz/anvil/internal/task"
)

// Kind identifies CPU pool platforms.
const Kind = "cpu"

// Runner is the node name CPU jobs report as their runner.
const Runner = "local"

const (
	DefaultWorkers = 4
	DefaultPowerMW = 1600
)

// Config sizes the pool.
type Config struct {
	Workers int     `yaml:"workers"`
	PowerMW float64 `yaml:"power_mw"`
}

// Platform is a CPU pool. Jobs flow through the lifecycle scheduler in
// arrival order and run on the first free worker.
type Platform struct {
	*platform.Profiled
	cfg   Config
	sched *scheduler.Scheduler
	ready *mailbox.Mailbox[*scheduler.Execution]
	work  chan *scheduler.Execution

	mu  sync.Mutex
	ctx context.Context
	wg  sync.WaitGroup
}

// New creates a CPU pool platform. Zero config fields take their defaults.
func New(name string, cfg Config, svc platform.Services) *Platform {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PowerMW <= 0 {
		cfg.PowerMW = DefaultPowerMW
	}
	p := &Platform{
		Profiled: platform.NewProfiled(name, svc, func(impl task.Implementation) bool {
			return impl.Kind == task.Native
		}),
		cfg:   cfg,
		ready: mailbox.New[*scheduler.Execution](),
		work:  make(chan *scheduler.Execution),
	}
	p.sched = scheduler.New(name, p, svc.Data, svc.Reporter, svc.Logger)
	p.sched.SetPower(cfg.PowerMW)
	return p
}

// Kind returns "cpu".
func (p *Platform) Kind() string { return Kind }

// Workers returns the pool size.
func (p *Platform) Workers() int { return p.cfg.Workers }

// Init restores persisted profiles and starts the workers.
func (p *Platform) Init(ctx context.Context) error {
	if err := p.Restore(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	p.wg.Go(func() {
		_ = p.ready.Serve(ctx, func(e *scheduler.Execution) {
			select {
			case p.work <- e:
			case <-ctx.Done():
			}
		})
	})
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Go(func() { p.worker(ctx, i) })
	}
	p.Logger().Info("cpu platform started", "workers", p.cfg.Workers)
	return nil
}

// Wait blocks until every worker has stopped.
func (p *Platform) Wait() {
	p.wg.Wait()
}

// Forecast scores the task's compatible implementations.
func (p *Platform) Forecast(t *task.Task, in, _ []platform.TaskData) *platform.Score {
	return p.Profiled.Forecast(t, in, p)
}

// Submit queues t for execution.
func (p *Platform) Submit(t *task.Task) {
	p.Enqueued(t.CoreID)
	p.sched.Submit(scheduler.NewJob(t, p.Name(), p.Compatible(t.CoreID)))
}

// Jobs describes the jobs in flight.
func (p *Platform) Jobs() []scheduler.JobState {
	return p.sched.Jobs()
}

// Waiting forecasts the queueing delay behind the tasks already accepted.
func (p *Platform) Waiting() profile.MinMax {
	return p.QueuedWork(p.cfg.Workers)
}

// Time forecasts an implementation's execution time from its profile.
func (p *Platform) Time(_ []platform.DataStatus, impl task.Implementation) profile.MinMax {
	if ip := p.ImplProfile(impl.CoreID, impl.ImplID); ip != nil {
		return ip.ExecutionTime()
	}
	return profile.MinMax{}
}

// Energy forecasts an implementation's energy from its profile.
func (p *Platform) Energy(_ []platform.DataStatus, impl task.Implementation) profile.MinMax {
	if ip := p.ImplProfile(impl.CoreID, impl.ImplID); ip != nil {
		return ip.Energy()
	}
	return profile.MinMax{}
}

// Cost is always zero: local execution is free.
func (p *Platform) Cost(_ []platform.DataStatus, _ task.Implementation) profile.MinMax {
	return profile.MinMax{}
}

func (p *Platform) runCtx() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return context.Background()
	}
	return p.ctx
}

// Arrived implements scheduler.Policy.
func (p *Platform) Arrived(*scheduler.Execution) {}

// ParamsExist fetches the job inputs off the caller's goroutine.
func (p *Platform) ParamsExist(e *scheduler.Execution) {
	platform.FetchInputs(p.runCtx(), p.sched, e, p.Services().Data, p.Logger())
}

// ValuesObtained needs no preparation step: obtained values are usable as is.
func (p *Platform) ValuesObtained(e *scheduler.Execution) {
	if err := p.sched.ValuesReady(e); err != nil {
		p.Logger().Error("values ready", "task_id", e.Job.ID(), "error", err)
	}
}

// ValuesReady picks the first compatible implementation and queues the job.
func (p *Platform) ValuesReady(e *scheduler.Execution) {
	if len(e.Job.Impls) == 0 {
		p.abort(e, fmt.Errorf("no native implementation for core %d", e.Job.Task.CoreID))
		return
	}
	e.Job.Select(e.Job.Impls[0])
	e.Job.Profile.Runner = Runner
	if err := p.ready.Put(e); err != nil {
		p.abort(e, err)
	}
}

// Executed releases the task's queue slot.
func (p *Platform) Executed(e *scheduler.Execution) {
	p.Dequeued(e.Job.Task.CoreID)
}

// Completed reports the finished task.
func (p *Platform) Completed(e *scheduler.Execution) {
	p.Services().Done(platform.Completion{
		TaskID:   e.Job.ID(),
		Platform: p.Name(),
		Runner:   Runner,
		Failure:  e.Failure(),
	})
}

func (p *Platform) abort(e *scheduler.Execution, err error) {
	platform.Abort(p.sched, e, err, p.Logger())
}

func (p *Platform) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-p.work:
			p.run(ctx, id, e)
		}
	}
}

func (p *Platform) run(ctx context.Context, worker int, e *scheduler.Execution) {
	if err := p.sched.Executes(e, worker); err != nil {
		p.Logger().Error("executes", "task_id", e.Job.ID(), "error", err)
		return
	}
	runErr := invoke(ctx, e.Job)
	if err := platform.Outcome(p.sched, e, p.Services().Data, runErr); err != nil && runErr == nil {
		p.Logger().Warn("job outcome", "task_id", e.Job.ID(), "error", err)
	}
	if err := p.sched.Complete(e); err != nil {
		p.Logger().Error("complete", "task_id", e.Job.ID(), "error", err)
	}
}

func invoke(ctx context.Context, j *scheduler.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("implementation %s panicked: %v", j.Selected.Name, r)
		}
	}()
	return j.Selected.Invoke(ctx, j.Inv)
}
