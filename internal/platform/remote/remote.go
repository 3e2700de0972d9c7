// Package remote implements resource pool platforms: tasks are offloaded to
// one of a fixed set of nodes chosen by a Picker, and run there through an
// Offloader.
package remote

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/seantiz/anvil/internal/platform"
	"github.com/seantiz/anvil/internal/profile"
	"github.com/seantiz/anvil/internal/scheduler"
	"github.com/seantiz/anvil/internal/task"
)

// Kind identifies remote pool platforms.
const Kind = "remote"

// Config describes a pool.
type Config struct {
	Policy string   `yaml:"policy"`
	Nodes  []string `yaml:"nodes"`
	// BandwidthKbps prices moving data to and from the pool into the time
	// forecast. Zero ignores transfers.
	BandwidthKbps float64 `yaml:"bandwidth_kbps"`
	// Price is the economic cost of one second of execution.
	Price float64 `yaml:"price"`
	// Static restricts the pool to the tasks statically assigned to it.
	Static bool `yaml:"static"`
}

// Platform is a remote resource pool. Every job runs on its own goroutine as
// soon as its inputs are ready; queueing happens on the nodes.
type Platform struct {
	*platform.Profiled
	cfg    Config
	picker Picker
	off    Offloader
	sched  *scheduler.Scheduler

	mu    sync.Mutex
	ctx   context.Context
	nodes map[int]string
	wg    sync.WaitGroup
}

// New creates a remote pool platform.
func New(name string, cfg Config, svc platform.Services, off Offloader) (*Platform, error) {
	picker, err := NewPicker(cfg.Policy, cfg.Nodes)
	if err != nil {
		return nil, fmt.Errorf("platform %s: %w", name, err)
	}
	p := &Platform{
		Profiled: platform.NewProfiled(name, svc, func(task.Implementation) bool { return true }),
		cfg:      cfg,
		picker:   picker,
		off:      off,
		nodes:    make(map[int]string),
	}
	p.sched = scheduler.New(name, p, svc.Data, svc.Reporter, svc.Logger)
	return p, nil
}

// Kind returns "remote".
func (p *Platform) Kind() string { return Kind }

// Picker returns the node picker.
func (p *Platform) Picker() Picker { return p.picker }

// Init restores persisted profiles.
func (p *Platform) Init(ctx context.Context) error {
	if err := p.Restore(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
	p.Logger().Info("remote platform started", "nodes", len(p.cfg.Nodes), "policy", p.cfg.Policy)
	return nil
}

// Wait blocks until every offloaded job has returned.
func (p *Platform) Wait() {
	p.wg.Wait()
}

// CanRun accepts any task with an implementation; static pools only accept
// the tasks assigned to them.
func (p *Platform) CanRun(t *task.Task) bool {
	if p.cfg.Static && !p.Services().Placement.Runs(t.ID, p.Name()) {
		return false
	}
	return p.Profiled.CanRun(t)
}

// Forecast predicts the core element's execution time plus the transfer of
// the inputs the pool does not hold yet and of every output.
func (p *Platform) Forecast(t *task.Task, in, out []platform.TaskData) *platform.Score {
	var moved profile.MinMax
	for _, td := range in {
		if !p.holds(td.Renaming) {
			moved = moved.Add(td.Size)
		}
	}
	for _, td := range out {
		moved = moved.Add(td.Size)
	}

	time := p.execTime(t.CoreID).Add(p.transfer(moved))
	cost := time.Scale(p.cfg.Price / 1000)
	return platform.NewScore(p.Services().Weights, time, profile.MinMax{}, cost)
}

// execTime forecasts the core element from its measured executions, or from
// the best seeded implementation before any was measured.
func (p *Platform) execTime(coreID int) profile.MinMax {
	if cp := p.CoreProfile(coreID); cp.Executions() > 0 {
		return cp.ExecutionTime()
	}
	var best *profile.MinMax
	for _, impl := range p.Compatible(coreID) {
		ip := p.ImplProfile(coreID, impl.ImplID)
		if ip == nil {
			continue
		}
		t := ip.ExecutionTime()
		if best == nil || t.Average() < best.Average() {
			best = &t
		}
	}
	if best == nil {
		return profile.MinMax{}
	}
	return *best
}

// holds reports whether one of the pool's nodes keeps a replica of renaming.
// Replicas are recorded with the data in the store, not by the pool.
func (p *Platform) holds(renaming string) bool {
	return slices.ContainsFunc(p.Services().Data.Locations(renaming), func(node string) bool {
		return slices.Contains(p.cfg.Nodes, node)
	})
}

// transfer converts bytes into milliseconds at the configured bandwidth.
func (p *Platform) transfer(bytes profile.MinMax) profile.MinMax {
	if p.cfg.BandwidthKbps <= 0 {
		return profile.MinMax{}
	}
	return bytes.Scale(8 / p.cfg.BandwidthKbps)
}

// Submit picks the task's node and starts its job.
func (p *Platform) Submit(t *task.Task) {
	in, out := p.refs(t)
	node := p.picker.Pick(t.ID, in, out)

	p.mu.Lock()
	p.nodes[t.ID] = node
	p.mu.Unlock()

	p.Logger().Debug("task offloaded", "task_id", t.ID, "node", node)
	p.sched.Submit(scheduler.NewJob(t, p.Name(), p.Compatible(t.CoreID)))
}

func (p *Platform) refs(t *task.Task) (in, out []Ref) {
	add := func(param *task.Parameter, pos int) {
		a, ok := param.Access()
		if !ok {
			return
		}
		if inst, ok := a.ReadInstance(); ok {
			size, _ := p.Services().Data.Size(inst.Renaming)
			in = append(in, Ref{Renaming: inst.Renaming, Size: size, Param: pos})
		}
		if inst, ok := a.WrittenInstance(); ok {
			out = append(out, Ref{Renaming: inst.Renaming, Param: pos})
		}
	}
	for i := range t.Params {
		if t.Params[i].HasData() {
			add(&t.Params[i], i)
		}
	}
	if t.Target != nil {
		add(t.Target, TargetParam)
	}
	if t.Result != nil {
		add(t.Result, ResultParam)
	}
	return in, out
}

// EndTask updates the profiles and tells the picker where the task ran.
func (p *Platform) EndTask(taskID int, jp profile.JobProfile, runner string) {
	p.Profiled.EndTask(taskID, jp, runner)
	p.picker.Finished(taskID, jp, runner)
}

// Jobs describes the jobs in flight.
func (p *Platform) Jobs() []scheduler.JobState {
	return p.sched.Jobs()
}

func (p *Platform) node(taskID int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodes[taskID]
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

// ValuesObtained implements scheduler.Policy.
func (p *Platform) ValuesObtained(e *scheduler.Execution) {
	if err := p.sched.ValuesReady(e); err != nil {
		p.Logger().Error("values ready", "task_id", e.Job.ID(), "error", err)
	}
}

// ValuesReady picks an implementation, preferring remote services, and
// offloads the job.
func (p *Platform) ValuesReady(e *scheduler.Execution) {
	if len(e.Job.Impls) == 0 {
		platform.Abort(p.sched, e, fmt.Errorf("no implementation for core %d", e.Job.Task.CoreID), p.Logger())
		return
	}
	impl := e.Job.Impls[0]
	if i := slices.IndexFunc(e.Job.Impls, func(impl task.Implementation) bool { return impl.Kind == task.Remote }); i >= 0 {
		impl = e.Job.Impls[i]
	}
	e.Job.Select(impl)
	e.Job.Profile.Runner = p.node(e.Job.ID())

	ctx := p.runCtx()
	p.wg.Go(func() { p.run(ctx, e) })
}

// Executed implements scheduler.Policy.
func (p *Platform) Executed(*scheduler.Execution) {}

// Completed reports the finished task.
func (p *Platform) Completed(e *scheduler.Execution) {
	p.mu.Lock()
	node := p.nodes[e.Job.ID()]
	delete(p.nodes, e.Job.ID())
	p.mu.Unlock()

	p.Services().Done(platform.Completion{
		TaskID:   e.Job.ID(),
		Platform: p.Name(),
		Runner:   node,
		Failure:  e.Failure(),
	})
}

func (p *Platform) run(ctx context.Context, e *scheduler.Execution) {
	node := p.node(e.Job.ID())
	if err := p.sched.Executes(e, slices.Index(p.cfg.Nodes, node)); err != nil {
		p.Logger().Error("executes", "task_id", e.Job.ID(), "error", err)
		return
	}

	ds := p.Services().Data
	for _, in := range e.Job.Inputs() {
		ds.AddLocation(in.Renaming, node)
	}
	runErr := p.off.Offload(ctx, node, e.Job.Selected, e.Job.Inv)
	if err := platform.Outcome(p.sched, e, ds, runErr); err != nil {
		if runErr == nil {
			p.Logger().Warn("job outcome", "task_id", e.Job.ID(), "error", err)
		}
	} else {
		for _, out := range e.Job.Outputs() {
			ds.AddLocation(out.Renaming, node)
		}
	}
	if err := p.sched.Complete(e); err != nil {
		p.Logger().Error("complete", "task_id", e.Job.ID(), "error", err)
	}
}
