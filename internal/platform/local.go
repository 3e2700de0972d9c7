package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/anvil/internal/profile"
	"github.com/seantiz/anvil/internal/task"
)

// DataStatus is what a cost model knows about one input.
type DataStatus struct {
	Size    profile.MinMax
	Present bool
}

// CostModel forecasts one implementation on a profiled platform.
type CostModel interface {
	// Waiting forecasts how long a new task queues before it starts.
	Waiting() profile.MinMax
	Time(in []DataStatus, impl task.Implementation) profile.MinMax
	Energy(in []DataStatus, impl task.Implementation) profile.MinMax
	Cost(in []DataStatus, impl task.Implementation) profile.MinMax
}

type coreState struct {
	// overall profiles the core element across every implementation.
	overall    *profile.Impl
	impls      []*profile.Impl
	compatible []task.Implementation
	queued     int
}

// Profiled keeps per-implementation profiles and queue counters for a
// platform. It is embedded by platforms that forecast from their own
// history, and is safe for concurrent use.
type Profiled struct {
	name    string
	svc     Services
	accepts func(task.Implementation) bool
	logger  *slog.Logger

	mu       sync.Mutex
	cores    map[int]*coreState
	restored map[[2]int]profile.Aggregate
}

// NewProfiled creates the profile bookkeeping for the platform name.
// accepts decides which implementations the platform can run.
func NewProfiled(name string, svc Services, accepts func(task.Implementation) bool) *Profiled {
	return &Profiled{
		name:     name,
		svc:      svc,
		accepts:  accepts,
		logger:   svc.Logger.With("component", "platform", "platform", name),
		cores:    make(map[int]*coreState),
		restored: make(map[[2]int]profile.Aggregate),
	}
}

// Name returns the platform name.
func (p *Profiled) Name() string { return p.name }

// Services returns the collaborators the platform was built with.
func (p *Profiled) Services() Services { return p.svc }

// Logger returns the platform logger.
func (p *Profiled) Logger() *slog.Logger { return p.logger }

// Restore warms the profiles up with the aggregates persisted by earlier
// runs.
func (p *Profiled) Restore(ctx context.Context) error {
	if p.svc.Profiles == nil {
		return nil
	}
	aggs, err := p.svc.Profiles.ProfileAggregates(ctx, p.name)
	if err != nil {
		return fmt.Errorf("restore %s profiles: %w", p.name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range aggs {
		p.restored[[2]int{a.CoreID, a.ImplID}] = a
	}
	// Cores already materialized pick the aggregates up now.
	for id := range p.cores {
		delete(p.cores, id)
	}
	p.logger.Info("profiles restored", "aggregates", len(aggs))
	return nil
}

// core returns the bookkeeping of a core element, catching up with
// implementations registered since the last call. Callers hold p.mu.
func (p *Profiled) core(coreID int) *coreState {
	impls := p.svc.Cores.Implementations(coreID)
	cs, ok := p.cores[coreID]
	if !ok {
		cs = &coreState{overall: profile.NewImpl(0)}
		p.cores[coreID] = cs
	}
	var overall profile.Aggregate
	for implID := len(cs.impls); implID < len(impls); implID++ {
		impl := impls[implID]
		if !p.accepts(impl) {
			cs.impls = append(cs.impls, nil)
			continue
		}
		var ip *profile.Impl
		if d, ok := p.svc.Defaults[impl.Name]; ok {
			ip = profile.NewImplWithDefault(implID, d)
		} else {
			ip = profile.NewImpl(implID)
		}
		if a, ok := p.restored[[2]int{coreID, implID}]; ok && a.Samples > 0 {
			ip.Restore(a.Samples, a.TimeMS, a.Energy)
			overall = mergeAggregate(overall, a)
		}
		cs.impls = append(cs.impls, ip)
		cs.compatible = append(cs.compatible, impl)
	}
	if overall.Samples > 0 && cs.overall.Executions() == 0 {
		cs.overall.Restore(overall.Samples, overall.TimeMS, overall.Energy)
	}
	return cs
}

func mergeAggregate(acc, a profile.Aggregate) profile.Aggregate {
	if acc.Samples == 0 {
		return a
	}
	acc.Samples += a.Samples
	acc.TimeMS = acc.TimeMS.Widen(a.TimeMS.Min).Widen(a.TimeMS.Max)
	acc.Energy = acc.Energy.Widen(a.Energy.Min).Widen(a.Energy.Max)
	return acc
}

// CanRun reports whether any implementation of the task's core element runs
// here.
func (p *Profiled) CanRun(t *task.Task) bool {
	return len(p.Compatible(t.CoreID)) > 0
}

// Compatible returns the implementations of a core element this platform
// runs.
func (p *Profiled) Compatible(coreID int) []task.Implementation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]task.Implementation(nil), p.core(coreID).compatible...)
}

// ImplProfile returns the profile of one implementation, nil when the
// platform cannot run it.
func (p *Profiled) ImplProfile(coreID, implID int) *profile.Impl {
	p.mu.Lock()
	defer p.mu.Unlock()
	cs := p.core(coreID)
	if implID < 0 || implID >= len(cs.impls) {
		return nil
	}
	return cs.impls[implID]
}

// CoreProfile returns the profile of a core element across implementations.
func (p *Profiled) CoreProfile(coreID int) *profile.Impl {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.core(coreID).overall
}

// Enqueued counts a task of the core element as waiting or running here.
func (p *Profiled) Enqueued(coreID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.core(coreID).queued++
}

// Dequeued undoes Enqueued once the task finished executing.
func (p *Profiled) Dequeued(coreID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cs := p.core(coreID); cs.queued > 0 {
		cs.queued--
	}
}

// QueuedWork forecasts the time a new task waits behind the queued ones when
// workers run them in parallel: for each core element, its queued tasks per
// worker times its execution time.
func (p *Profiled) QueuedWork(workers int) profile.MinMax {
	p.mu.Lock()
	defer p.mu.Unlock()
	var waiting profile.MinMax
	if workers <= 0 {
		return waiting
	}
	for _, cs := range p.cores {
		if cs.queued == 0 {
			continue
		}
		waiting = waiting.AddScaled(float64(cs.queued)/float64(workers), cs.overall.ExecutionTime())
	}
	return waiting
}

// Forecast scores every compatible implementation with m and returns the
// best one.
func (p *Profiled) Forecast(t *task.Task, in []TaskData, m CostModel) *Score {
	status := make([]DataStatus, len(in))
	for i, td := range in {
		status[i] = DataStatus{Size: td.Size}
		if p.svc.Data != nil {
			status[i].Present = p.svc.Data.Exists(td.Renaming)
		}
	}

	waiting := m.Waiting()
	var best *Score
	for _, impl := range p.Compatible(t.CoreID) {
		time := m.Time(status, impl).Add(waiting)
		s := NewScore(p.svc.Weights, time, m.Energy(status, impl), m.Cost(status, impl))
		if best == nil || s.Better(best) {
			best = s
		}
	}
	return best
}

// EndTask folds a finished job into the core and implementation profiles and
// persists the sample.
func (p *Profiled) EndTask(taskID int, jp profile.JobProfile, runner string) {
	p.mu.Lock()
	cs := p.core(jp.CoreID)
	cs.overall.Register(jp)
	if jp.ImplID >= 0 && jp.ImplID < len(cs.impls) && cs.impls[jp.ImplID] != nil {
		cs.impls[jp.ImplID].Register(jp)
	}
	p.mu.Unlock()

	if p.svc.Profiles != nil {
		if err := p.svc.Profiles.AppendSample(context.Background(), jp); err != nil {
			p.logger.Error("persist profile sample", "task_id", taskID, "error", err)
		}
	}
	p.logger.Debug("task profiled", "task_id", taskID, "runner", runner, "execution_ms", jp.Millis())
}
