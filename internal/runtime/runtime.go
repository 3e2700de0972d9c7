// Package runtime is the orchestrating process. It versions the data the
// application hands over, admits tasks into the task graph, wires the graph
// engine, the platform selector and the computing platforms together, and
// routes completions back to the application.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/anvil/internal/analyser"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/data"
	"github.com/seantiz/anvil/internal/executor"
	"github.com/seantiz/anvil/internal/mailbox"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/platform"
	"github.com/seantiz/anvil/internal/platform/cpu"
	"github.com/seantiz/anvil/internal/platform/remote"
	"github.com/seantiz/anvil/internal/storage"
	"github.com/seantiz/anvil/internal/store"
	"github.com/seantiz/anvil/internal/task"
)

var (
	// ErrTaskFailed is the failure every handle of a failed task, and of every
	// task that depended on its outputs, completes with.
	ErrTaskFailed = errors.New("task failed")
	// ErrUnknownTask is returned for task ids the runtime does not track.
	ErrUnknownTask = errors.New("unknown task")
)

const (
	checkpointAttempts = 3
	checkpointBackoff  = 50 * time.Millisecond
)

// Deps bundles the collaborators a runtime is built from.
type Deps struct {
	Cores   *task.CoreRegistry
	Storage *storage.Store
	Store   store.Store
	// Offloader returns the offloader of a remote pool. Nil builds an
	// in-process loopback with the pool's latency and no remote services.
	Offloader func(pool config.RemotePool) remote.Offloader
	Logger    *slog.Logger
}

type waiter interface {
	Wait()
}

// tracked is a submitted task the runtime still answers for.
type tracked struct {
	task     *task.Task
	recordID string
	handle   *Handle
	seq      int
}

// Runtime is the orchestrating process facade. It is safe for concurrent use.
type Runtime struct {
	cores     *task.CoreRegistry
	data      *data.Registry[string]
	storage   *storage.Store
	db        store.Store
	analyser  *analyser.Analyser
	executor  *executor.Executor
	platforms *platform.Registry
	events    *EventBroker
	logger    *slog.Logger
	waiters   []waiter

	// journal persists the events raised on the graph engine goroutine so
	// that it never waits on the database.
	journal *mailbox.Mailbox[func()]

	// accessMu orders access registration with graph admission.
	accessMu sync.Mutex
	nextID   int

	mu    sync.Mutex
	tasks map[int]*tracked
	ctx   context.Context

	wg sync.WaitGroup
}

// New builds a runtime and its platforms from rt.
func New(rt config.Runtime, deps Deps) (*Runtime, error) {
	r := &Runtime{
		cores:     deps.Cores,
		data:      data.NewRegistry[string](deps.Storage.Codec()),
		storage:   deps.Storage,
		db:        deps.Store,
		platforms: platform.NewRegistry(),
		events:    NewEventBroker(),
		logger:    deps.Logger.With("component", "runtime"),
		journal:   mailbox.New[func()](),
		tasks:     make(map[int]*tracked),
		ctx:       context.Background(),
	}
	hooks := &hooks{r}
	r.analyser = analyser.New(rt.BlockSize, hooks, deps.Logger)
	r.executor = executor.New(r.platforms, rt.Placement, hooks, deps.Logger)

	svc := platform.Services{
		Cores:     deps.Cores,
		Data:      deps.Storage,
		Profiles:  deps.Store,
		Reporter:  r.executor,
		Weights:   rt.Weights,
		Defaults:  rt.Profiles,
		Placement: rt.Placement,
		Done:      r.completed,
		Logger:    deps.Logger,
	}

	local := cpu.New(rt.CPU.Name, rt.CPU.Config, svc)
	if err := r.platforms.Register(local); err != nil {
		return nil, err
	}
	r.waiters = append(r.waiters, local)

	for _, pool := range rt.Remote {
		var off remote.Offloader
		if deps.Offloader != nil {
			off = deps.Offloader(pool)
		} else {
			off = remote.NewLoopback(time.Duration(pool.LatencyMS) * time.Millisecond)
		}
		p, err := remote.New(pool.Name, pool.Config, svc, off)
		if err != nil {
			return nil, err
		}
		if err := r.platforms.Register(p); err != nil {
			return nil, err
		}
		r.waiters = append(r.waiters, p)
	}
	return r, nil
}

// Run drives the graph engine and the platform selector until ctx is done.
// It returns once every platform worker and checkpoint writer has stopped.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.analyser.Run(gctx) })
	g.Go(func() error { return r.executor.Run(gctx) })
	g.Go(func() error { return r.journal.Serve(gctx, func(fn func()) { fn() }) })
	r.logger.Info("runtime started", "platforms", len(r.platforms.All()))

	err := g.Wait()
	for _, w := range r.waiters {
		w.Wait()
	}
	r.wg.Wait()
	r.journal.Close()
	_ = r.journal.Serve(context.Background(), func(fn func()) { fn() })
	r.logger.Info("runtime stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runtime) runCtx() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx
}

// Submit admits t. Signature, parameters, target and result must be set; the
// runtime assigns the task and core ids and records the data accesses.
func (r *Runtime) Submit(ctx context.Context, t *task.Task) (*Handle, error) {
	coreID, err := r.cores.CoreID(t.Signature)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	r.accessMu.Lock()
	defer r.accessMu.Unlock()

	r.nextID++
	t.ID = r.nextID
	t.CoreID = coreID
	if err := t.ValidateShape(); err != nil {
		return nil, err
	}

	if err := r.checkKeys(t); err != nil {
		return nil, err
	}

	var reg registration
	for _, p := range t.DataParams() {
		if r.ensure(p) {
			reg.created = append(reg.created, p.Key)
		}
		if p.Direction != data.Out {
			if err := r.publish(p.Key); err != nil {
				r.rollback(&reg)
				return nil, fmt.Errorf("%s: %w", t, err)
			}
		}
		b, err := r.data.RegisterAccess(p.Direction, p.Key, data.OriginRemote)
		if err != nil {
			r.rollback(&reg)
			return nil, fmt.Errorf("%s: %w", t, err)
		}
		p.Binding = &b
		reg.bound = append(reg.bound, p)
	}
	if err := t.Validate(); err != nil {
		r.rollback(&reg)
		return nil, err
	}

	rec := &model.TaskRecord{
		ID:        model.NewID(),
		TaskID:    t.ID,
		Signature: t.Signature,
		Status:    model.StatusSubmitted,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.db.CreateTask(ctx, rec); err != nil {
		r.rollback(&reg)
		return nil, fmt.Errorf("%s: %w", t, err)
	}

	h := newHandle(t.ID, rec.ID)
	r.mu.Lock()
	r.tasks[t.ID] = &tracked{task: t, recordID: rec.ID, handle: h}
	r.mu.Unlock()
	tasksSubmitted.Inc()
	r.event(t.ID, "submitted")

	if err := r.analyser.AddTask(t); err != nil {
		r.failed(t.ID, fmt.Errorf("task %d: %w: %w", t.ID, ErrTaskFailed, err))
		return nil, fmt.Errorf("%s: %w", t, err)
	}
	r.logger.Debug("task submitted", "task_id", t.ID, "signature", t.Signature, "record_id", rec.ID)
	return h, nil
}

// registration is what Submit has recorded so far for one task.
type registration struct {
	bound   []*task.Parameter
	created []string
}

// checkKeys rejects a task naming an object it reads that was never
// registered, before any of its accesses is recorded.
func (r *Runtime) checkKeys(t *task.Task) error {
	for _, p := range t.DataParams() {
		switch p.Direction {
		case data.In, data.InOut:
		case data.Out:
			continue
		default:
			return fmt.Errorf("%s: %s access on %s: %w", t, p.Direction, p.Key, data.ErrUnsupported)
		}
		if p.Kind == task.KindObject {
			if _, ok := r.data.Find(p.Key); !ok {
				return fmt.Errorf("%s: %s: %w", t, p.Key, data.ErrUnknownData)
			}
		}
	}
	return nil
}

// ensure creates the data item of p on first use when the access does not
// need an earlier value: files name their own first version, outputs start
// empty. It reports whether the item was created.
func (r *Runtime) ensure(p *task.Parameter) bool {
	if _, ok := r.data.Find(p.Key); ok {
		return false
	}
	switch {
	case p.Kind == task.KindFile:
		r.data.Register(p.Key, data.NewFile(p.Key))
	case p.Direction == data.Out:
		r.data.Register(p.Key, data.NewObject(nil))
	default:
		return false
	}
	return true
}

// rollback undoes the accesses of a rejected task, newest first, and forgets
// the items it created.
func (r *Runtime) rollback(reg *registration) {
	for _, p := range slices.Backward(reg.bound) {
		b := *p.Binding
		p.Binding = nil
		if !r.data.Revert(b) {
			if w, ok := b.Access.WrittenInstance(); ok {
				r.logger.Warn("written version kept after rejection", "renaming", w.Renaming)
			}
		}
		if inst, ok := b.Access.ReadInstance(); ok {
			r.data.ReleaseRead(inst)
		}
	}
	for _, key := range reg.created {
		r.data.Delete(key)
	}
}

// publish hands the current version of key to storage when only the
// orchestrating process holds it, so that platforms can obtain it under its
// renaming. It runs before the access is registered because a new write
// version may take the payload away from the one being read.
func (r *Runtime) publish(key string) error {
	inst, v, err := r.data.Current(key)
	if err != nil {
		// left for register to reject
		return nil
	}
	if !v.IsLocal() || r.storage.Exists(inst.Renaming) {
		return nil
	}
	return r.storeValue(inst.Renaming, v)
}

// refresh re-stores a version rewritten in place.
func (r *Runtime) refresh(inst data.DataInstance, v *data.Value) error {
	if !r.storage.Exists(inst.Renaming) {
		return nil
	}
	return r.storeValue(inst.Renaming, v)
}

func (r *Runtime) storeValue(renaming string, v *data.Value) error {
	o, ok := v.Peek()
	if !ok {
		return nil
	}
	var err error
	switch v.Kind() {
	case data.KindFile:
		_, err = r.storage.StoreFile(renaming, v.Path())
	case data.KindObject:
		_, err = r.storage.StoreObject(renaming, o)
	default:
		panic(fmt.Sprintf("runtime: unexpected value kind %v", v.Kind()))
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", renaming, err)
	}
	return nil
}

func (r *Runtime) releaseReads(t *task.Task) {
	for _, acc := range t.Accesses() {
		if inst, ok := acc.ReadInstance(); ok {
			r.data.ReleaseRead(inst)
		}
	}
}

func (r *Runtime) lookup(taskID int) *tracked {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[taskID]
}

// completed routes a platform completion to the graph and the application.
func (r *Runtime) completed(c platform.Completion) {
	if c.Failure != nil {
		r.failed(c.TaskID, fmt.Errorf("task %d: %w: %w", c.TaskID, ErrTaskFailed, c.Failure))
		return
	}
	tr := r.lookup(c.TaskID)
	if tr == nil {
		r.logger.Warn("completion for unknown task", "task_id", c.TaskID)
		return
	}
	r.releaseReads(tr.task)
	r.setStatus(tr, model.StatusCompleted, "", "")
	tasksFinished.WithLabelValues("completed").Inc()
	r.event(c.TaskID, fmt.Sprintf("completed on %s (runner %s)", c.Platform, c.Runner))
	r.finish(tr, nil)
	// Last: the graph may retire the task right away.
	if err := r.analyser.TaskFinished(c.TaskID); err != nil {
		r.logger.Error("task finished", "task_id", c.TaskID, "error", err)
	}
}

// failed ends a task with cause. Its outputs are poisoned so that every task
// reading them fails in turn instead of waiting forever.
func (r *Runtime) failed(taskID int, cause error) {
	tr := r.lookup(taskID)
	if tr == nil {
		r.logger.Warn("failure for unknown task", "task_id", taskID, "error", cause)
		return
	}
	for _, acc := range tr.task.Accesses() {
		if inst, ok := acc.WrittenInstance(); ok {
			r.storage.Poison(inst.Renaming, cause)
		}
	}
	r.releaseReads(tr.task)
	r.setStatus(tr, model.StatusFailed, "", cause.Error())
	tasksFinished.WithLabelValues("failed").Inc()
	r.logger.Error("task failed", "task_id", taskID, "error", cause)
	r.event(taskID, "failed: "+cause.Error())
	r.finish(tr, cause)
	if err := r.analyser.TaskFailed(taskID); err != nil {
		r.logger.Error("task failed", "task_id", taskID, "error", err)
	}
}

func (r *Runtime) finish(tr *tracked, err error) {
	tr.handle.finish(err)
	r.events.Close(tr.recordID)
}

func (r *Runtime) setStatus(tr *tracked, status, platformName, failure string) {
	if err := r.db.UpdateTaskStatus(context.Background(), tr.recordID, status, platformName, failure); err != nil {
		r.logger.Error("update task record", "task_id", tr.task.ID, "status", status, "error", err)
	}
}

// event appends a line to a task's history and publishes it.
func (r *Runtime) event(taskID int, line string) {
	r.mu.Lock()
	recordID, seq, ok := r.nextSeq(taskID)
	r.mu.Unlock()
	if ok {
		r.persistEvent(recordID, seq, line)
	}
}

// eventLater is event for callers that must not block: the line gets its
// place in the history now and is written by the journal.
func (r *Runtime) eventLater(taskID int, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recordID, seq, ok := r.nextSeq(taskID)
	if !ok {
		return
	}
	// Enqueued under mu so the journal writes lines in seq order.
	if err := r.journal.Put(func() { r.persistEvent(recordID, seq, line) }); err != nil {
		r.logger.Warn("task event dropped", "task_id", taskID, "line", line, "error", err)
	}
}

func (r *Runtime) nextSeq(taskID int) (string, int, bool) {
	tr, ok := r.tasks[taskID]
	if !ok {
		return "", 0, false
	}
	seq := tr.seq
	tr.seq++
	return tr.recordID, seq, true
}

func (r *Runtime) persistEvent(recordID string, seq int, line string) {
	ev := model.TaskEvent{Seq: seq, Line: line, At: time.Now().UTC()}
	if err := r.db.InsertEvent(context.Background(), recordID, seq, line); err != nil {
		r.logger.Error("persist task event", "record_id", recordID, "seq", seq, "error", err)
	}
	r.events.Publish(recordID, ev)
}

// checkpoint saves inst durably and reports the outcome to the graph engine.
// Failed saves are retried a few times before the engine is told.
func (r *Runtime) checkpoint(inst data.DataInstance, producer int) {
	ctx := r.runCtx()
	var err error
	for attempt := 1; attempt <= checkpointAttempts; attempt++ {
		if err = r.save(ctx, inst, producer); err == nil {
			r.event(producer, "checkpointed "+inst.String())
			if err := r.analyser.Saved(inst.Renaming); err != nil {
				r.logger.Error("checkpoint saved", "renaming", inst.Renaming, "error", err)
			}
			return
		}
		r.logger.Warn("checkpoint attempt failed", "renaming", inst.Renaming, "attempt", attempt, "error", err)
		if attempt == checkpointAttempts {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			attempt = checkpointAttempts
		case <-time.After(checkpointBackoff * time.Duration(attempt)):
		}
	}
	if err := r.analyser.SaveFailed(inst.Renaming, err); err != nil {
		r.logger.Error("checkpoint failed", "renaming", inst.Renaming, "error", err)
	}
}

func (r *Runtime) save(ctx context.Context, inst data.DataInstance, producer int) error {
	path, size, err := r.storage.Checkpoint(inst.Renaming)
	if err != nil {
		return err
	}
	return r.db.RecordCheckpoint(ctx, store.Checkpoint{
		Renaming:  inst.Renaming,
		DataID:    inst.DataID,
		VersionID: inst.VersionID,
		Producer:  producer,
		Path:      path,
		Size:      size,
	})
}

// hooks receives the decisions of the graph engine and the platform
// selector.
type hooks struct {
	r *Runtime
}

func (h *hooks) Analysed(t *task.Task, dependencyFree bool) {
	if dependencyFree {
		h.r.eventLater(t.ID, "dependency-free")
	} else {
		h.r.eventLater(t.ID, "waiting for predecessors")
	}
	if err := h.r.executor.RunTask(t); err != nil {
		h.r.wg.Go(func() { h.r.failed(t.ID, fmt.Errorf("task %d: %w: %w", t.ID, ErrTaskFailed, err)) })
	}
}

func (h *hooks) Checkpoint(inst data.DataInstance, producer int) {
	h.r.wg.Go(func() { h.r.checkpoint(inst, producer) })
}

func (h *hooks) Retired(taskID int) {
	h.r.eventLater(taskID, "retired")
	h.r.mu.Lock()
	delete(h.r.tasks, taskID)
	h.r.mu.Unlock()
}

func (h *hooks) Placed(t *task.Task, platformName string) {
	tr := h.r.lookup(t.ID)
	if tr == nil {
		return
	}
	h.r.setStatus(tr, model.StatusRunning, platformName, "")
	h.r.event(t.ID, "placed on "+platformName)
}

func (h *hooks) Rejected(t *task.Task, err error) {
	h.r.failed(t.ID, fmt.Errorf("task %d: %w: %w", t.ID, ErrTaskFailed, err))
}
