// Package analyser is the task graph engine. It orders tasks by the data they
// touch, groups them into checkpoint blocks and retires them once nothing
// can need their outputs any more.
//
// All graph state is owned by one goroutine draining a FIFO mailbox, so
// admissions, completions and checkpoint notifications are totally ordered
// and the graph needs no locking.
package analyser

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/seantiz/anvil/internal/data"
	"github.com/seantiz/anvil/internal/mailbox"
	"github.com/seantiz/anvil/internal/task"
)

// DefaultBlockSize is the number of tasks per checkpoint block.
const DefaultBlockSize = 3

// Sink receives the decisions of the analyser. Its methods are called from
// the analyser goroutine and must not block.
type Sink interface {
	// Analysed hands over an admitted task and whether it depends on any
	// task still in the graph.
	Analysed(t *task.Task, dependencyFree bool)
	// Checkpoint asks for inst to be saved durably. The outcome is reported
	// back through Saved or SaveFailed.
	Checkpoint(inst data.DataInstance, producer int)
	// Retired reports a task removed from the graph.
	Retired(taskID int)
}

type edge struct {
	from, to *node
	access   data.Access
}

type node struct {
	task     *task.Task
	block    int
	preds    []*edge
	succs    []*edge
	executed bool
	failed   bool
	saving   int
}

type pendingSave struct {
	inst     data.DataInstance
	producer *node
}

// Analyser is the task graph engine actor.
type Analyser struct {
	blockSize int
	sink      Sink
	logger    *slog.Logger
	requests  *mailbox.Mailbox[func()]

	// Owned by the Run goroutine.
	nodes       map[int]*node
	writers     map[int]int
	blocks      map[int]map[int]data.DataInstance
	current     int
	currentSize int
	saving      map[string]pendingSave
}

// New creates an analyser closing a block every blockSize tasks. A
// non-positive blockSize selects DefaultBlockSize.
func New(blockSize int, sink Sink, logger *slog.Logger) *Analyser {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Analyser{
		blockSize: blockSize,
		sink:      sink,
		logger:    logger.With("component", "analyser"),
		requests:  mailbox.New[func()](),
		nodes:     make(map[int]*node),
		writers:   make(map[int]int),
		blocks:    map[int]map[int]data.DataInstance{0: {}},
		saving:    make(map[string]pendingSave),
	}
}

// Run drains the request queue until ctx is done or Close was called and
// every queued request was handled.
func (a *Analyser) Run(ctx context.Context) error {
	a.logger.Info("analyser started", "block_size", a.blockSize)
	return a.requests.Serve(ctx, a.dispatch)
}

func (a *Analyser) dispatch(req func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("request panicked", "panic", fmt.Sprint(r))
		}
	}()
	req()
}

// Close stops accepting requests.
func (a *Analyser) Close() {
	a.requests.Close()
}

func (a *Analyser) put(req func()) error {
	if err := a.requests.Put(req); err != nil {
		return fmt.Errorf("analyser: %w", err)
	}
	return nil
}

// AddTask queues the admission of a task whose data accesses are recorded.
func (a *Analyser) AddTask(t *task.Task) error {
	return a.put(func() { a.addTask(t) })
}

// TaskFinished queues the completion of a task that executed successfully.
func (a *Analyser) TaskFinished(taskID int) error {
	return a.put(func() { a.taskFinished(taskID) })
}

// TaskFailed queues the failure of a task. Failed tasks are never retired.
func (a *Analyser) TaskFailed(taskID int) error {
	return a.put(func() { a.taskFailed(taskID) })
}

// Saved queues the notification that a checkpoint was written.
func (a *Analyser) Saved(renaming string) error {
	return a.put(func() { a.saved(renaming) })
}

// SaveFailed queues the notification that a checkpoint could not be written.
// The save stays pending and its producer stays in the graph.
func (a *Analyser) SaveFailed(renaming string, err error) error {
	return a.put(func() { a.saveFailed(renaming, err) })
}

// Snapshot returns a consistent view of the graph, taken on the analyser
// goroutine.
func (a *Analyser) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := a.put(func() { reply <- a.snapshot() }); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (a *Analyser) addTask(t *task.Task) {
	n := &node{task: t, block: a.current}
	a.nodes[t.ID] = n
	graphNodes.Inc()

	for _, p := range t.DataParams() {
		acc, ok := p.Access()
		if !ok {
			continue
		}
		dataID := acc.DataID()
		if acc.Action() != data.ActionWrite {
			if w, ok := a.writers[dataID]; ok && w != t.ID {
				if writer, live := a.nodes[w]; live {
					a.link(writer, n, acc)
					a.logger.Debug("dependency", "task_id", t.ID, "on", w, "data_id", dataID)
				}
			}
		}
		if acc.Action() != data.ActionRead {
			a.writers[dataID] = t.ID
			inst, _ := acc.WrittenInstance()
			a.blocks[a.current][dataID] = inst
			a.logger.Debug("block output", "block", a.current, "data", inst.String())
		}
	}

	a.currentSize++
	if a.currentSize == a.blockSize {
		if len(a.blocks[a.current]) == 0 {
			delete(a.blocks, a.current)
		}
		a.current++
		a.currentSize = 0
		a.blocks[a.current] = make(map[int]data.DataInstance)
	}

	free := len(n.preds) == 0
	a.logger.Debug("task analysed", "task_id", t.ID, "block", n.block, "dependency_free", free)
	a.sink.Analysed(t, free)
}

func (a *Analyser) link(from, to *node, acc data.Access) {
	e := &edge{from: from, to: to, access: acc}
	from.succs = append(from.succs, e)
	to.preds = append(to.preds, e)
}

func (a *Analyser) unlink(e *edge) {
	e.from.succs = slices.DeleteFunc(e.from.succs, func(x *edge) bool { return x == e })
	e.to.preds = slices.DeleteFunc(e.to.preds, func(x *edge) bool { return x == e })
}

func (a *Analyser) taskFinished(taskID int) {
	n, ok := a.nodes[taskID]
	if !ok {
		a.logger.Warn("finished task is not in the graph", "task_id", taskID)
		return
	}
	n.executed = true

	outputs := a.blocks[n.block]
	saves := 0
	for _, p := range n.task.DataParams() {
		acc, ok := p.Access()
		if !ok {
			continue
		}
		inst, writes := acc.WrittenInstance()
		if !writes {
			continue
		}
		if final, ok := outputs[inst.DataID]; ok && final.VersionID == inst.VersionID {
			a.save(n, inst)
			saves++
		}
	}
	if saves == 0 {
		a.tryRetire(n)
	}
}

func (a *Analyser) save(n *node, inst data.DataInstance) {
	a.saving[inst.Renaming] = pendingSave{inst: inst, producer: n}
	n.saving++
	checkpointsPending.Inc()
	a.logger.Debug("checkpoint scheduled", "task_id", n.task.ID, "block", n.block, "data", inst.String())
	a.sink.Checkpoint(inst, n.task.ID)
}

func (a *Analyser) saved(renaming string) {
	ps, ok := a.saving[renaming]
	if !ok {
		a.logger.Warn("saved data was not pending", "renaming", renaming)
		return
	}
	delete(a.saving, renaming)
	checkpointsPending.Dec()
	n := ps.producer
	n.saving--

	// Readers of the saved version can get it from the checkpoint: the
	// producer no longer has to be kept for them.
	for _, e := range slices.Clone(n.succs) {
		if r, ok := e.access.ReadInstance(); ok && r.Renaming == renaming {
			a.unlink(e)
		}
	}

	if outputs, ok := a.blocks[n.block]; ok {
		if cur, ok := outputs[ps.inst.DataID]; ok && cur.VersionID == ps.inst.VersionID {
			delete(outputs, ps.inst.DataID)
		}
		if len(outputs) == 0 && n.block != a.current {
			delete(a.blocks, n.block)
		}
	}
	a.logger.Debug("checkpoint saved", "task_id", n.task.ID, "data", ps.inst.String())
	a.tryRetire(n)
}

func (a *Analyser) saveFailed(renaming string, err error) {
	checkpointFailures.Inc()
	ps, ok := a.saving[renaming]
	if !ok {
		a.logger.Warn("failed save was not pending", "renaming", renaming, "error", err)
		return
	}
	a.logger.Error("checkpoint failed", "task_id", ps.producer.task.ID, "data", ps.inst.String(), "error", err)
}

func (a *Analyser) taskFailed(taskID int) {
	n, ok := a.nodes[taskID]
	if !ok {
		a.logger.Warn("failed task is not in the graph", "task_id", taskID)
		return
	}
	n.failed = true
	a.logger.Debug("task failed", "task_id", taskID)
}

// tryRetire removes n once it executed, nothing depends on it and none of
// its checkpoints is pending, then retries its predecessors.
func (a *Analyser) tryRetire(n *node) {
	if !n.executed || n.failed || n.saving > 0 || len(n.succs) > 0 {
		return
	}
	id := n.task.ID
	if _, live := a.nodes[id]; !live {
		return
	}
	delete(a.nodes, id)
	for dataID, w := range a.writers {
		if w == id {
			delete(a.writers, dataID)
		}
	}
	graphNodes.Dec()
	tasksRetired.Inc()
	a.logger.Debug("task retired", "task_id", id)
	a.sink.Retired(id)

	preds := n.preds
	n.preds = nil
	for _, e := range preds {
		e.from.succs = slices.DeleteFunc(e.from.succs, func(x *edge) bool { return x == e })
		a.tryRetire(e.from)
	}
}

// NodeState describes one task in the graph.
type NodeState struct {
	TaskID       int    `json:"task_id"`
	Signature    string `json:"signature"`
	Block        int    `json:"block"`
	Executed     bool   `json:"executed"`
	Failed       bool   `json:"failed"`
	PendingSaves int    `json:"pending_saves"`
	Predecessors []int  `json:"predecessors"`
	Successors   []int  `json:"successors"`
}

// BlockState describes the outputs a block still has to checkpoint.
type BlockState struct {
	ID      int                 `json:"id"`
	Outputs []data.DataInstance `json:"outputs"`
}

// Snapshot is a point-in-time view of the graph.
type Snapshot struct {
	Nodes        []NodeState  `json:"nodes"`
	Blocks       []BlockState `json:"blocks"`
	CurrentBlock int          `json:"current_block"`
	PendingSaves []string     `json:"pending_saves"`
}

func (a *Analyser) snapshot() Snapshot {
	s := Snapshot{CurrentBlock: a.current}
	for _, n := range a.nodes {
		ns := NodeState{
			TaskID:       n.task.ID,
			Signature:    n.task.Signature,
			Block:        n.block,
			Executed:     n.executed,
			Failed:       n.failed,
			PendingSaves: n.saving,
		}
		for _, e := range n.preds {
			ns.Predecessors = append(ns.Predecessors, e.from.task.ID)
		}
		for _, e := range n.succs {
			ns.Successors = append(ns.Successors, e.to.task.ID)
		}
		s.Nodes = append(s.Nodes, ns)
	}
	sort.Slice(s.Nodes, func(i, j int) bool { return s.Nodes[i].TaskID < s.Nodes[j].TaskID })

	for id, outputs := range a.blocks {
		bs := BlockState{ID: id}
		for _, inst := range outputs {
			bs.Outputs = append(bs.Outputs, inst)
		}
		sort.Slice(bs.Outputs, func(i, j int) bool { return bs.Outputs[i].DataID < bs.Outputs[j].DataID })
		s.Blocks = append(s.Blocks, bs)
	}
	sort.Slice(s.Blocks, func(i, j int) bool { return s.Blocks[i].ID < s.Blocks[j].ID })

	for r := range a.saving {
		s.PendingSaves = append(s.PendingSaves, r)
	}
	sort.Strings(s.PendingSaves)
	return s
}
