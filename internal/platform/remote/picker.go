package remote

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/seantiz/anvil/internal/profile"
)

// Parameter positions used by Ref.Param besides regular argument indexes.
const (
	TargetParam = -1
	ResultParam = -2
)

// Ref is a value a task moves to or from its node.
type Ref struct {
	Renaming string
	Size     int64
	// Param is the argument index, TargetParam or ResultParam.
	Param int
}

// Picker chooses the node each offloaded task runs on.
type Picker interface {
	Pick(taskID int, in, out []Ref) string
	// Finished tells the picker where the task really ran and what it
	// produced.
	Finished(taskID int, jp profile.JobProfile, runner string)
}

// Picker policies.
const (
	PolicyRoundRobin   = "round_robin"
	PolicyDataLocality = "data_locality"
)

// NewPicker builds the picker named by policy over nodes.
func NewPicker(policy string, nodes []string) (Picker, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%s picker needs at least one node", policy)
	}
	switch policy {
	case "", PolicyRoundRobin:
		return NewRoundRobin(nodes), nil
	case PolicyDataLocality:
		return NewDataLocality(nodes), nil
	default:
		return nil, fmt.Errorf("unknown node policy %q", policy)
	}
}

// RoundRobin cycles through the nodes.
type RoundRobin struct {
	mu    sync.Mutex
	nodes []string
	next  int
}

// NewRoundRobin creates a picker cycling through nodes in order.
func NewRoundRobin(nodes []string) *RoundRobin {
	return &RoundRobin{nodes: slices.Clone(nodes)}
}

// Pick returns the next node.
func (r *RoundRobin) Pick(int, []Ref, []Ref) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	node := r.nodes[r.next%len(r.nodes)]
	r.next++
	return node
}

// Finished is a no-op.
func (r *RoundRobin) Finished(int, profile.JobProfile, string) {}

type replicas struct {
	size  int64
	nodes map[string]int
}

func (d *replicas) add(node string) {
	d.nodes[node]++
}

func (d *replicas) remove(node string) {
	if d.nodes[node] > 1 {
		d.nodes[node]--
		return
	}
	delete(d.nodes, node)
}

type assignment struct {
	node string
	in   []string
	out  []Ref
}

// DataLocality sends a task to the node already holding the most bytes of
// its inputs, falling back to round robin when no input has been placed yet.
// Replica counts assume every task runs where it was sent and are corrected
// when a task reports a different runner.
type DataLocality struct {
	rr *RoundRobin

	mu       sync.Mutex
	data     map[string]*replicas
	assigned map[int]assignment
}

// NewDataLocality creates a data locality picker over nodes.
func NewDataLocality(nodes []string) *DataLocality {
	return &DataLocality{
		rr:       NewRoundRobin(nodes),
		data:     make(map[string]*replicas),
		assigned: make(map[int]assignment),
	}
}

// lookup returns the replica bookkeeping of a renaming. The size is only
// taken from the first reference. Callers hold d.mu.
func (d *DataLocality) lookup(r Ref) *replicas {
	rep, ok := d.data[r.Renaming]
	if !ok {
		rep = &replicas{size: r.Size, nodes: make(map[string]int)}
		d.data[r.Renaming] = rep
	}
	return rep
}

// Pick returns the node holding the most input bytes.
func (d *DataLocality) Pick(taskID int, in, out []Ref) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	score := make(map[string]int64)
	var (
		node string
		top  int64 = -1
	)
	for _, r := range in {
		rep := d.lookup(r)
		for _, n := range slices.Sorted(maps.Keys(rep.nodes)) {
			score[n] += rep.size
			if score[n] > top {
				node, top = n, score[n]
			}
		}
	}
	if node == "" {
		node = d.rr.Pick(taskID, in, out)
	}

	a := assignment{node: node, out: slices.Clone(out)}
	for _, r := range in {
		d.lookup(r).add(node)
		a.in = append(a.in, r.Renaming)
	}
	for _, r := range out {
		d.lookup(r).add(node)
	}
	d.assigned[taskID] = a
	return node
}

// Finished records the measured output sizes and moves the task's replicas
// to the node that really ran it.
func (d *DataLocality) Finished(taskID int, jp profile.JobProfile, runner string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.assigned[taskID]
	if !ok {
		return
	}
	delete(d.assigned, taskID)
	moved := runner != "" && runner != a.node

	for _, r := range a.out {
		rep := d.lookup(r)
		switch {
		case r.Param == ResultParam:
			rep.size = jp.Result
		case r.Param == TargetParam:
			rep.size = jp.Target.Out
		case r.Param >= 0 && r.Param < len(jp.Params):
			rep.size = jp.Params[r.Param].Out
		}
		if moved {
			rep.remove(a.node)
			rep.add(runner)
		}
	}
	if moved {
		for _, renaming := range a.in {
			rep := d.data[renaming]
			rep.remove(a.node)
			rep.add(runner)
		}
	}
}

// Replicas returns how many replicas of renaming each node is expected to
// hold.
func (d *DataLocality) Replicas(renaming string) map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	rep, ok := d.data[renaming]
	if !ok {
		return nil
	}
	return maps.Clone(rep.nodes)
}
