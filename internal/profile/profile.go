package profile

import (
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ParamSize is the measured size in bytes of one parameter before (In) and
// after (Out) execution. Zero means the side does not apply.
type ParamSize struct {
	In  int64 `json:"in"`
	Out int64 `json:"out"`
}

// JobProfile is the measurement of one completed job.
type JobProfile struct {
	TaskID   int    `json:"task_id"`
	CoreID   int    `json:"core_id"`
	ImplID   int    `json:"impl_id"`
	Platform string `json:"platform"`
	Runner   string `json:"runner"`
	Worker   int    `json:"worker"`

	Wait          time.Duration `json:"wait"`
	ExecutionTime time.Duration `json:"execution_time"`
	// Energy is the estimated consumption in millijoules.
	Energy float64 `json:"energy"`

	Params []ParamSize `json:"params"`
	Target ParamSize   `json:"target"`
	Result int64       `json:"result"`
}

// Millis returns the execution time in milliseconds, the unit every time
// forecast uses.
func (jp JobProfile) Millis() float64 {
	return float64(jp.ExecutionTime) / float64(time.Millisecond)
}

func (jp JobProfile) String() string {
	return fmt.Sprintf("job %d core %d impl %d on %s: %s, %.0f mJ",
		jp.TaskID, jp.CoreID, jp.ImplID, jp.Platform, jp.ExecutionTime, jp.Energy)
}

// Default is a prior profile for an implementation.
type Default struct {
	Time   MinMax `yaml:"time" json:"time"`
	Energy MinMax `yaml:"energy" json:"energy"`
}

// UnmarshalYAML accepts either a two-element sequence [min, max] or a
// mapping with min and max keys.
func (m *MinMax) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var pair []float64
		if err := node.Decode(&pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("line %d: interval needs 2 values, got %d", node.Line, len(pair))
		}
		if pair[0] > pair[1] {
			return fmt.Errorf("line %d: interval min %g exceeds max %g", node.Line, pair[0], pair[1])
		}
		m.Min, m.Max = pair[0], pair[1]
		return nil
	case yaml.MappingNode:
		type plain MinMax
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		*m = MinMax(p)
		return nil
	default:
		var v float64
		if err := node.Decode(&v); err != nil {
			return fmt.Errorf("line %d: invalid interval: %w", node.Line, err)
		}
		*m = Point(v)
		return nil
	}
}

// Impl is the profile of one implementation on one platform.
type Impl struct {
	mu         sync.Mutex
	implID     int
	executions int
	time       Range
	energy     Range
}

// NewImpl creates an empty implementation profile.
func NewImpl(implID int) *Impl {
	return &Impl{implID: implID}
}

// NewImplWithDefault creates an implementation profile seeded with d. The
// first measured job replaces the seed.
func NewImplWithDefault(implID int, d Default) *Impl {
	p := &Impl{implID: implID}
	p.time.Seed(d.Time)
	p.energy.Seed(d.Energy)
	return p
}

// Register folds a measured job into the profile.
func (p *Impl) Register(jp JobProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executions++
	p.time.Observe(jp.Millis())
	p.energy.Observe(jp.Energy)
}

// Restore installs persisted aggregates.
func (p *Impl) Restore(executions int, timeMS, energy MinMax) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executions = executions
	p.time.Restore(timeMS, executions)
	p.energy.Restore(energy, executions)
}

// ExecutionTime returns the execution time interval in milliseconds.
func (p *Impl) ExecutionTime() MinMax {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.time.Interval()
}

// Energy returns the energy interval in millijoules.
func (p *Impl) Energy() MinMax {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.energy.Interval()
}

// Executions returns the number of measured jobs.
func (p *Impl) Executions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.executions
}

// ImplID returns the implementation the profile describes.
func (p *Impl) ImplID() int { return p.implID }

type sizeRange struct {
	in, out Range
}

func (s *sizeRange) observe(ps ParamSize) {
	if ps.In > 0 {
		s.in.Observe(float64(ps.In))
	}
	if ps.Out > 0 {
		s.out.Observe(float64(ps.Out))
	}
}

// Core tracks the data sizes a core element's parameters take, across all
// implementations and platforms.
type Core struct {
	mu     sync.Mutex
	params []sizeRange
	target sizeRange
	result Range
}

// NewCore creates an empty size profile.
func NewCore() *Core {
	return &Core{}
}

// Register folds a measured job's sizes into the profile.
func (c *Core) Register(jp JobProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.params) < len(jp.Params) {
		c.params = append(c.params, sizeRange{})
	}
	for i, ps := range jp.Params {
		c.params[i].observe(ps)
	}
	c.target.observe(jp.Target)
	if jp.Result > 0 {
		c.result.Observe(float64(jp.Result))
	}
}

// ParamIn returns the input size interval of parameter i.
func (c *Core) ParamIn(i int) MinMax {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.params) {
		return MinMax{}
	}
	return c.params[i].in.Interval()
}

// ParamOut returns the output size interval of parameter i.
func (c *Core) ParamOut(i int) MinMax {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.params) {
		return MinMax{}
	}
	return c.params[i].out.Interval()
}

// TargetIn returns the target object's size before execution.
func (c *Core) TargetIn() MinMax {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target.in.Interval()
}

// TargetOut returns the target object's size after execution.
func (c *Core) TargetOut() MinMax {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target.out.Interval()
}

// Result returns the result size interval.
func (c *Core) Result() MinMax {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result.Interval()
}

// Aggregate is the persisted summary of every sample of one implementation
// on one platform.
type Aggregate struct {
	Platform string `json:"platform"`
	CoreID   int    `json:"core_id"`
	ImplID   int    `json:"impl_id"`
	Samples  int    `json:"samples"`
	TimeMS   MinMax `json:"time_ms"`
	Energy   MinMax `json:"energy"`
}
