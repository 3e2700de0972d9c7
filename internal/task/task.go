// Package task defines the invocation requests the runtime schedules: tasks,
// their parameters, and the core elements and implementations they resolve to.
package task

import (
	"errors"
	"fmt"

	"github.com/seantiz/anvil/internal/data"
)

// ErrMalformedTask is returned when a task's parameters and data accesses do
// not agree. Such tasks are rejected before they reach the graph.
var ErrMalformedTask = errors.New("malformed task")

// ParamKind tags the variant of a Parameter.
type ParamKind int

const (
	KindBasic ParamKind = iota
	KindObject
	KindFile
)

func (k ParamKind) String() string {
	switch k {
	case KindBasic:
		return "basic"
	case KindObject:
		return "object"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("param(%d)", int(k))
	}
}

// Parameter is one argument of a task. Basic parameters carry a literal in
// Value; object and file parameters name a registered data item through Key
// (the file path for files) and gain a Binding once their access is recorded.
type Parameter struct {
	Kind      ParamKind
	Direction data.Direction
	Value     any
	Key       string
	Binding   *data.Binding
}

// Basic returns an input literal parameter.
func Basic(v any) Parameter {
	return Parameter{Kind: KindBasic, Direction: data.In, Value: v}
}

// Object returns an object parameter on the item registered under key.
func Object(key string, dir data.Direction) Parameter {
	return Parameter{Kind: KindObject, Direction: dir, Key: key}
}

// File returns a file parameter on path.
func File(path string, dir data.Direction) Parameter {
	return Parameter{Kind: KindFile, Direction: dir, Key: path}
}

// HasData reports whether the parameter refers to a registered data item.
func (p *Parameter) HasData() bool {
	switch p.Kind {
	case KindBasic:
		return false
	case KindObject, KindFile:
		return true
	default:
		panic(fmt.Sprintf("task: unexpected parameter kind %v", p.Kind))
	}
}

// Access returns the recorded data access, if any.
func (p *Parameter) Access() (data.Access, bool) {
	if p.Binding == nil {
		return data.Access{}, false
	}
	return p.Binding.Access, true
}

// Task is one invocation request.
type Task struct {
	ID        int
	CoreID    int
	Signature string
	Params    []Parameter

	// Target is the object the operation is invoked on; it is always
	// accessed INOUT.
	Target *Parameter
	// Result receives the return value; it is always accessed OUT.
	Result *Parameter
}

// DataParams returns the parameters touching registered data, in order:
// object/file arguments, then target, then result.
func (t *Task) DataParams() []*Parameter {
	var out []*Parameter
	for i := range t.Params {
		if t.Params[i].HasData() {
			out = append(out, &t.Params[i])
		}
	}
	if t.Target != nil {
		out = append(out, t.Target)
	}
	if t.Result != nil {
		out = append(out, t.Result)
	}
	return out
}

// Accesses returns the data accesses recorded for the task, in DataParams
// order.
func (t *Task) Accesses() []data.Access {
	var out []data.Access
	for _, p := range t.DataParams() {
		if a, ok := p.Access(); ok {
			out = append(out, a)
		}
	}
	return out
}

func (t *Task) String() string {
	return fmt.Sprintf("task %d (%s)", t.ID, t.Signature)
}

// ValidateShape checks the parameter list before any access is registered.
func (t *Task) ValidateShape() error {
	for i := range t.Params {
		p := &t.Params[i]
		switch p.Kind {
		case KindBasic:
			if p.Direction != data.In {
				return fmt.Errorf("%s: parameter %d: basic value with direction %s: %w", t, i, p.Direction, ErrMalformedTask)
			}
		case KindObject, KindFile:
			if p.Key == "" {
				return fmt.Errorf("%s: parameter %d: %s without key: %w", t, i, p.Kind, ErrMalformedTask)
			}
		default:
			return fmt.Errorf("%s: parameter %d: kind %v: %w", t, i, p.Kind, ErrMalformedTask)
		}
	}
	if t.Target != nil && (t.Target.Kind != KindObject || t.Target.Direction != data.InOut || t.Target.Key == "") {
		return fmt.Errorf("%s: target must be an INOUT object: %w", t, ErrMalformedTask)
	}
	if t.Result != nil && (t.Result.Kind != KindObject || t.Result.Direction != data.Out || t.Result.Key == "") {
		return fmt.Errorf("%s: result must be an OUT object: %w", t, ErrMalformedTask)
	}
	return nil
}

// Validate checks that every data parameter has a recorded access whose
// kind matches the parameter direction.
func (t *Task) Validate() error {
	if err := t.ValidateShape(); err != nil {
		return err
	}
	for i, p := range t.DataParams() {
		a, ok := p.Access()
		if !ok {
			return fmt.Errorf("%s: data parameter %d has no access: %w", t, i, ErrMalformedTask)
		}
		if !a.Matches(p.Direction) {
			return fmt.Errorf("%s: data parameter %d: %s access for %s parameter: %w",
				t, i, a.Action(), p.Direction, ErrMalformedTask)
		}
	}
	return nil
}
