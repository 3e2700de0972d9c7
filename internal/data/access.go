package data

import (
	"fmt"
	"strings"
)

// Direction is how a task parameter uses its data.
type Direction int

const (
	In Direction = iota
	Out
	InOut
)

func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	case InOut:
		return "inout"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection converts "in", "out" or "inout" into a Direction.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return In, nil
	case "out":
		return Out, nil
	case "inout":
		return InOut, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

// Action is the kind of a data access.
type Action int

const (
	ActionRead Action = iota
	ActionWrite
	ActionUpdate
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "READ"
	case ActionWrite:
		return "WRITE"
	case ActionUpdate:
		return "UPDATE"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Access describes which versions a task parameter reads and produces.
// READ carries the read instance, WRITE the written one, UPDATE both.
type Access struct {
	action  Action
	read    DataInstance
	written DataInstance
}

// ReadAccess returns a READ access on inst.
func ReadAccess(inst DataInstance) Access {
	return Access{action: ActionRead, read: inst}
}

// WriteAccess returns a WRITE access producing inst.
func WriteAccess(inst DataInstance) Access {
	return Access{action: ActionWrite, written: inst}
}

// UpdateAccess returns an UPDATE access reading r and producing w.
func UpdateAccess(r, w DataInstance) Access {
	return Access{action: ActionUpdate, read: r, written: w}
}

// Action returns the access kind.
func (a Access) Action() Action { return a.action }

// DataID returns the logical data item the access refers to.
func (a Access) DataID() int {
	switch a.action {
	case ActionRead:
		return a.read.DataID
	case ActionWrite, ActionUpdate:
		return a.written.DataID
	default:
		panic(fmt.Sprintf("data: unexpected access %v", a.action))
	}
}

// ReadInstance returns the version read, if the access reads.
func (a Access) ReadInstance() (DataInstance, bool) {
	switch a.action {
	case ActionRead, ActionUpdate:
		return a.read, true
	case ActionWrite:
		return DataInstance{}, false
	default:
		panic(fmt.Sprintf("data: unexpected access %v", a.action))
	}
}

// WrittenInstance returns the version produced, if the access writes.
func (a Access) WrittenInstance() (DataInstance, bool) {
	switch a.action {
	case ActionWrite, ActionUpdate:
		return a.written, true
	case ActionRead:
		return DataInstance{}, false
	default:
		panic(fmt.Sprintf("data: unexpected access %v", a.action))
	}
}

// Direction returns the parameter direction matching the access.
func (a Access) Direction() Direction {
	switch a.action {
	case ActionRead:
		return In
	case ActionWrite:
		return Out
	default:
		return InOut
	}
}

// Matches reports whether the access is consistent with a parameter direction.
func (a Access) Matches(dir Direction) bool {
	return a.Direction() == dir
}

func (a Access) String() string {
	switch a.action {
	case ActionRead:
		return fmt.Sprintf("R(%s)", a.read)
	case ActionWrite:
		return fmt.Sprintf("W(%s)", a.written)
	default:
		return fmt.Sprintf("RW(%s->%s)", a.read, a.written)
	}
}
