package data

import (
	"fmt"
	"sync"
)

// Location is a bitmask of where a registered value currently lives.
type Location uint8

const (
	Local Location = 1 << iota
	Remote
)

// Has reports whether every bit of o is set in l.
func (l Location) Has(o Location) bool { return l&o == o }

func (l Location) String() string {
	switch l {
	case Local:
		return "L"
	case Remote:
		return "R"
	case Local | Remote:
		return "LR"
	default:
		return "-"
	}
}

// Kind tags the variant held by a Value.
type Kind int

const (
	KindObject Kind = iota
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Codec turns an in-memory object into its transferable byte form.
type Codec interface {
	Marshal(v any) ([]byte, error)
}

// Value is the payload registered for one version: either an in-memory
// object or a file. It is safe for concurrent use.
//
// Object reads block until the value is local. There is no timeout and no
// cancellation: a caller waiting on a value nobody will ever produce blocks
// forever.
type Value struct {
	kind Kind

	mu        sync.Mutex
	available *sync.Cond
	location  Location

	// object variant
	object     any
	serialized []byte
	keepObject bool

	// file variant
	path string
}

// NewObject wraps an in-memory object.
func NewObject(o any) *Value {
	v := &Value{kind: KindObject, object: o, keepObject: true}
	v.available = sync.NewCond(&v.mu)
	return v
}

// NewFile wraps a file path.
func NewFile(path string) *Value {
	v := &Value{kind: KindFile, path: path}
	v.available = sync.NewCond(&v.mu)
	return v
}

// Kind returns the variant tag.
func (v *Value) Kind() Kind { return v.kind }

// Location returns the current location bitmask.
func (v *Value) Location() Location {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.location
}

// IsLocal reports whether the value is present in the orchestrating process.
func (v *Value) IsLocal() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.location&Local != 0
}

// AddLocation marks the value as present at l.
func (v *Value) AddLocation(l Location) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.addLocation(l)
}

func (v *Value) addLocation(l Location) {
	v.location |= l
	if l&Local != 0 {
		v.available.Broadcast()
	}
}

// RemoveLocation clears l from the location bitmask.
func (v *Value) RemoveLocation(l Location) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.location &^= l
}

// Object returns the object, suspending the caller until it is local. For
// files it returns the path.
func (v *Value) Object() any {
	switch v.kind {
	case KindObject:
		v.mu.Lock()
		defer v.mu.Unlock()
		for v.location&Local == 0 {
			v.available.Wait()
		}
		return v.object
	case KindFile:
		return v.path
	default:
		panic(fmt.Sprintf("data: unexpected value kind %v", v.kind))
	}
}

// Peek returns the object without waiting; ok is false when it is not local.
func (v *Value) Peek() (any, bool) {
	switch v.kind {
	case KindObject:
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.location&Local == 0 {
			return nil, false
		}
		return v.object, true
	case KindFile:
		return v.path, true
	default:
		panic(fmt.Sprintf("data: unexpected value kind %v", v.kind))
	}
}

// SetObject supplies the object, marks it local and wakes every waiter.
func (v *Value) SetObject(o any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch v.kind {
	case KindObject:
		v.object = o
	case KindFile:
		if p, ok := o.(string); ok {
			v.path = p
		}
	}
	v.addLocation(Local)
}

// Path returns the file path of a file value.
func (v *Value) Path() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.path
}

// Serialized returns the transferable bytes produced by Materialize.
func (v *Value) Serialized() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.serialized
}

// IsMaterialized reports whether the value is already in transferable form.
// Files always are.
func (v *Value) IsMaterialized() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.isMaterialized()
}

func (v *Value) isMaterialized() bool {
	switch v.kind {
	case KindObject:
		return v.serialized != nil
	case KindFile:
		return true
	default:
		panic(fmt.Sprintf("data: unexpected value kind %v", v.kind))
	}
}

// Materialize converts the object into bytes so that offloaded readers keep
// a valid copy after the in-memory object moves on. Files need no work.
func (v *Value) Materialize(c Codec) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.materialize(c)
}

func (v *Value) materialize(c Codec) error {
	switch v.kind {
	case KindObject:
		b, err := c.Marshal(v.object)
		if err != nil {
			return fmt.Errorf("materialize object: %w", err)
		}
		v.serialized = b
		if !v.keepObject {
			v.object = nil
		}
		return nil
	case KindFile:
		return nil
	default:
		panic(fmt.Sprintf("data: unexpected value kind %v", v.kind))
	}
}

// spawnRemoteTwin creates the value for a version that will be produced
// outside the orchestrating process. The twin carries no payload.
func (v *Value) spawnRemoteTwin() *Value {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch v.kind {
	case KindObject:
		v.keepObject = false
		if v.isMaterialized() {
			v.object = nil
		}
		return NewObject(nil)
	case KindFile:
		return NewFile(v.path)
	default:
		panic(fmt.Sprintf("data: unexpected value kind %v", v.kind))
	}
}

// reclaim makes v own its object again after the version that was to
// replace it has been reverted.
func (v *Value) reclaim() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.kind == KindObject && v.object != nil {
		v.keepObject = true
	}
}

// spawnLocalTwin moves the payload into a new value for a version produced
// by the orchestrating process itself; v is no longer local afterwards.
func (v *Value) spawnLocalTwin() *Value {
	v.mu.Lock()
	defer v.mu.Unlock()
	var twin *Value
	switch v.kind {
	case KindObject:
		twin = NewObject(v.object)
		v.keepObject = false
		v.object = nil
	case KindFile:
		twin = NewFile(v.path)
	default:
		panic(fmt.Sprintf("data: unexpected value kind %v", v.kind))
	}
	if v.location&Local != 0 {
		twin.location |= Local
	}
	v.location &^= Local
	return twin
}
