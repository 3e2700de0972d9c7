package data

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrUnknownData is returned when an access names an item that was never
	// registered (or has been deleted).
	ErrUnknownData = errors.New("unknown data item")
	// ErrUnsupported is returned for access combinations the registry cannot
	// express.
	ErrUnsupported = errors.New("unsupported data access")
)

// Origin tells the registry who performs an access.
type Origin int

const (
	// OriginLocal is an access made by the orchestrating process itself.
	OriginLocal Origin = iota
	// OriginRemote is an access made on behalf of a task.
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// Version pairs a DataInstance with its registered value and reader count.
type Version struct {
	instance DataInstance
	value    *Value
	readers  int
}

// Instance returns the version's identity.
func (v *Version) Instance() DataInstance { return v.instance }

// Value returns the registered value.
func (v *Version) Value() *Value { return v.value }

// Item is a logical data item and its live versions, oldest first.
type Item struct {
	id          int
	versions    []*Version
	lastVersion int
}

// ID returns the item's data id.
func (it *Item) ID() int { return it.id }

func (it *Item) current() *Version {
	return it.versions[len(it.versions)-1]
}

func (it *Item) version(versionID int) *Version {
	for _, v := range it.versions {
		if v.instance.VersionID == versionID {
			return v
		}
	}
	return nil
}

// Binding is the result of registering an access: the access descriptor and
// the values of the versions it reads and writes. Holding the values keeps a
// producer able to deliver its output even after the version has left the
// lookup index.
type Binding struct {
	Access  Access
	Read    *Value
	Written *Value

	superseded *Version
}

// Registry owns every logical data item, keyed by the application handle K.
// All methods are safe for concurrent use.
type Registry[K comparable] struct {
	mu         sync.Mutex
	codec      Codec
	stamp      string
	lastID     int
	items      map[K]*Item
	byRenaming map[string]*Version
	keys       map[int]K
}

// NewRegistry creates an empty registry. The codec materializes in-memory
// objects before their version is handed to offloaded readers.
func NewRegistry[K comparable](codec Codec) *Registry[K] {
	return &Registry[K]{
		codec:      codec,
		stamp:      strings.ToLower(ulid.Make().String()),
		items:      make(map[K]*Item),
		byRenaming: make(map[string]*Version),
		keys:       make(map[int]K),
	}
}

// Register creates a new item whose first version holds initial and is
// marked LOCAL. Registering a known key is a no-op returning the existing
// item.
func (r *Registry[K]) Register(key K, initial *Value) *Item {
	r.mu.Lock()
	defer r.mu.Unlock()

	if it, ok := r.items[key]; ok {
		return it
	}
	r.lastID++
	it := &Item{id: r.lastID}
	initial.AddLocation(Local)
	r.addVersion(it, initial)
	r.items[key] = it
	r.keys[it.id] = key
	return it
}

// Find returns the item registered under key.
func (r *Registry[K]) Find(key K) (*Item, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[key]
	return it, ok
}

// Current returns the current version of the item registered under key.
func (r *Registry[K]) Current(key K) (DataInstance, *Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[key]
	if !ok {
		return DataInstance{}, nil, fmt.Errorf("current %v: %w", key, ErrUnknownData)
	}
	cur := it.current()
	return cur.instance, cur.value, nil
}

// Lookup returns the value registered for a renaming, if that version is
// still live.
func (r *Registry[K]) Lookup(renaming string) (*Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.byRenaming[renaming]
	if !ok {
		return nil, false
	}
	return v.value, true
}

// Readers returns the reader count of a live version.
func (r *Registry[K]) Readers(renaming string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.byRenaming[renaming]
	if !ok {
		return 0, false
	}
	return v.readers, true
}

// RegisterAccess records an access of the given direction on the item
// registered under key and returns the versions it binds to.
//
// Accesses made on behalf of tasks always allocate a fresh version for their
// write side. Local UPDATEs reuse the current version in place when nobody
// reads it, it was never materialized and it only lives locally.
func (r *Registry[K]) RegisterAccess(dir Direction, key K, origin Origin) (Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	it, ok := r.items[key]
	if !ok {
		return Binding{}, fmt.Errorf("register %s access on %v: %w", dir, key, ErrUnknownData)
	}

	switch dir {
	case In:
		cur := it.current()
		cur.readers++
		return Binding{Access: ReadAccess(cur.instance), Read: cur.value}, nil
	case Out:
		if origin == OriginLocal {
			return r.localWrite(it, false)
		}
		return r.remoteWrite(it, false), nil
	case InOut:
		if origin == OriginLocal {
			return r.localWrite(it, true)
		}
		return r.remoteWrite(it, true), nil
	default:
		return Binding{}, fmt.Errorf("register %s access on %v: %w", dir, key, ErrUnsupported)
	}
}

func (r *Registry[K]) remoteWrite(it *Item, update bool) Binding {
	old := it.current()
	if update {
		old.readers++
	}
	next := r.addVersion(it, old.value.spawnRemoteTwin())
	r.discardIfUnused(it, old)

	if update {
		return Binding{
			Access:     UpdateAccess(old.instance, next.instance),
			Read:       old.value,
			Written:    next.value,
			superseded: old,
		}
	}
	return Binding{Access: WriteAccess(next.instance), Written: next.value, superseded: old}
}

func (r *Registry[K]) localWrite(it *Item, update bool) (Binding, error) {
	old := it.current()

	if old.readers == 0 && !old.value.IsMaterialized() && old.value.Location() == Local {
		b := Binding{Access: WriteAccess(old.instance), Written: old.value}
		if update {
			b.Access = UpdateAccess(old.instance, old.instance)
			b.Read = old.value
		}
		return b, nil
	}

	if old.readers > 0 {
		if err := old.value.Materialize(r.codec); err != nil {
			return Binding{}, fmt.Errorf("local %s on %s: %w", accessVerb(update), old.instance, err)
		}
	}
	next := r.addVersion(it, old.value.spawnLocalTwin())
	r.discardIfUnused(it, old)

	if update {
		return Binding{
			Access:  UpdateAccess(old.instance, next.instance),
			Read:    next.value,
			Written: next.value,
		}, nil
	}
	return Binding{Access: WriteAccess(next.instance), Written: next.value}, nil
}

// Revert undoes the write side of an access registered for a task that was
// then rejected. The written version leaves the registry and the version it
// superseded becomes current again. Nothing happens once the written version
// has readers or a newer version exists. It reports whether the write was
// undone.
func (r *Registry[K]) Revert(b Binding) bool {
	w, ok := b.Access.WrittenInstance()
	if !ok || b.superseded == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.keys[w.DataID]
	if !ok {
		return false
	}
	it := r.items[key]
	cur := it.current()
	if cur.instance != w || cur.readers > 0 {
		return false
	}
	it.versions = it.versions[:len(it.versions)-1]
	delete(r.byRenaming, w.Renaming)

	prev := b.superseded
	if !slices.Contains(it.versions, prev) {
		it.versions = append(it.versions, prev)
		r.byRenaming[prev.instance.Renaming] = prev
	}
	prev.value.reclaim()
	return true
}

func accessVerb(update bool) string {
	if update {
		return "update"
	}
	return "write"
}

// ReleaseRead drops one reader from the version a finished task read. A
// version that is no longer current is discarded once its last reader leaves.
func (r *Registry[K]) ReleaseRead(inst DataInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.byRenaming[inst.Renaming]
	if !ok || v.readers == 0 {
		return
	}
	v.readers--
	key, ok := r.keys[inst.DataID]
	if !ok {
		return
	}
	r.discardIfUnused(r.items[key], v)
}

// Delete removes the item registered under key and every renaming of its
// versions. It reports whether the key was known.
func (r *Registry[K]) Delete(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	it, ok := r.items[key]
	if !ok {
		return false
	}
	for _, v := range it.versions {
		delete(r.byRenaming, v.instance.Renaming)
	}
	delete(r.items, key)
	delete(r.keys, it.id)
	return true
}

func (r *Registry[K]) addVersion(it *Item, val *Value) *Version {
	it.lastVersion++
	v := &Version{
		instance: DataInstance{
			DataID:    it.id,
			VersionID: it.lastVersion,
			Renaming:  renaming(it.id, it.lastVersion, r.stamp),
		},
		value: val,
	}
	it.versions = append(it.versions, v)
	r.byRenaming[v.instance.Renaming] = v
	return v
}

func (r *Registry[K]) discardIfUnused(it *Item, v *Version) {
	if it == nil || v.readers > 0 || it.current() == v {
		return
	}
	it.versions = slices.DeleteFunc(it.versions, func(x *Version) bool { return x == v })
	delete(r.byRenaming, v.instance.Renaming)
}

// VersionState describes one live version.
type VersionState struct {
	Instance DataInstance `json:"instance"`
	Readers  int          `json:"readers"`
	Location string       `json:"location"`
	Kind     string       `json:"kind"`
	Current  bool         `json:"current"`
}

// ItemState describes one logical data item.
type ItemState struct {
	Key      string         `json:"key"`
	DataID   int            `json:"data_id"`
	Versions []VersionState `json:"versions"`
}

// Dump describes every item, ordered by data id.
func (r *Registry[K]) Dump() []ItemState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ItemState, 0, len(r.items))
	for key, it := range r.items {
		st := ItemState{Key: fmt.Sprint(key), DataID: it.id}
		cur := it.current()
		for _, v := range it.versions {
			st.Versions = append(st.Versions, VersionState{
				Instance: v.instance,
				Readers:  v.readers,
				Location: v.value.Location().String(),
				Kind:     v.value.Kind().String(),
				Current:  v == cur,
			})
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b ItemState) int { return a.DataID - b.DataID })
	return out
}
