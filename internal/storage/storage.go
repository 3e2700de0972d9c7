// Package storage is the in-process storage, transfer and location
// collaborator. Values are stored under their renaming; readers waiting for a
// value that has not been produced yet are woken when it is stored.
// Checkpoints are msgpack files in a spool directory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotStored is returned when a checkpoint is requested for a renaming that
// holds no value yet.
var ErrNotStored = errors.New("value not stored")

// Codec serializes values with msgpack.
type Codec struct{}

// Marshal encodes v.
func (Codec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes b into a generic value.
func (Codec) Unmarshal(b []byte) (any, error) {
	var v any
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

type entry struct {
	err       error
	object    any
	hasObject bool
	path      string
	spooled   string
	size      int64
	locations []string
}

// Store holds stored values and their known locations. It is safe for
// concurrent use.
type Store struct {
	codec    Codec
	spoolDir string
	node     string
	logger   *slog.Logger

	mu        sync.Mutex
	entries   map[string]*entry
	ready     map[string]chan struct{}
	existence map[string][]func()
}

// New creates a store that spools checkpoints under spoolDir and records
// node as the location of everything stored locally.
func New(spoolDir, node string, logger *slog.Logger) *Store {
	return &Store{
		spoolDir:  spoolDir,
		node:      node,
		logger:    logger.With("component", "storage"),
		entries:   make(map[string]*entry),
		ready:     make(map[string]chan struct{}),
		existence: make(map[string][]func()),
	}
}

// Codec returns the codec used to size and spool values.
func (s *Store) Codec() Codec { return s.codec }

// StoreObject stores an in-memory value and returns its serialized size.
func (s *Store) StoreObject(renaming string, v any) (int64, error) {
	b, err := s.codec.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", renaming, err)
	}
	size := int64(len(b))
	s.put(renaming, &entry{object: v, hasObject: true, size: size})
	return size, nil
}

// StoreFile stores a file value and returns its size.
func (s *Store) StoreFile(renaming, path string) (int64, error) {
	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	} else if !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	s.put(renaming, &entry{path: path, size: size})
	return size, nil
}

func (s *Store) put(renaming string, e *entry) {
	s.mu.Lock()
	if old, ok := s.entries[renaming]; ok {
		e.locations = old.locations
		if e.spooled == "" {
			e.spooled = old.spooled
		}
	}
	if !slices.Contains(e.locations, s.node) {
		e.locations = append(e.locations, s.node)
	}
	s.entries[renaming] = e
	if ch, ok := s.ready[renaming]; ok {
		close(ch)
		delete(s.ready, renaming)
	}
	notify := s.existence[renaming]
	delete(s.existence, renaming)
	s.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

// Poison records that renaming will never be produced. Waiting and future
// readers fail with cause.
func (s *Store) Poison(renaming string, cause error) {
	s.put(renaming, &entry{err: cause})
	s.logger.Debug("value poisoned", "renaming", renaming, "error", cause)
}

// wait blocks until renaming is stored or ctx is done.
func (s *Store) wait(ctx context.Context, renaming string) (*entry, error) {
	s.mu.Lock()
	if e, ok := s.entries[renaming]; ok {
		s.mu.Unlock()
		return e, nil
	}
	ch, ok := s.ready[renaming]
	if !ok {
		ch = make(chan struct{})
		s.ready[renaming] = ch
	}
	s.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[renaming], nil
}

// obtain waits for renaming and reports it as failed if it was poisoned.
func (s *Store) obtain(ctx context.Context, renaming string) (*entry, error) {
	e, err := s.wait(ctx, renaming)
	if err == nil {
		err = e.err
	}
	if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", renaming, err)
	}
	return e, nil
}

// ObtainAsObject returns the value stored under renaming, waiting for it to
// be produced.
func (s *Store) ObtainAsObject(ctx context.Context, renaming string) (any, error) {
	e, err := s.obtain(ctx, renaming)
	if err != nil {
		return nil, err
	}
	switch {
	case e.hasObject:
		return e.object, nil
	case e.path != "":
		return e.path, nil
	default:
		s.mu.Lock()
		spooled := e.spooled
		s.mu.Unlock()
		return s.readSpool(spooled)
	}
}

// ObtainAsFile returns a path holding the value stored under renaming,
// spooling in-memory values to disk first.
func (s *Store) ObtainAsFile(ctx context.Context, renaming string) (string, error) {
	e, err := s.obtain(ctx, renaming)
	if err != nil {
		return "", err
	}
	if e.path != "" {
		return e.path, nil
	}
	path, _, err := s.Checkpoint(renaming)
	return path, err
}

// RequestExistence calls notify once renaming is stored; immediately if it
// already is.
func (s *Store) RequestExistence(renaming string, notify func()) {
	s.mu.Lock()
	if _, ok := s.entries[renaming]; ok {
		s.mu.Unlock()
		notify()
		return
	}
	s.existence[renaming] = append(s.existence[renaming], notify)
	s.mu.Unlock()
}

// RequestLocations calls notify with the nodes holding renaming once it
// exists.
func (s *Store) RequestLocations(renaming string, notify func([]string)) {
	s.RequestExistence(renaming, func() {
		notify(s.Locations(renaming))
	})
}

// Exists reports whether renaming is stored.
func (s *Store) Exists(renaming string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[renaming]
	return ok
}

// Size returns the stored size of renaming.
func (s *Store) Size(renaming string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[renaming]
	if !ok {
		return 0, false
	}
	return e.size, true
}

// Locations returns the nodes known to hold renaming.
func (s *Store) Locations(renaming string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[renaming]
	if !ok {
		return nil
	}
	return append([]string(nil), e.locations...)
}

// AddLocation records that node holds a replica of renaming.
func (s *Store) AddLocation(renaming, node string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[renaming]; ok && !slices.Contains(e.locations, node) {
		e.locations = append(e.locations, node)
	}
}

// Checkpoint writes the value stored under renaming to the spool directory
// and returns the spool path and its size. Checkpointing the same renaming
// twice rewrites the file.
func (s *Store) Checkpoint(renaming string) (string, int64, error) {
	s.mu.Lock()
	e, ok := s.entries[renaming]
	s.mu.Unlock()
	if !ok {
		return "", 0, fmt.Errorf("checkpoint %s: %w", renaming, ErrNotStored)
	}
	if e.err != nil {
		return "", 0, fmt.Errorf("checkpoint %s: %w", renaming, e.err)
	}

	if err := os.MkdirAll(s.spoolDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create spool dir: %w", err)
	}
	dst := filepath.Join(s.spoolDir, renaming+".msgpack")

	var (
		n   int64
		err error
	)
	if e.path != "" {
		n, err = copyFile(e.path, dst)
	} else {
		var b []byte
		b, err = s.codec.Marshal(e.object)
		if err == nil {
			err = os.WriteFile(dst, b, 0o644)
			n = int64(len(b))
		}
	}
	if err != nil {
		return "", 0, fmt.Errorf("checkpoint %s: %w", renaming, err)
	}

	s.mu.Lock()
	e.spooled = dst
	s.mu.Unlock()
	s.logger.Debug("value spooled", "renaming", renaming, "path", dst, "bytes", n)
	return dst, n, nil
}

func (s *Store) readSpool(path string) (any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}
	return s.codec.Unmarshal(b)
}

// Restore loads a spooled checkpoint back into the store.
func (s *Store) Restore(renaming, path string) error {
	v, err := s.readSpool(path)
	if err != nil {
		return fmt.Errorf("restore %s: %w", renaming, err)
	}
	b, err := s.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("restore %s: %w", renaming, err)
	}
	s.put(renaming, &entry{object: v, hasObject: true, spooled: path, size: int64(len(b))})
	return nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}
