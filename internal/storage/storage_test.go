package storage_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/storage"
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return storage.New(t.TempDir(), "master", logger)
}

func TestObtainWaitsForStore(t *testing.T) {
	s := newStore(t)

	got := make(chan any, 1)
	go func() {
		v, err := s.ObtainAsObject(context.Background(), "d1v2_x")
		if err != nil {
			t.Errorf("ObtainAsObject: %v", err)
		}
		got <- v
	}()

	time.Sleep(10 * time.Millisecond)
	if _, err := s.StoreObject("d1v2_x", 41); err != nil {
		t.Fatalf("StoreObject: %v", err)
	}

	select {
	case v := <-got:
		if v != 41 {
			t.Errorf("value = %v, want 41", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reader was not woken")
	}
}

func TestObtainHonoursContext(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := s.ObtainAsObject(ctx, "never"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestRequestExistence(t *testing.T) {
	s := newStore(t)
	fired := 0
	s.RequestExistence("a", func() { fired++ })
	s.RequestExistence("a", func() { fired++ })
	if fired != 0 {
		t.Fatal("notified before the value existed")
	}

	s.StoreObject("a", "v")
	if fired != 2 {
		t.Errorf("fired = %d, want 2", fired)
	}

	s.RequestExistence("a", func() { fired++ })
	if fired != 3 {
		t.Error("existing value should notify synchronously")
	}
	if !s.Exists("a") || s.Exists("b") {
		t.Error("Exists mismatch")
	}
}

func TestSizesAndLocations(t *testing.T) {
	s := newStore(t)
	size, err := s.StoreObject("a", []int{1, 2, 3})
	if err != nil {
		t.Fatalf("StoreObject: %v", err)
	}
	if got, ok := s.Size("a"); !ok || got != size || size == 0 {
		t.Errorf("Size = %d (%v), want %d > 0", got, ok, size)
	}

	s.AddLocation("a", "node-1")
	s.AddLocation("a", "node-1")
	var locs []string
	s.RequestLocations("a", func(l []string) { locs = l })
	if len(locs) != 2 || locs[0] != "master" || locs[1] != "node-1" {
		t.Errorf("locations = %v", locs)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newStore(t)
	s.StoreObject("a", "hello")

	path, n, err := s.Checkpoint("a")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat spool file: %v", err)
	}
	if fi.Size() != n {
		t.Fatalf("spool size = %d, want %d", fi.Size(), n)
	}

	restored := newStore(t)
	if err := restored.Restore("a", path); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	v, err := restored.ObtainAsObject(context.Background(), "a")
	if err != nil || v != "hello" {
		t.Errorf("restored value = %v, %v", v, err)
	}
}

func TestCheckpointUnknown(t *testing.T) {
	s := newStore(t)
	if _, _, err := s.Checkpoint("nope"); !errors.Is(err, storage.ErrNotStored) {
		t.Errorf("err = %v, want ErrNotStored", err)
	}
}

func TestFiles(t *testing.T) {
	s := newStore(t)
	src := filepath.Join(t.TempDir(), "in.txt")
	if err := os.WriteFile(src, []byte("abcd"), 0o644); err != nil {
		t.Fatal(err)
	}

	size, err := s.StoreFile("f", src)
	if err != nil || size != 4 {
		t.Fatalf("StoreFile = %d, %v", size, err)
	}
	path, err := s.ObtainAsFile(context.Background(), "f")
	if err != nil || path != src {
		t.Errorf("ObtainAsFile = %q, %v", path, err)
	}

	spooled, n, err := s.Checkpoint("f")
	if err != nil || n != 4 {
		t.Fatalf("Checkpoint = %d, %v", n, err)
	}
	b, _ := os.ReadFile(spooled)
	if string(b) != "abcd" {
		t.Errorf("spooled content = %q", b)
	}
}

func TestObjectAsFileSpools(t *testing.T) {
	s := newStore(t)
	s.StoreObject("o", map[string]int{"x": 1})

	path, err := s.ObtainAsFile(context.Background(), "o")
	if err != nil {
		t.Fatalf("ObtainAsFile: %v", err)
	}
	if filepath.Ext(path) != ".msgpack" {
		t.Errorf("path = %q, want a spool file", path)
	}
}

func TestPoisonFailsReaders(t *testing.T) {
	s := newStore(t)
	cause := errors.New("producer failed")

	got := make(chan error, 1)
	go func() {
		_, err := s.ObtainAsObject(context.Background(), "p")
		got <- err
	}()
	notified := false
	s.RequestExistence("p", func() { notified = true })

	s.Poison("p", cause)
	select {
	case err := <-got:
		if !errors.Is(err, cause) {
			t.Errorf("err = %v, want %v", err, cause)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reader was not woken")
	}
	if !notified {
		t.Error("existence waiters must learn about the outcome")
	}
	if _, err := s.ObtainAsFile(context.Background(), "p"); !errors.Is(err, cause) {
		t.Errorf("ObtainAsFile err = %v", err)
	}
	if _, _, err := s.Checkpoint("p"); !errors.Is(err, cause) {
		t.Errorf("Checkpoint err = %v", err)
	}
}
