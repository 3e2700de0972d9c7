package runtime

import (
	"context"
	"fmt"

	"github.com/seantiz/anvil/internal/data"
)

// Put hands v to the runtime under key. The first Put registers the item;
// later ones write a new version, so tasks already submitted keep reading
// the value they were submitted with.
func (r *Runtime) Put(key string, v any) error {
	r.accessMu.Lock()
	defer r.accessMu.Unlock()
	localAccesses.WithLabelValues(data.Out.String()).Inc()

	if _, ok := r.data.Find(key); !ok {
		r.data.Register(key, data.NewObject(v))
		return nil
	}
	b, err := r.data.RegisterAccess(data.Out, key, data.OriginLocal)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	b.Written.SetObject(v)
	inst, _ := b.Access.WrittenInstance()
	return r.refresh(inst, b.Written)
}

// Get returns the current value of key, waiting for the task producing it
// when that value lives on a platform. It fails with ErrTaskFailed when the
// producer failed.
func (r *Runtime) Get(ctx context.Context, key string) (any, error) {
	r.accessMu.Lock()
	b, err := r.data.RegisterAccess(data.In, key, data.OriginLocal)
	r.accessMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	localAccesses.WithLabelValues(data.In.String()).Inc()

	inst, _ := b.Access.ReadInstance()
	defer r.data.ReleaseRead(inst)
	return r.fetch(ctx, inst, b.Read)
}

// Update rewrites the value of key with fn, which receives the current
// value. The update is ordered after every task already submitted.
func (r *Runtime) Update(ctx context.Context, key string, fn func(any) (any, error)) error {
	// Bring a remotely produced value home before taking the lock so that
	// submissions are not held up behind a running producer.
	inst, cur, err := r.data.Current(key)
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	if _, err := r.fetch(ctx, inst, cur); err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}

	r.accessMu.Lock()
	defer r.accessMu.Unlock()
	localAccesses.WithLabelValues(data.InOut.String()).Inc()

	b, err := r.data.RegisterAccess(data.InOut, key, data.OriginLocal)
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	read, _ := b.Access.ReadInstance()
	old, err := r.fetch(ctx, read, b.Read)
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	next, err := fn(old)
	if err != nil {
		b.Written.SetObject(old)
		return fmt.Errorf("update %s: %w", key, err)
	}
	b.Written.SetObject(next)
	written, _ := b.Access.WrittenInstance()
	return r.refresh(written, b.Written)
}

// Delete forgets key. Tasks already bound to its versions are unaffected.
func (r *Runtime) Delete(key string) error {
	r.accessMu.Lock()
	defer r.accessMu.Unlock()
	if !r.data.Delete(key) {
		return fmt.Errorf("delete %s: %w", key, data.ErrUnknownData)
	}
	return nil
}

// fetch returns the payload of v, obtaining it from storage under inst's
// renaming when the orchestrating process does not hold it.
func (r *Runtime) fetch(ctx context.Context, inst data.DataInstance, v *data.Value) (any, error) {
	switch v.Kind() {
	case data.KindObject:
		if o, ok := v.Peek(); ok {
			return o, nil
		}
		o, err := r.storage.ObtainAsObject(ctx, inst.Renaming)
		if err != nil {
			return nil, err
		}
		v.SetObject(o)
		return o, nil
	case data.KindFile:
		if v.IsLocal() {
			return v.Path(), nil
		}
		path, err := r.storage.ObtainAsFile(ctx, inst.Renaming)
		if err != nil {
			return nil, err
		}
		v.SetObject(path)
		return path, nil
	default:
		panic(fmt.Sprintf("runtime: unexpected value kind %v", v.Kind()))
	}
}
