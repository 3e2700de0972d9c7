package platform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seantiz/anvil/internal/data"
	"github.com/seantiz/anvil/internal/scheduler"
	"github.com/seantiz/anvil/internal/task"
)

// ObtainInputs fetches every value the job reads into its invocation and
// records the input sizes. It blocks until each value has been stored.
func ObtainInputs(ctx context.Context, ds DataStore, j *scheduler.Job) error {
	for i := range j.Task.Params {
		p := &j.Task.Params[i]
		if !p.HasData() {
			continue
		}
		v, size, err := obtain(ctx, ds, p)
		if err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
		j.Inv.Args[i] = v
		j.Profile.Params[i].In = size
	}
	if t := j.Task.Target; t != nil {
		v, size, err := obtain(ctx, ds, t)
		if err != nil {
			return fmt.Errorf("target: %w", err)
		}
		j.Inv.Target = v
		j.Profile.Target.In = size
	}
	return nil
}

func obtain(ctx context.Context, ds DataStore, p *task.Parameter) (any, int64, error) {
	a, ok := p.Access()
	if !ok {
		return nil, 0, fmt.Errorf("%s %q has no access", p.Kind, p.Key)
	}
	inst, reads := a.ReadInstance()
	if !reads {
		if p.Kind == task.KindFile {
			return p.Key, 0, nil
		}
		return nil, 0, nil
	}

	var (
		v   any
		err error
	)
	switch p.Kind {
	case task.KindObject:
		v, err = ds.ObtainAsObject(ctx, inst.Renaming)
	case task.KindFile:
		v, err = ds.ObtainAsFile(ctx, inst.Renaming)
	default:
		panic(fmt.Sprintf("platform: unexpected parameter kind %v", p.Kind))
	}
	if err != nil {
		return nil, 0, fmt.Errorf("obtain %s: %w", inst, err)
	}
	size, _ := ds.Size(inst.Renaming)
	return v, size, nil
}

// StoreOutputs publishes every value the job produced and records the output
// sizes. Produced versions are marked as living outside the orchestrating
// process.
func StoreOutputs(ds DataStore, j *scheduler.Job) error {
	for i := range j.Task.Params {
		p := &j.Task.Params[i]
		if !p.HasData() {
			continue
		}
		size, err := store(ds, p, j.Inv.Args[i])
		if err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
		j.Profile.Params[i].Out = size
	}
	if t := j.Task.Target; t != nil {
		size, err := store(ds, t, j.Inv.Target)
		if err != nil {
			return fmt.Errorf("target: %w", err)
		}
		j.Profile.Target.Out = size
	}
	if r := j.Task.Result; r != nil {
		size, err := store(ds, r, j.Inv.Result)
		if err != nil {
			return fmt.Errorf("result: %w", err)
		}
		j.Profile.Result = size
	}
	return nil
}

func store(ds DataStore, p *task.Parameter, v any) (int64, error) {
	a, ok := p.Access()
	if !ok {
		return 0, fmt.Errorf("%s %q has no access", p.Kind, p.Key)
	}
	inst, writes := a.WrittenInstance()
	if !writes {
		return 0, nil
	}

	var (
		size int64
		err  error
	)
	switch p.Kind {
	case task.KindObject:
		size, err = ds.StoreObject(inst.Renaming, v)
	case task.KindFile:
		path, _ := v.(string)
		if path == "" {
			path = p.Key
		}
		size, err = ds.StoreFile(inst.Renaming, path)
	default:
		panic(fmt.Sprintf("platform: unexpected parameter kind %v", p.Kind))
	}
	if err != nil {
		return 0, fmt.Errorf("store %s: %w", inst, err)
	}
	if p.Binding != nil && p.Binding.Written != nil {
		p.Binding.Written.AddLocation(data.Remote)
	}
	return size, nil
}

// Outcome finishes a job on its scheduler: a failed job is failed, a
// successful one has its outputs stored and is marked executed. It returns
// the error the job ended with, if any.
func Outcome(s *scheduler.Scheduler, e *scheduler.Execution, ds DataStore, runErr error) error {
	if runErr == nil {
		runErr = StoreOutputs(ds, e.Job)
	}
	if runErr != nil {
		if err := s.Fail(e, runErr); err != nil {
			return err
		}
		return runErr
	}
	return s.Executed(e)
}

// FetchInputs obtains the job inputs on a new goroutine and moves the job to
// DATA_PRESENT, failing it when an input cannot be obtained.
func FetchInputs(ctx context.Context, s *scheduler.Scheduler, e *scheduler.Execution, ds DataStore, logger *slog.Logger) {
	go func() {
		if err := ObtainInputs(ctx, ds, e.Job); err != nil {
			Abort(s, e, err, logger)
			return
		}
		if err := s.ValuesObtained(e); err != nil {
			logger.Error("values obtained", "task_id", e.Job.ID(), "error", err)
		}
	}()
}

// Abort fails a job that cannot go on and completes it, so that its failure
// reaches the completion callback.
func Abort(s *scheduler.Scheduler, e *scheduler.Execution, err error, logger *slog.Logger) {
	if ferr := s.Fail(e, err); ferr != nil {
		logger.Error("fail job", "task_id", e.Job.ID(), "error", ferr)
		return
	}
	if cerr := s.Complete(e); cerr != nil {
		logger.Error("complete failed job", "task_id", e.Job.ID(), "error", cerr)
	}
}
