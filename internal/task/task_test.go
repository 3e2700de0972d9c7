package task_test

import (
	"context"
	"errors"
	"testing"

	"github.com/seantiz/anvil/internal/data"
	"github.com/seantiz/anvil/internal/task"
)

func bind(p *task.Parameter, a data.Access) {
	p.Binding = &data.Binding{Access: a}
}

func inst(id, v int) data.DataInstance {
	return data.DataInstance{DataID: id, VersionID: v, Renaming: "r"}
}

func TestValidateShape(t *testing.T) {
	tests := []struct {
		name string
		task task.Task
		ok   bool
	}{
		{
			name: "basic and objects",
			task: task.Task{Params: []task.Parameter{task.Basic(3), task.Object("a", data.In), task.File("/f", data.Out)}},
			ok:   true,
		},
		{
			name: "basic output",
			task: task.Task{Params: []task.Parameter{{Kind: task.KindBasic, Direction: data.Out}}},
		},
		{
			name: "object without key",
			task: task.Task{Params: []task.Parameter{task.Object("", data.In)}},
		},
		{
			name: "target must be inout",
			task: task.Task{Target: &task.Parameter{Kind: task.KindObject, Direction: data.In, Key: "t"}},
		},
		{
			name: "result must be out",
			task: task.Task{Result: &task.Parameter{Kind: task.KindObject, Direction: data.InOut, Key: "r"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.ValidateShape()
			if tt.ok && err != nil {
				t.Fatalf("ValidateShape: %v", err)
			}
			if !tt.ok && !errors.Is(err, task.ErrMalformedTask) {
				t.Fatalf("ValidateShape = %v, want ErrMalformedTask", err)
			}
		})
	}
}

func TestValidateAccessMismatch(t *testing.T) {
	tk := task.Task{ID: 7, Params: []task.Parameter{task.Object("a", data.In)}}
	bind(&tk.Params[0], data.WriteAccess(inst(1, 2)))

	if err := tk.Validate(); !errors.Is(err, task.ErrMalformedTask) {
		t.Fatalf("Validate = %v, want ErrMalformedTask", err)
	}

	bind(&tk.Params[0], data.ReadAccess(inst(1, 1)))
	if err := tk.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateMissingAccess(t *testing.T) {
	tk := task.Task{Params: []task.Parameter{task.Object("a", data.InOut)}}
	if err := tk.Validate(); !errors.Is(err, task.ErrMalformedTask) {
		t.Fatalf("Validate = %v, want ErrMalformedTask", err)
	}
}

func TestDataParamsOrder(t *testing.T) {
	target := task.Object("self", data.InOut)
	result := task.Object("ret", data.Out)
	tk := task.Task{
		Params: []task.Parameter{task.Object("a", data.In), task.Basic(1), task.File("/b", data.Out)},
		Target: &target,
		Result: &result,
	}

	var keys []string
	for _, p := range tk.DataParams() {
		keys = append(keys, p.Key)
	}
	want := []string{"a", "/b", "self", "ret"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}
}

func TestCoreRegistry(t *testing.T) {
	reg := task.NewCoreRegistry()
	noop := func(context.Context, *task.Invocation) error { return nil }

	add := reg.Register("add(int,int)", task.Implementation{Kind: task.Native, Fn: noop})
	mul := reg.Register("mul(int,int)", task.Implementation{Kind: task.Native, Fn: noop})
	again := reg.Register("add(int,int)", task.Implementation{Name: "add-remote", Kind: task.Remote})

	if add != 0 || mul != 1 || again != add {
		t.Fatalf("ids = %d %d %d, want 0 1 0", add, mul, again)
	}
	impls := reg.Implementations(add)
	if len(impls) != 2 || impls[1].ImplID != 1 || impls[1].CoreID != add {
		t.Fatalf("impls = %+v", impls)
	}
	if impls[0].Name != "add(int,int)#0" {
		t.Errorf("default name = %q", impls[0].Name)
	}
	if _, err := reg.CoreID("div(int,int)"); !errors.Is(err, task.ErrUnknownCore) {
		t.Errorf("CoreID(unknown) = %v, want ErrUnknownCore", err)
	}
	if sig, _ := reg.Signature(mul); sig != "mul(int,int)" {
		t.Errorf("Signature = %q", sig)
	}
	list := reg.List()
	if len(list) != 2 || list[0].Signature != "add(int,int)" {
		t.Errorf("List = %+v", list)
	}
}

func TestInvoke(t *testing.T) {
	impl := task.Implementation{Kind: task.Native, Fn: func(_ context.Context, inv *task.Invocation) error {
		inv.Result = inv.Args[0].(int) + 1
		return nil
	}}
	inv := &task.Invocation{Args: []any{1}}
	if err := impl.Invoke(context.Background(), inv); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if inv.Result != 2 {
		t.Errorf("Result = %v, want 2", inv.Result)
	}

	remote := task.Implementation{Name: "r", Kind: task.Remote}
	if err := remote.Invoke(context.Background(), inv); err == nil {
		t.Error("remote Invoke should fail")
	}
}
