package builtin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/seantiz/anvil/internal/platform/remote"
	"github.com/seantiz/anvil/internal/task"
)

func invoke(t *testing.T, cores *task.CoreRegistry, signature string, implID int, inv *task.Invocation) error {
	t.Helper()
	id, err := cores.CoreID(signature)
	if err != nil {
		t.Fatalf("CoreID(%s): %v", signature, err)
	}
	impls := cores.Implementations(id)
	if implID >= len(impls) {
		t.Fatalf("%s has %d implementations", signature, len(impls))
	}
	return impls[implID].Invoke(context.Background(), inv)
}

func TestRegister(t *testing.T) {
	cores := task.NewCoreRegistry()
	Register(cores)

	if got := cores.Count(); got != 6 {
		t.Fatalf("Count() = %d, want 6", got)
	}
	id, _ := cores.CoreID(Add)
	impls := cores.Implementations(id)
	if len(impls) != 2 || impls[0].Kind != task.Native || impls[1].Kind != task.Remote {
		t.Fatalf("add implementations = %+v", impls)
	}
	if impls[1].Name != "add#1" {
		t.Errorf("remote add name = %q", impls[1].Name)
	}
}

func TestArithmetic(t *testing.T) {
	cores := task.NewCoreRegistry()
	Register(cores)

	tests := []struct {
		name      string
		signature string
		a, b      any
		want      any
	}{
		{name: "int add", signature: Add, a: 1, b: 2, want: int64(3)},
		{name: "msgpack widths", signature: Add, a: int8(1), b: uint16(2), want: int64(3)},
		{name: "float add", signature: Add, a: 1.5, b: 2, want: 3.5},
		{name: "int mul", signature: Mul, a: int64(6), b: 7, want: int64(42)},
		{name: "float mul", signature: Mul, a: float32(0.5), b: 4, want: 2.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &task.Invocation{Args: []any{tt.a, tt.b}}
			if err := invoke(t, cores, tt.signature, 0, inv); err != nil {
				t.Fatalf("invoke: %v", err)
			}
			if inv.Result != tt.want {
				t.Errorf("result = %v (%T), want %v (%T)", inv.Result, inv.Result, tt.want, tt.want)
			}
		})
	}
}

func TestArithmeticRejectsNonNumbers(t *testing.T) {
	cores := task.NewCoreRegistry()
	Register(cores)

	inv := &task.Invocation{Args: []any{"one", 2}}
	if err := invoke(t, cores, Add, 0, inv); !errors.Is(err, ErrOperand) {
		t.Errorf("err = %v, want ErrOperand", err)
	}
	inv = &task.Invocation{Args: []any{1}}
	if err := invoke(t, cores, Add, 0, inv); err == nil {
		t.Error("single operand accepted")
	}
}

func TestIncAndFail(t *testing.T) {
	cores := task.NewCoreRegistry()
	Register(cores)

	inv := &task.Invocation{Target: 41}
	if err := invoke(t, cores, Inc, 0, inv); err != nil {
		t.Fatalf("inc: %v", err)
	}
	if inv.Target != int64(42) {
		t.Errorf("target = %v", inv.Target)
	}
	if err := invoke(t, cores, Fail, 0, &task.Invocation{}); !errors.Is(err, ErrFailed) {
		t.Errorf("fail err = %v", err)
	}
}

func TestFileCores(t *testing.T) {
	cores := task.NewCoreRegistry()
	Register(cores)

	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := invoke(t, cores, Upper, 0, &task.Invocation{Args: []any{src, dst}}); err != nil {
		t.Fatalf("upper: %v", err)
	}
	b, err := os.ReadFile(dst)
	if err != nil || string(b) != "HELLO" {
		t.Fatalf("dst = %q, %v", b, err)
	}

	inv := &task.Invocation{Args: []any{dst}}
	if err := invoke(t, cores, Count, 0, inv); err != nil {
		t.Fatalf("count: %v", err)
	}
	if inv.Result != int64(5) {
		t.Errorf("count = %v", inv.Result)
	}
}

func TestServeDispatchesRemoteImplementations(t *testing.T) {
	cores := task.NewCoreRegistry()
	Register(cores)
	lb := remote.NewLoopback(0)
	Serve(lb)

	id, _ := cores.CoreID(Mul)
	impl := cores.Implementations(id)[1]
	inv := &task.Invocation{Args: []any{3, 5}}
	if err := lb.Offload(context.Background(), "n1", impl, inv); err != nil {
		t.Fatalf("Offload: %v", err)
	}
	if inv.Result != int64(15) {
		t.Errorf("result = %v", inv.Result)
	}
}
