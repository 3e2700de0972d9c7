// Package builtin provides the core elements every anvil process ships with:
// arithmetic on numbers and a few file operations. Numbers cross storage in
// msgpack form, so operands are accepted in any Go numeric type; integral
// operands yield int64 results and anything else yields float64.
package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/seantiz/anvil/internal/platform/remote"
	"github.com/seantiz/anvil/internal/task"
)

// Signatures of the builtin core elements.
const (
	// Add: Params [a IN, b IN], Result OUT.
	Add = "add"
	// Mul: Params [a IN, b IN], Result OUT.
	Mul = "mul"
	// Inc: Target INOUT is incremented by one.
	Inc = "inc"
	// Fail: always fails; its outputs are never produced.
	Fail = "fail"
	// Upper: Params [src file IN, dst file OUT] writes src upper-cased to dst.
	Upper = "upper"
	// Count: Params [file IN], Result OUT holds the file size in bytes.
	Count = "count"
)

// Service is the remote service name the offloadable builtins are exposed
// under.
const Service = "arith"

// ErrOperand is returned when an operand is not a number.
var ErrOperand = errors.New("operand is not a number")

// ErrFailed is what the Fail core returns.
var ErrFailed = errors.New("builtin failure")

// Register adds the builtin core elements to cores. Add and Mul get both a
// native and a remote implementation.
func Register(cores *task.CoreRegistry) {
	cores.Register(Add,
		task.Implementation{Kind: task.Native, Fn: binary(add)},
		task.Implementation{Kind: task.Remote, Remote: task.RemoteDescriptor{Service: Service, Operation: Add}},
	)
	cores.Register(Mul,
		task.Implementation{Kind: task.Native, Fn: binary(mul)},
		task.Implementation{Kind: task.Remote, Remote: task.RemoteDescriptor{Service: Service, Operation: Mul}},
	)
	cores.Register(Inc, task.Implementation{Kind: task.Native, Fn: inc})
	cores.Register(Fail, task.Implementation{Kind: task.Native, Fn: fail})
	cores.Register(Upper, task.Implementation{Kind: task.Native, Fn: upper})
	cores.Register(Count, task.Implementation{Kind: task.Native, Fn: count})
}

// Serve registers the handlers of the remote builtins on l.
func Serve(l *remote.Loopback) {
	l.Handle(Service, Add, binary(add))
	l.Handle(Service, Mul, binary(mul))
}

func binary(op func(a, b number) number) task.Func {
	return func(_ context.Context, inv *task.Invocation) error {
		if len(inv.Args) != 2 {
			return fmt.Errorf("want 2 operands, got %d", len(inv.Args))
		}
		a, err := toNumber(inv.Args[0])
		if err != nil {
			return err
		}
		b, err := toNumber(inv.Args[1])
		if err != nil {
			return err
		}
		inv.Result = op(a, b).value()
		return nil
	}
}

func inc(_ context.Context, inv *task.Invocation) error {
	n, err := toNumber(inv.Target)
	if err != nil {
		return err
	}
	inv.Target = add(n, number{i: 1, integral: true}).value()
	return nil
}

func fail(context.Context, *task.Invocation) error {
	return ErrFailed
}

func upper(_ context.Context, inv *task.Invocation) error {
	if len(inv.Args) != 2 {
		return fmt.Errorf("want source and destination, got %d arguments", len(inv.Args))
	}
	src, ok := inv.Args[0].(string)
	if !ok {
		return fmt.Errorf("source is %T, not a path", inv.Args[0])
	}
	dst, ok := inv.Args[1].(string)
	if !ok {
		return fmt.Errorf("destination is %T, not a path", inv.Args[1])
	}
	b, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	if err := os.WriteFile(dst, bytes.ToUpper(b), 0o644); err != nil {
		return fmt.Errorf("write destination: %w", err)
	}
	return nil
}

func count(_ context.Context, inv *task.Invocation) error {
	if len(inv.Args) != 1 {
		return fmt.Errorf("want one file, got %d arguments", len(inv.Args))
	}
	path, ok := inv.Args[0].(string)
	if !ok {
		return fmt.Errorf("argument is %T, not a path", inv.Args[0])
	}
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	inv.Result = fi.Size()
	return nil
}

type number struct {
	i        int64
	f        float64
	integral bool
}

func (n number) float() float64 {
	if n.integral {
		return float64(n.i)
	}
	return n.f
}

func (n number) value() any {
	if n.integral {
		return n.i
	}
	return n.f
}

func add(a, b number) number {
	if a.integral && b.integral {
		return number{i: a.i + b.i, integral: true}
	}
	return number{f: a.float() + b.float()}
}

func mul(a, b number) number {
	if a.integral && b.integral {
		return number{i: a.i * b.i, integral: true}
	}
	return number{f: a.float() * b.float()}
}

func toNumber(v any) (number, error) {
	switch x := v.(type) {
	case int:
		return number{i: int64(x), integral: true}, nil
	case int8:
		return number{i: int64(x), integral: true}, nil
	case int16:
		return number{i: int64(x), integral: true}, nil
	case int32:
		return number{i: int64(x), integral: true}, nil
	case int64:
		return number{i: x, integral: true}, nil
	case uint:
		return number{i: int64(x), integral: true}, nil
	case uint8:
		return number{i: int64(x), integral: true}, nil
	case uint16:
		return number{i: int64(x), integral: true}, nil
	case uint32:
		return number{i: int64(x), integral: true}, nil
	case uint64:
		return number{i: int64(x), integral: true}, nil
	case float32:
		return number{f: float64(x)}, nil
	case float64:
		return number{f: x}, nil
	default:
		return number{}, fmt.Errorf("%T: %w", v, ErrOperand)
	}
}
