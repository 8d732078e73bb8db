// Package kernel has reference kernels for sources: a synthesizer driven by a
// CEL expression and a filter that scales its input.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/tessera-io/tessera/pkg/cache"
	"github.com/tessera-io/tessera/pkg/extent"
	"github.com/tessera-io/tessera/pkg/source"
)

var ErrNonNumericResult = errors.New("expression did not evaluate to a number")

const defaultNativeDimensionality = 2

var (
	_ source.Kernel = (*Expression)(nil)
	_ source.Kernel = (*Scale)(nil)
)

// Expression fills every element with the value of a CEL expression. The
// expression sees the physical coordinates x, y, z and t as doubles, the
// indices i, j, k and l as ints, and the component index c.
type Expression struct {
	info      extent.Information
	nativeDim int
	env       *cel.Env

	mu       sync.RWMutex
	text     string
	program  cel.Program
	onChange func()
}

type ExpressionOpt func(*Expression)

// WithNativeDimensionality sets how many leading axes one Execute call covers.
func WithNativeDimensionality(n int) ExpressionOpt {
	return func(e *Expression) {
		e.nativeDim = n
	}
}

func NewExpression(info extent.Information, text string, opts ...ExpressionOpt) (*Expression, error) {
	env, err := cel.NewEnv(
		cel.Variable("x", cel.DoubleType),
		cel.Variable("y", cel.DoubleType),
		cel.Variable("z", cel.DoubleType),
		cel.Variable("t", cel.DoubleType),
		cel.Variable("i", cel.IntType),
		cel.Variable("j", cel.IntType),
		cel.Variable("k", cel.IntType),
		cel.Variable("l", cel.IntType),
		cel.Variable("c", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create expression environment: %w", err)
	}

	e := &Expression{
		info:      info,
		nativeDim: defaultNativeDimensionality,
		env:       env,
	}
	for _, opt := range opts {
		opt(e)
	}

	program, err := e.compile(text)
	if err != nil {
		return nil, err
	}
	e.text = text
	e.program = program
	return e, nil
}

func (e *Expression) compile(text string) (cel.Program, error) {
	ast, iss := e.env.Compile(text)
	if iss.Err() != nil {
		return nil, fmt.Errorf("compile expression %q: %w", text, iss.Err())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build program for %q: %w", text, err)
	}
	return program, nil
}

// OnChange registers fn to be called after the expression is replaced, usually
// the owning source's Modified.
func (e *Expression) OnChange(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = fn
}

// SetExpression replaces the expression. The old one stays in effect when the
// new one does not compile.
func (e *Expression) SetExpression(text string) error {
	program, err := e.compile(text)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.text = text
	e.program = program
	onChange := e.onChange
	e.mu.Unlock()

	if onChange != nil {
		onChange()
	}
	return nil
}

func (e *Expression) Text() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.text
}

func (e *Expression) ComputeInformation(context.Context) (extent.Information, error) {
	return e.info, nil
}

func (e *Expression) NativeDimensionality() int {
	return e.nativeDim
}

func (e *Expression) Execute(ctx context.Context, slab extent.Extent, out *cache.Buffer) error {
	e.mu.RLock()
	program := e.program
	e.mu.RUnlock()

	vars := make(map[string]any, 9)
	for n := 0; n < slab.Size(); n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		coords := slab.Coords(n)
		p := e.info.Point(coords)
		vars["x"], vars["y"], vars["z"], vars["t"] = p[0], p[1], p[2], p[3]
		vars["i"], vars["j"], vars["k"], vars["l"] = int64(coords[0]), int64(coords[1]), int64(coords[2]), int64(coords[3])

		for c := 0; c < out.Components(); c++ {
			vars["c"] = int64(c)
			val, _, err := program.Eval(vars)
			if err != nil {
				return fmt.Errorf("evaluate at %v: %w", coords, err)
			}
			v, err := toFloat(val.Value())
			if err != nil {
				return err
			}
			out.Set(coords, c, v)
		}
	}
	return nil
}

func toFloat(v any) (float64, error) {
	switch v := v.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: got %T", ErrNonNumericResult, v)
	}
}
