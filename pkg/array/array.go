// Package array holds the closed set of element types a buffer can carry and a
// generic typed array. The element type is resolved once, when the array is
// created; after that callers either work through the Array interface or pull
// out the concrete slice with Values.
package array

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// ErrUnknownType is returned when an element type is not one of the supported ones.
var ErrUnknownType = errors.New("unknown element type")

// Type identifies the scalar representation of a buffer's elements.
type Type uint8

const (
	Invalid Type = iota
	Uint8
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Int64
	Float32
	Float64
)

var typeNames = map[Type]string{
	Uint8:   "uint8",
	Int8:    "int8",
	Uint16:  "uint16",
	Int16:   "int16",
	Uint32:  "uint32",
	Int32:   "int32",
	Int64:   "int64",
	Float32: "float32",
	Float64: "float64",
}

// Types lists every supported element type.
func Types() []Type {
	return []Type{Uint8, Int8, Uint16, Int16, Uint32, Int32, Int64, Float32, Float64}
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Valid reports whether t is a supported element type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Size is the width of one element in bytes.
func (t Type) Size() int {
	switch t {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

// ParseType converts a lower-case type name such as "float32" to a Type.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return Invalid, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Scalar is the set of Go types an array can be backed by.
type Scalar interface {
	constraints.Integer | constraints.Float
}

// Array is a flat run of scalar values of a single element type.
type Array interface {
	Type() Type
	Len() int
	Float64(i int) float64
	SetFloat64(i int, v float64)
	// CopyFrom copies n values from src starting at srcOff into the receiver
	// starting at dstOff.
	CopyFrom(dstOff int, src Array, srcOff, n int)
	Clone() Array
	SizeInBytes() int
}

// Typed is an Array backed by a []T.
type Typed[T Scalar] struct {
	typ    Type
	values []T
}

var _ Array = (*Typed[float32])(nil)

// New allocates a zeroed array of n elements of type t.
func New(t Type, n int) (Array, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative array length %d", n)
	}
	switch t {
	case Uint8:
		return newTyped[uint8](t, n), nil
	case Int8:
		return newTyped[int8](t, n), nil
	case Uint16:
		return newTyped[uint16](t, n), nil
	case Int16:
		return newTyped[int16](t, n), nil
	case Uint32:
		return newTyped[uint32](t, n), nil
	case Int32:
		return newTyped[int32](t, n), nil
	case Int64:
		return newTyped[int64](t, n), nil
	case Float32:
		return newTyped[float32](t, n), nil
	case Float64:
		return newTyped[float64](t, n), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
}

// MustNew is like New but panics on error.
func MustNew(t Type, n int) Array {
	a, err := New(t, n)
	if err != nil {
		panic(err)
	}
	return a
}

func newTyped[T Scalar](t Type, n int) *Typed[T] {
	return &Typed[T]{typ: t, values: make([]T, n)}
}

// Values returns the backing slice of a when it holds elements of type T.
func Values[T Scalar](a Array) ([]T, bool) {
	typed, ok := a.(*Typed[T])
	if !ok {
		return nil, false
	}
	return typed.values, true
}

func (a *Typed[T]) Type() Type { return a.typ }

func (a *Typed[T]) Len() int { return len(a.values) }

func (a *Typed[T]) Float64(i int) float64 { return float64(a.values[i]) }

func (a *Typed[T]) SetFloat64(i int, v float64) { a.values[i] = T(v) }

func (a *Typed[T]) CopyFrom(dstOff int, src Array, srcOff, n int) {
	if same, ok := src.(*Typed[T]); ok {
		copy(a.values[dstOff:dstOff+n], same.values[srcOff:srcOff+n])
		return
	}
	for i := 0; i < n; i++ {
		a.values[dstOff+i] = T(src.Float64(srcOff + i))
	}
}

func (a *Typed[T]) Clone() Array {
	values := make([]T, len(a.values))
	copy(values, a.values)
	return &Typed[T]{typ: a.typ, values: values}
}

func (a *Typed[T]) SizeInBytes() int {
	var zero T
	return len(a.values) * int(unsafe.Sizeof(zero))
}
