// internal/core/tensor.go
package core

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

// ErrShape is returned when tensor shapes do not line up for an operation.
var ErrShape = errors.New("shape mismatch")

// DType - element kind of a tensor
type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

type Device string

const DeviceCPU Device = "cpu"

var liveTensors atomic.Int64

// LiveTensors returns the number of tensors created and not yet disposed.
func LiveTensors() int64 {
	return liveTensors.Load()
}

// Tensor - dense row-major array with a single owner.
// Int32 tensors keep integral values in the same float32 storage.
type Tensor struct {
	data     []float32
	shape    []int
	dtype    DType
	disposed bool
}

// NewTensor allocates a zero-filled tensor.
func NewTensor(shape []int, dtype DType) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return newTensor(make([]float32, size), shape, dtype)
}

// FromData wraps data in a tensor. The tensor takes ownership of the slice.
func FromData(data []float32, shape []int, dtype DType) (*Tensor, error) {
	size := 1
	for _, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		}
		size *= dim
	}
	if size != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	return newTensor(data, shape, dtype), nil
}

// Zeros - float32 tensor filled with zeros
func Zeros(shape ...int) *Tensor {
	return NewTensor(shape, Float32)
}

func newTensor(data []float32, shape []int, dtype DType) *Tensor {
	liveTensors.Add(1)
	return &Tensor{
		data:  data,
		shape: append([]int(nil), shape...),
		dtype: dtype,
	}
}

func (t *Tensor) mustLive() {
	if t.disposed {
		panic(fmt.Sprintf("core: use of disposed tensor %v", t.shape))
	}
}

// Data returns the backing storage. Writes are visible to the tensor.
func (t *Tensor) Data() []float32 {
	t.mustLive()
	return t.data
}

func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

func (t *Tensor) Rank() int      { return len(t.shape) }
func (t *Tensor) Size() int      { return len(t.data) }
func (t *Tensor) DType() DType   { return t.dtype }
func (t *Tensor) Disposed() bool { return t.disposed }

// Dispose releases the storage. Calling it twice is a no-op.
func (t *Tensor) Dispose() {
	if t == nil || t.disposed {
		return
	}
	t.disposed = true
	t.data = nil
	liveTensors.Add(-1)
}

func (t *Tensor) Clone() *Tensor {
	t.mustLive()
	data := make([]float32, len(t.data))
	copy(data, t.data)
	return newTensor(data, t.shape, t.dtype)
}

// Cast returns a new tensor of the requested kind. Casting to Int32 truncates.
func (t *Tensor) Cast(dtype DType) *Tensor {
	c := t.Clone()
	if dtype == Int32 && t.dtype != Int32 {
		for i, v := range c.data {
			c.data[i] = float32(math.Trunc(float64(v)))
		}
	}
	c.dtype = dtype
	return c
}

// Reshape moves the storage into a tensor of a new shape and disposes t.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	t.mustLive()
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	if size != len(t.data) {
		return nil, fmt.Errorf("%w: cannot reshape %v into %v", ErrShape, t.shape, shape)
	}
	r := newTensor(t.data, shape, t.dtype)
	t.Dispose()
	return r, nil
}

// ExpandDims inserts a unit axis at position axis, consuming t.
func (t *Tensor) ExpandDims(axis int) (*Tensor, error) {
	shape := t.Shape()
	if axis < 0 || axis > len(shape) {
		return nil, fmt.Errorf("%w: axis %d out of range for %v", ErrShape, axis, shape)
	}
	shape = append(shape[:axis], append([]int{1}, shape[axis:]...)...)
	return t.Reshape(shape...)
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

// AllFinite reports whether every element is neither NaN nor infinite.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.Data() {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Dequantize expands linearly quantized integers: value = q*scale + minValue.
func Dequantize[T uint8 | uint16](quantized []T, shape []int, scale, minValue float32) (*Tensor, error) {
	data := make([]float32, len(quantized))
	for i, q := range quantized {
		data[i] = float32(q)*scale + minValue
	}
	return FromData(data, shape, Float32)
}
