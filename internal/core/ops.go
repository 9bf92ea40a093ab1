// internal/core/ops.go
package core

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Gemm computes c = alpha*op(a)*op(b) + beta*c on row-major slices.
// op(a) is m×k and op(b) is k×n; transA/transB mean the slice holds the
// transposed layout (k×m, n×k).
func Gemm(transA, transB bool, m, n, k int, alpha float32, a, b []float32, beta float32, c []float32) {
	ga := blas32.General{Rows: m, Cols: k, Stride: k, Data: a}
	tA := blas.NoTrans
	if transA {
		ga = blas32.General{Rows: k, Cols: m, Stride: m, Data: a}
		tA = blas.Trans
	}
	gb := blas32.General{Rows: k, Cols: n, Stride: n, Data: b}
	tB := blas.NoTrans
	if transB {
		gb = blas32.General{Rows: n, Cols: k, Stride: k, Data: b}
		tB = blas.Trans
	}
	gc := blas32.General{Rows: m, Cols: n, Stride: n, Data: c}
	blas32.Gemm(tA, tB, alpha, ga, gb, beta, gc)
}

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

// Dot returns Σ a_i*b_i.
func Dot(a, b []float32) float32 {
	return blas32.Dot(vec(a), vec(b))
}

// Axpy computes y += alpha*x.
func Axpy(alpha float32, x, y []float32) {
	blas32.Axpy(alpha, vec(x), vec(y))
}

// Scal computes x *= alpha.
func Scal(alpha float32, x []float32) {
	blas32.Scal(alpha, vec(x))
}

// Asum returns Σ |x_i|.
func Asum(x []float32) float32 {
	return blas32.Asum(vec(x))
}

// AddScaled adds alpha*src into dst in place.
func AddScaled(dst, src *Tensor, alpha float32) error {
	if !SameShape(dst, src) {
		return fmt.Errorf("%w: %v += %v", ErrShape, dst.shape, src.shape)
	}
	Axpy(alpha, src.Data(), dst.Data())
	return nil
}

// Scale multiplies t by alpha in place.
func (t *Tensor) Scale(alpha float32) *Tensor {
	Scal(alpha, t.Data())
	return t
}

// ClipByValue returns a copy of t with every element clamped to [lo, hi].
func ClipByValue(t *Tensor, lo, hi float32) *Tensor {
	c := t.Clone()
	for i, v := range c.data {
		if v < lo {
			c.data[i] = lo
		} else if v > hi {
			c.data[i] = hi
		}
	}
	return c
}

// Slice copies the block starting at begin with extent size.
func Slice(t *Tensor, begin, size []int) (*Tensor, error) {
	rank := t.Rank()
	if len(begin) != rank || len(size) != rank {
		return nil, fmt.Errorf("%w: slice of rank %d tensor with begin %v size %v", ErrShape, rank, begin, size)
	}
	for i := range begin {
		if begin[i] < 0 || size[i] < 0 || begin[i]+size[i] > t.shape[i] {
			return nil, fmt.Errorf("%w: slice [%v +%v] out of %v", ErrShape, begin, size, t.shape)
		}
	}

	out := NewTensor(size, t.dtype)
	src := t.Data()
	idx := make([]int, rank)
	for o := range out.data {
		off := 0
		for d := 0; d < rank; d++ {
			off += (begin[d] + idx[d]) * t.stride[d]
		}
		out.data[o] = src[off]
		next(idx, size)
	}
	return out, nil
}

// next advances a row-major multi-index.
func next(idx, shape []int) {
	for d := len(idx) - 1; d >= 0; d-- {
		idx[d]++
		if idx[d] < shape[d] {
			return
		}
		idx[d] = 0
	}
}

// reflect maps i into [0, n) with symmetric (edge-repeating) reflection.
func reflect(i, n int) int {
	period := 2 * n
	m := ((i % period) + period) % period
	if m >= n {
		m = period - 1 - m
	}
	return m
}

// MirrorPad pads every axis by pads[axis] = {before, after} using symmetric
// reflection, so the border pixel is repeated once at each edge.
func MirrorPad(t *Tensor, pads [][2]int) (*Tensor, error) {
	rank := t.Rank()
	if len(pads) != rank {
		return nil, fmt.Errorf("%w: %d padding pairs for rank %d", ErrShape, len(pads), rank)
	}
	shape := make([]int, rank)
	for d := range shape {
		if pads[d][0] < 0 || pads[d][1] < 0 {
			return nil, fmt.Errorf("%w: negative padding %v", ErrShape, pads[d])
		}
		if t.shape[d] == 0 && pads[d][0]+pads[d][1] > 0 {
			return nil, fmt.Errorf("%w: cannot mirror an empty axis", ErrShape)
		}
		shape[d] = t.shape[d] + pads[d][0] + pads[d][1]
	}

	out := NewTensor(shape, t.dtype)
	src := t.Data()
	idx := make([]int, rank)
	for o := range out.data {
		off := 0
		for d := 0; d < rank; d++ {
			off += reflect(idx[d]-pads[d][0], t.shape[d]) * t.stride[d]
		}
		out.data[o] = src[off]
		next(idx, shape)
	}
	return out, nil
}

// ResizeBilinear resizes a [b,h,w,c] tensor with corner-unaligned sampling.
func ResizeBilinear(t *Tensor, height, width int) (*Tensor, error) {
	if t.Rank() != 4 {
		return nil, fmt.Errorf("%w: resize expects [b,h,w,c], got %v", ErrShape, t.shape)
	}
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("%w: invalid target size %dx%d", ErrShape, width, height)
	}
	b, inH, inW, c := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	out := NewTensor([]int{b, height, width, c}, Float32)
	src := t.Data()

	scaleY := float64(inH) / float64(height)
	scaleX := float64(inW) / float64(width)

	for n := 0; n < b; n++ {
		base := n * t.stride[0]
		for y := 0; y < height; y++ {
			fy := float64(y) * scaleY
			y0 := int(math.Floor(fy))
			y1 := min(y0+1, inH-1)
			dy := float32(fy - float64(y0))
			for x := 0; x < width; x++ {
				fx := float64(x) * scaleX
				x0 := int(math.Floor(fx))
				x1 := min(x0+1, inW-1)
				dx := float32(fx - float64(x0))

				o := ((n*height+y)*width + x) * c
				for ch := 0; ch < c; ch++ {
					tl := src[base+y0*t.stride[1]+x0*t.stride[2]+ch]
					tr := src[base+y0*t.stride[1]+x1*t.stride[2]+ch]
					bl := src[base+y1*t.stride[1]+x0*t.stride[2]+ch]
					br := src[base+y1*t.stride[1]+x1*t.stride[2]+ch]
					top := tl + (tr-tl)*dx
					bottom := bl + (br-bl)*dx
					out.data[o+ch] = top + (bottom-top)*dy
				}
			}
		}
	}
	return out, nil
}

// Sum returns the sum of all elements in float64.
func (t *Tensor) Sum() float64 {
	var s float64
	for _, v := range t.Data() {
		s += float64(v)
	}
	return s
}
