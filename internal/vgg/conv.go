// internal/vgg/conv.go
package vgg

import (
	"fmt"
	"math"

	"github.com/lumix-ai/stylize/internal/core"
)

// maxColsElems bounds the im2col buffer; larger images are processed in row bands.
const maxColsElems = 1 << 22

type convGeom struct {
	b, h, w, cin, cout int
	kh, kw             int
	padTop, padLeft    int
}

func newConvGeom(x, kernel *core.Tensor) (convGeom, error) {
	if x.Rank() != 4 {
		return convGeom{}, fmt.Errorf("%w: conv input must be [b,h,w,c], got %v", core.ErrShape, x.Shape())
	}
	if kernel.Rank() != 4 {
		return convGeom{}, fmt.Errorf("%w: conv kernel must be [kh,kw,in,out], got %v", core.ErrShape, kernel.Shape())
	}
	g := convGeom{
		b: x.Dim(0), h: x.Dim(1), w: x.Dim(2), cin: x.Dim(3),
		kh: kernel.Dim(0), kw: kernel.Dim(1), cout: kernel.Dim(3),
	}
	if kernel.Dim(2) != g.cin {
		return convGeom{}, fmt.Errorf("%w: kernel %v does not accept %d channels", core.ErrShape, kernel.Shape(), g.cin)
	}
	// 'same' padding at stride 1 puts the odd pixel after
	g.padTop = (g.kh - 1) / 2
	g.padLeft = (g.kw - 1) / 2
	return g, nil
}

func (g convGeom) k() int { return g.kh * g.kw * g.cin }

func (g convGeom) bandRows() int {
	rows := maxColsElems / max(1, g.w*g.k())
	return min(max(rows, 1), g.h)
}

// im2col fills cols for output rows [y0, y1) of batch element n.
func (g convGeom) im2col(src []float32, n, y0, y1 int, cols []float32) {
	k := g.k()
	base := n * g.h * g.w * g.cin
	for y := y0; y < y1; y++ {
		for x := 0; x < g.w; x++ {
			row := cols[((y-y0)*g.w+x)*k : ((y-y0)*g.w+x+1)*k]
			i := 0
			for ky := 0; ky < g.kh; ky++ {
				sy := y + ky - g.padTop
				for kx := 0; kx < g.kw; kx++ {
					sx := x + kx - g.padLeft
					if sy < 0 || sy >= g.h || sx < 0 || sx >= g.w {
						for c := 0; c < g.cin; c++ {
							row[i+c] = 0
						}
					} else {
						copy(row[i:i+g.cin], src[base+(sy*g.w+sx)*g.cin:base+(sy*g.w+sx+1)*g.cin])
					}
					i += g.cin
				}
			}
		}
	}
}

// col2im accumulates cols for output rows [y0, y1) back into dst.
func (g convGeom) col2im(cols []float32, n, y0, y1 int, dst []float32) {
	k := g.k()
	base := n * g.h * g.w * g.cin
	for y := y0; y < y1; y++ {
		for x := 0; x < g.w; x++ {
			row := cols[((y-y0)*g.w+x)*k : ((y-y0)*g.w+x+1)*k]
			i := 0
			for ky := 0; ky < g.kh; ky++ {
				sy := y + ky - g.padTop
				for kx := 0; kx < g.kw; kx++ {
					sx := x + kx - g.padLeft
					if sy >= 0 && sy < g.h && sx >= 0 && sx < g.w {
						d := dst[base+(sy*g.w+sx)*g.cin : base+(sy*g.w+sx+1)*g.cin]
						for c := range d {
							d[c] += row[i+c]
						}
					}
					i += g.cin
				}
			}
		}
	}
}

// conv2d computes a stride-1 'same' convolution.
func conv2d(x, kernel *core.Tensor) (*core.Tensor, error) {
	g, err := newConvGeom(x, kernel)
	if err != nil {
		return nil, err
	}
	out := core.NewTensor([]int{g.b, g.h, g.w, g.cout}, core.Float32)
	src, kd, od := x.Data(), kernel.Data(), out.Data()

	band := g.bandRows()
	cols := make([]float32, band*g.w*g.k())
	for n := 0; n < g.b; n++ {
		for y0 := 0; y0 < g.h; y0 += band {
			y1 := min(y0+band, g.h)
			rows := (y1 - y0) * g.w
			g.im2col(src, n, y0, y1, cols)
			dst := od[(n*g.h*g.w+y0*g.w)*g.cout : (n*g.h*g.w+y1*g.w)*g.cout]
			core.Gemm(false, false, rows, g.cout, g.k(), 1, cols[:rows*g.k()], kd, 0, dst)
		}
	}
	return out, nil
}

// conv2dBackward returns the input gradient of conv2d for output gradient dy.
func conv2dBackward(dy, kernel *core.Tensor) (*core.Tensor, error) {
	if dy.Rank() != 4 || kernel.Rank() != 4 || dy.Dim(3) != kernel.Dim(3) {
		return nil, fmt.Errorf("%w: conv gradient %v for kernel %v", core.ErrShape, dy.Shape(), kernel.Shape())
	}
	g := convGeom{
		b: dy.Dim(0), h: dy.Dim(1), w: dy.Dim(2), cout: dy.Dim(3),
		kh: kernel.Dim(0), kw: kernel.Dim(1), cin: kernel.Dim(2),
	}
	g.padTop = (g.kh - 1) / 2
	g.padLeft = (g.kw - 1) / 2

	dx := core.NewTensor([]int{g.b, g.h, g.w, g.cin}, core.Float32)
	dyd, kd, dxd := dy.Data(), kernel.Data(), dx.Data()

	band := g.bandRows()
	cols := make([]float32, band*g.w*g.k())
	for n := 0; n < g.b; n++ {
		for y0 := 0; y0 < g.h; y0 += band {
			y1 := min(y0+band, g.h)
			rows := (y1 - y0) * g.w
			src := dyd[(n*g.h*g.w+y0*g.w)*g.cout : (n*g.h*g.w+y1*g.w)*g.cout]
			core.Gemm(false, true, rows, g.k(), g.cout, 1, src, kd, 0, cols[:rows*g.k()])
			g.col2im(cols, n, y0, y1, dxd)
		}
	}
	return dx, nil
}

// biasAdd adds a per-channel bias in place.
func biasAdd(x, bias *core.Tensor) error {
	if bias.Rank() != 1 && bias.Rank() != x.Rank() {
		return fmt.Errorf("%w: bias rank %d; expected 1 or %d", ErrBiasRank, bias.Rank(), x.Rank())
	}
	c := x.Dim(-1)
	if bias.Size() != c {
		return fmt.Errorf("%w: bias %v for %d channels", core.ErrShape, bias.Shape(), c)
	}
	xd, bd := x.Data(), bias.Data()
	for i := 0; i < len(xd); i += c {
		row := xd[i : i+c]
		for j := range row {
			row[j] += bd[j]
		}
	}
	return nil
}

func relu(x *core.Tensor) {
	d := x.Data()
	for i, v := range d {
		if v < 0 {
			d[i] = 0
		}
	}
}

// reluBackward zeroes dy wherever the activation was clipped.
func reluBackward(dy, activation *core.Tensor) {
	d, a := dy.Data(), activation.Data()
	for i := range d {
		if a[i] <= 0 {
			d[i] = 0
		}
	}
}

// maxPool applies a 2x2 stride-2 'same' max pool and records the winning
// input index of every output element.
func maxPool(x *core.Tensor) (*core.Tensor, []int32, error) {
	if x.Rank() != 4 {
		return nil, nil, fmt.Errorf("%w: pool input must be [b,h,w,c], got %v", core.ErrShape, x.Shape())
	}
	b, h, w, c := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	oh, ow := (h+1)/2, (w+1)/2
	out := core.NewTensor([]int{b, oh, ow, c}, core.Float32)
	argmax := make([]int32, out.Size())
	src, od := x.Data(), out.Data()

	o := 0
	for n := 0; n < b; n++ {
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				for ch := 0; ch < c; ch++ {
					best := float32(math.Inf(-1))
					bestIdx := -1
					for dy := 0; dy < 2; dy++ {
						sy := 2*y + dy
						if sy >= h {
							continue
						}
						for dx := 0; dx < 2; dx++ {
							sx := 2*xx + dx
							if sx >= w {
								continue
							}
							idx := ((n*h+sy)*w+sx)*c + ch
							if bestIdx < 0 || src[idx] > best {
								best = src[idx]
								bestIdx = idx
							}
						}
					}
					od[o] = best
					argmax[o] = int32(bestIdx)
					o++
				}
			}
		}
	}
	return out, argmax, nil
}

// maxPoolBackward routes dy to the recorded winners.
func maxPoolBackward(dy *core.Tensor, argmax []int32, inShape []int) (*core.Tensor, error) {
	if dy.Size() != len(argmax) {
		return nil, fmt.Errorf("%w: pool gradient %v for %d outputs", core.ErrShape, dy.Shape(), len(argmax))
	}
	dx := core.NewTensor(inShape, core.Float32)
	d, dyd := dx.Data(), dy.Data()
	for o, idx := range argmax {
		d[idx] += dyd[o]
	}
	return dx, nil
}
