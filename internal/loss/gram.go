// internal/loss/gram.go
package loss

import (
	"fmt"

	"github.com/lumix-ai/stylize/internal/core"
)

// GramMatrix - normalized channel second moments of a [b,h,w,c] activation:
// FᵀF / (h*w*c) per batch element, shape [b,c,c].
func GramMatrix(a *core.Tensor) (*core.Tensor, error) {
	if a.Rank() != 4 {
		return nil, fmt.Errorf("%w: gram matrix needs [b,h,w,c], got %v", core.ErrShape, a.Shape())
	}
	b, h, w, c := a.Dim(0), a.Dim(1), a.Dim(2), a.Dim(3)
	hw := h * w
	out := core.NewTensor([]int{b, c, c}, core.Float32)
	src, dst := a.Data(), out.Data()
	norm := 1 / float32(hw*c)
	for n := 0; n < b; n++ {
		f := src[n*hw*c : (n+1)*hw*c]
		core.Gemm(true, false, c, c, hw, norm, f, f, 0, dst[n*c*c:(n+1)*c*c])
	}
	return out, nil
}

// gramBackward maps dL/dG back to dL/dA = F (dG + dGᵀ) / (h*w*c).
func gramBackward(a, dG *core.Tensor) (*core.Tensor, error) {
	b, h, w, c := a.Dim(0), a.Dim(1), a.Dim(2), a.Dim(3)
	if dG.Rank() != 3 || dG.Dim(0) != b || dG.Dim(1) != c || dG.Dim(2) != c {
		return nil, fmt.Errorf("%w: gram gradient %v for activation %v", core.ErrShape, dG.Shape(), a.Shape())
	}
	hw := h * w
	sym := make([]float32, c*c)
	out := core.NewTensor(a.Shape(), core.Float32)
	src, gd, dst := a.Data(), dG.Data(), out.Data()
	norm := 1 / float32(hw*c)
	for n := 0; n < b; n++ {
		g := gd[n*c*c : (n+1)*c*c]
		for i := 0; i < c; i++ {
			for j := 0; j < c; j++ {
				sym[i*c+j] = g[i*c+j] + g[j*c+i]
			}
		}
		core.Gemm(false, false, hw, c, c, norm, src[n*hw*c:(n+1)*hw*c], sym, 0, dst[n*hw*c:(n+1)*hw*c])
	}
	return out, nil
}

// SeparatedL2 - per-batch-element squared distance: 2*(Σ diff²/2)/count,
// summed over every non-batch axis. Accepts rank 3 and rank 4 inputs.
func SeparatedL2(pred, truth *core.Tensor) (*core.Tensor, error) {
	if !core.SameShape(pred, truth) {
		return nil, fmt.Errorf("%w: %v vs %v", core.ErrShape, pred.Shape(), truth.Shape())
	}
	if pred.Rank() != 3 && pred.Rank() != 4 {
		return nil, fmt.Errorf("%w: separated l2 needs rank 3 or 4, got %v", core.ErrShape, pred.Shape())
	}
	b := pred.Dim(0)
	count := pred.Size() / b
	out := core.NewTensor([]int{b}, core.Float32)
	p, q, dst := pred.Data(), truth.Data(), out.Data()
	for n := 0; n < b; n++ {
		var sum float64
		for i := n * count; i < (n+1)*count; i++ {
			d := float64(p[i] - q[i])
			sum += d * d
		}
		l2 := sum / 2
		dst[n] = float32(2 * l2 / float64(count))
	}
	return out, nil
}
