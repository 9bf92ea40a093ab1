// internal/vgg/trace.go
package vgg

import (
	"fmt"

	"github.com/lumix-ai/stylize/internal/core"
)

type step struct {
	layer      string
	activation *core.Tensor // conv: post-ReLU output
	argmax     []int32      // pool: winning input indices
	inShape    []int
}

// Trace - a recorded forward pass that can propagate activation gradients
// back to the input image.
type Trace struct {
	extractor   *Extractor
	inputShape  []int
	steps       []step
	activations core.TensorMap
}

// Activations returns the requested activations. They stay owned by the trace.
func (tr *Trace) Activations() core.TensorMap {
	return tr.activations
}

// Backward takes gradients of a scalar with respect to some of the traced
// activations and returns the gradient with respect to the RGB input, in the
// input's shape. grads is not consumed.
func (tr *Trace) Backward(grads core.TensorMap) (*core.Tensor, error) {
	for name := range grads {
		if _, ok := tr.activations[name]; !ok {
			return nil, fmt.Errorf("%w: no traced activation for %q", ErrUnknownLayer, name)
		}
	}

	var g *core.Tensor
	release := func() {
		if g != nil {
			g.Dispose()
		}
	}
	for i := len(tr.steps) - 1; i >= 0; i-- {
		st := tr.steps[i]
		if st.activation != nil {
			if gi, ok := grads[st.layer]; ok {
				if g == nil {
					g = gi.Clone()
				} else if err := core.AddScaled(g, gi, 1); err != nil {
					release()
					return nil, fmt.Errorf("layer %s: %w", st.layer, err)
				}
			}
		}
		if g == nil {
			continue
		}

		var dx *core.Tensor
		var err error
		if st.activation != nil {
			reluBackward(g, st.activation)
			kernel, perr := tr.extractor.param(st.layer + "_kernel")
			if perr != nil {
				release()
				return nil, perr
			}
			dx, err = conv2dBackward(g, kernel)
		} else {
			dx, err = maxPoolBackward(g, st.argmax, st.inShape)
		}
		g.Dispose()
		g = nil
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", st.layer, err)
		}
		g = dx
	}

	shape := tr.inputShape
	if len(shape) == 3 {
		shape = append([]int{1}, shape...)
	}
	out := core.NewTensor(shape, core.Float32)
	if g != nil {
		// undo the RGB -> BGR reorder; mean subtraction has unit derivative
		src, dst := g.Data(), out.Data()
		for i := 0; i < len(src); i += 3 {
			dst[i] = src[i+2]
			dst[i+1] = src[i+1]
			dst[i+2] = src[i]
		}
		g.Dispose()
	}
	if len(tr.inputShape) == 3 {
		return out.Reshape(tr.inputShape...)
	}
	return out, nil
}

// Dispose releases the retained activations and masks.
func (tr *Trace) Dispose() {
	for _, st := range tr.steps {
		st.activation.Dispose()
	}
	tr.steps = nil
	tr.activations.Dispose()
}
