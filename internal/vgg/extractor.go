// internal/vgg/extractor.go
package vgg

import (
	"errors"
	"fmt"
	"sort"

	"github.com/lumix-ai/stylize/internal/core"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownLayer  = errors.New("unknown vgg19 layer")
	ErrMissingWeight = errors.New("missing vgg19 weight")
	ErrBiasRank      = errors.New("unexpected bias rank")
)

// Mean pixel in BGR order.
var meanBGR = [3]float32{103.939, 116.779, 123.68}

// Extractor - frozen VGG19 feature stack
type Extractor struct {
	weights       core.TensorMap
	contentLayers []string
	styleLayers   []string
}

type Option func(*Extractor)

func WithContentLayers(layers ...string) Option {
	return func(e *Extractor) { e.contentLayers = append([]string(nil), layers...) }
}

func WithStyleLayers(layers ...string) Option {
	return func(e *Extractor) { e.styleLayers = append([]string(nil), layers...) }
}

// NewExtractor checks the layer configuration against the weights. The
// weights stay owned by the caller.
func NewExtractor(weights core.TensorMap, opts ...Option) (*Extractor, error) {
	e := &Extractor{
		weights:       weights,
		contentLayers: DefaultContentLayers,
		styleLayers:   DefaultStyleLayers,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := validateLayers(e.contentLayers); err != nil {
		return nil, err
	}
	if err := validateLayers(e.styleLayers); err != nil {
		return nil, err
	}

	last := e.lastLayer(e.Layers(Both))
	if last < 0 {
		return nil, fmt.Errorf("%w: no content or style layers configured", ErrUnknownLayer)
	}
	for _, layer := range Layers[:last+1] {
		if !isConv(layer) {
			continue
		}
		for _, suffix := range []string{"_kernel", "_bias"} {
			if _, ok := weights[layer+suffix]; !ok {
				return nil, fmt.Errorf("%w: %s%s", ErrMissingWeight, layer, suffix)
			}
		}
	}

	log.Debug().
		Strs("content_layers", e.contentLayers).
		Strs("style_layers", e.styleLayers).
		Str("last_layer", Layers[last]).
		Msg("VGG19 extractor ready")
	return e, nil
}

// Layers returns the sorted, de-duplicated layer names of a set.
func (e *Extractor) Layers(set LayerSet) []string {
	var names []string
	switch set {
	case Content:
		names = e.contentLayers
	case Style:
		names = e.styleLayers
	default:
		names = append(append([]string(nil), e.styleLayers...), e.contentLayers...)
	}
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return layerIndex(out[i]) < layerIndex(out[j]) })
	return out
}

func (e *Extractor) lastLayer(names []string) int {
	last := -1
	for _, n := range names {
		if i := layerIndex(n); i > last {
			last = i
		}
	}
	return last
}

func (e *Extractor) param(name string) (*core.Tensor, error) {
	t, ok := e.weights[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingWeight, name)
	}
	return t, nil
}

// PrepareInput converts an RGB image ([h,w,3] or [b,h,w,3], int or float)
// into the network's mean-subtracted BGR float input. The input is not consumed.
func PrepareInput(input *core.Tensor) (*core.Tensor, error) {
	shape := input.Shape()
	switch len(shape) {
	case 3:
		shape = append([]int{1}, shape...)
	case 4:
	default:
		return nil, fmt.Errorf("%w: expected [h,w,3] or [b,h,w,3], got %v", core.ErrShape, shape)
	}
	if shape[3] != 3 {
		return nil, fmt.Errorf("%w: expected 3 channels, got %v", core.ErrShape, shape)
	}

	out := core.NewTensor(shape, core.Float32)
	src, dst := input.Data(), out.Data()
	for i := 0; i < len(src); i += 3 {
		r, g, b := src[i], src[i+1], src[i+2]
		dst[i] = b - meanBGR[0]
		dst[i+1] = g - meanBGR[1]
		dst[i+2] = r - meanBGR[2]
	}
	return out, nil
}

// Extract runs the stack up to the deepest requested layer and returns
// clones of the requested activations.
func (e *Extractor) Extract(input *core.Tensor, set LayerSet) (core.TensorMap, error) {
	tr, err := e.run(input, set, false)
	if err != nil {
		return nil, err
	}
	return tr.activations, nil
}

// Trace runs the same pass as Extract but keeps what Backward needs.
func (e *Extractor) Trace(input *core.Tensor, set LayerSet) (*Trace, error) {
	return e.run(input, set, true)
}

func (e *Extractor) run(input *core.Tensor, set LayerSet, record bool) (*Trace, error) {
	wanted := e.Layers(set)
	want := make(map[string]bool, len(wanted))
	for _, n := range wanted {
		want[n] = true
	}
	last := e.lastLayer(wanted)

	next, err := PrepareInput(input)
	if err != nil {
		return nil, err
	}

	tr := &Trace{
		extractor:   e,
		inputShape:  input.Shape(),
		activations: make(core.TensorMap, len(wanted)),
	}
	// retained marks a conv output that tr.steps owns
	retained := false
	for i := 0; i <= last; i++ {
		layer := Layers[i]
		var out *core.Tensor
		if isConv(layer) {
			out, err = e.conv(next, layer)
			if err == nil && want[layer] {
				tr.activations[layer] = out.Clone()
			}
			if err == nil && record {
				// the post-ReLU activation doubles as the gradient mask
				tr.steps = append(tr.steps, step{layer: layer, activation: out})
			}
		} else {
			var argmax []int32
			inShape := next.Shape()
			out, argmax, err = maxPool(next)
			if err == nil && record {
				tr.steps = append(tr.steps, step{layer: layer, argmax: argmax, inShape: inShape})
			}
		}
		if !retained {
			next.Dispose()
		}
		if err != nil {
			tr.Dispose()
			return nil, fmt.Errorf("layer %s: %w", layer, err)
		}
		next = out
		retained = record && isConv(layer)
	}
	if !retained {
		next.Dispose()
	}
	return tr, nil
}

func (e *Extractor) conv(x *core.Tensor, layer string) (*core.Tensor, error) {
	kernel, err := e.param(layer + "_kernel")
	if err != nil {
		return nil, err
	}
	bias, err := e.param(layer + "_bias")
	if err != nil {
		return nil, err
	}
	out, err := conv2d(x, kernel)
	if err != nil {
		return nil, err
	}
	if err := biasAdd(out, bias); err != nil {
		out.Dispose()
		return nil, err
	}
	relu(out)
	return out, nil
}
