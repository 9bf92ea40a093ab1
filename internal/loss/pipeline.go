// internal/loss/pipeline.go
package loss

import (
	"errors"
	"fmt"

	"github.com/lumix-ai/stylize/internal/core"
)

var (
	ErrNoTarget          = errors.New("loss target not set")
	ErrMissingActivation = errors.New("missing activation")
	ErrMissingWeight     = errors.New("missing layer weight")
)

type Config struct {
	StyleWeight   float64 `yaml:"style_weight"`
	ContentWeight float64 `yaml:"content_weight"`
}

func DefaultConfig() Config {
	return Config{
		StyleWeight:   7.5e-1,
		ContentWeight: 1e0,
	}
}

// LayerLoss - one layer's contribution to the total loss
type LayerLoss struct {
	Target string  `json:"target"`
	Layer  string  `json:"layer"`
	Value  float64 `json:"value"`
}

// Result of one loss evaluation. Grads holds dTotal/dActivation for every
// activation that took part; the caller owns it.
type Result struct {
	Total   float64
	Style   float64
	Content float64
	Layers  []LayerLoss
	Grads   core.TensorMap
}

func (r *Result) Dispose() {
	if r != nil {
		r.Grads.Dispose()
	}
}

type target struct {
	name   string
	weight float64
	layers []string
	grams  core.TensorMap
}

func (t *target) dispose() {
	if t != nil {
		t.grams.Dispose()
	}
}

// Pipeline - Gram-matrix style loss plus optional Gram-matrix content loss
type Pipeline struct {
	cfg          Config
	layerWeights map[string]float64
	style        *target
	content      *target
}

// NewPipeline creates a pipeline. layerWeights gives the per-layer
// multiplier applied to both targets.
func NewPipeline(cfg Config, layerWeights map[string]float64) *Pipeline {
	return &Pipeline{cfg: cfg, layerWeights: layerWeights}
}

func (p *Pipeline) ContentEnabled() bool {
	return p.cfg.ContentWeight > 0
}

// SetStyle precomputes the style Gram matrices. features is not consumed.
func (p *Pipeline) SetStyle(features core.TensorMap, layers []string) error {
	t, err := p.newTarget("style", p.cfg.StyleWeight, features, layers)
	if err != nil {
		return err
	}
	p.style.dispose()
	p.style = t
	return nil
}

// SetContent precomputes the content Gram matrices. features is not consumed.
func (p *Pipeline) SetContent(features core.TensorMap, layers []string) error {
	t, err := p.newTarget("content", p.cfg.ContentWeight, features, layers)
	if err != nil {
		return err
	}
	p.content.dispose()
	p.content = t
	return nil
}

func (p *Pipeline) newTarget(name string, weight float64, features core.TensorMap, layers []string) (*target, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: %s target has no layers", ErrNoTarget, name)
	}
	t := &target{name: name, weight: weight, layers: append([]string(nil), layers...), grams: make(core.TensorMap, len(layers))}
	for _, layer := range layers {
		if _, ok := p.layerWeights[layer]; !ok {
			t.dispose()
			return nil, fmt.Errorf("%w: %s", ErrMissingWeight, layer)
		}
		a, ok := features[layer]
		if !ok {
			t.dispose()
			return nil, fmt.Errorf("%w: %s target %s", ErrMissingActivation, name, layer)
		}
		g, err := GramMatrix(a)
		if err != nil {
			t.dispose()
			return nil, err
		}
		t.grams[layer] = g
	}
	return t, nil
}

// Compute evaluates the total loss of the output activations and its
// gradient with respect to them. out is not consumed.
func (p *Pipeline) Compute(out core.TensorMap) (*Result, error) {
	if p.style == nil {
		return nil, ErrNoTarget
	}
	res := &Result{Grads: make(core.TensorMap)}

	style, err := p.evaluate(p.style, out, res)
	if err != nil {
		res.Dispose()
		return nil, err
	}
	res.Style = style

	if p.ContentEnabled() {
		if p.content == nil {
			res.Dispose()
			return nil, fmt.Errorf("%w: content", ErrNoTarget)
		}
		content, err := p.evaluate(p.content, out, res)
		if err != nil {
			res.Dispose()
			return nil, err
		}
		res.Content = content
	}
	res.Total = res.Style + res.Content
	return res, nil
}

func (p *Pipeline) evaluate(t *target, out core.TensorMap, res *Result) (float64, error) {
	s := core.NewScope()
	defer s.Close()

	numLayers := float64(len(t.layers))
	var sum float64
	for _, layer := range t.layers {
		a, ok := out[layer]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrMissingActivation, layer)
		}
		g, err := GramMatrix(a)
		if err != nil {
			return 0, err
		}
		s.Track(g)
		target := t.grams[layer]
		l2, err := SeparatedL2(g, target)
		if err != nil {
			return 0, fmt.Errorf("%s layer %s: %w", t.name, layer, err)
		}
		s.Track(l2)

		batch := float64(l2.Size())
		layerLoss := l2.Sum() / batch
		w := p.layerWeights[layer]
		sum += layerLoss * w
		res.Layers = append(res.Layers, LayerLoss{Target: t.name, Layer: layer, Value: layerLoss * w / numLayers * t.weight})

		// d(total)/dG = weight/numLayers * w * 2(G-S) / (count*batch)
		count := float64(g.Size()) / batch
		coef := float32(t.weight / numLayers * w * 2 / (count * batch))
		dG := s.Track(g.Clone())
		if err := core.AddScaled(dG, target, -1); err != nil {
			return 0, err
		}
		dG.Scale(coef)

		dA, err := gramBackward(a, dG)
		if err != nil {
			return 0, err
		}
		if prev, ok := res.Grads[layer]; ok {
			err = core.AddScaled(prev, dA, 1)
			dA.Dispose()
			if err != nil {
				return 0, err
			}
		} else {
			res.Grads[layer] = dA
		}
	}
	return sum / numLayers * t.weight, nil
}

// Dispose releases the precomputed targets.
func (p *Pipeline) Dispose() {
	p.style.dispose()
	p.content.dispose()
	p.style, p.content = nil, nil
}
