package loss

import (
	"math/rand"
	"testing"

	"github.com/lumix-ai/stylize/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func random(rng *rand.Rand, shape ...int) *core.Tensor {
	t := core.NewTensor(shape, core.Float32)
	for i := range t.Data() {
		t.Data()[i] = float32(rng.Float64()*2 - 1)
	}
	return t
}

func TestGramMatrixIsSymmetric(t *testing.T) {
	a := random(rand.New(rand.NewSource(1)), 2, 3, 4, 5)
	defer a.Dispose()

	g, err := GramMatrix(a)
	require.NoError(t, err)
	defer g.Dispose()
	require.Equal(t, []int{2, 5, 5}, g.Shape())

	d := g.Data()
	for n := 0; n < 2; n++ {
		for i := 0; i < 5; i++ {
			for j := 0; j < 5; j++ {
				assert.InDelta(t, d[n*25+i*5+j], d[n*25+j*5+i], 1e-6)
			}
		}
	}

	// first entry by hand
	var want float64
	src := a.Data()
	for p := 0; p < 12; p++ {
		want += float64(src[p*5]) * float64(src[p*5])
	}
	assert.InDelta(t, want/60, d[0], 1e-5)
}

func TestGramMatrixRejectsRank3(t *testing.T) {
	a := core.Zeros(3, 3, 3)
	defer a.Dispose()
	_, err := GramMatrix(a)
	assert.ErrorIs(t, err, core.ErrShape)
}

func TestSeparatedL2(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	a := random(rng, 2, 3, 3)
	defer a.Dispose()

	same, err := SeparatedL2(a, a)
	require.NoError(t, err)
	defer same.Dispose()
	assert.Equal(t, []float32{0, 0}, same.Data())

	p, err := core.FromData([]float32{1, 2, 3, 4}, []int{1, 2, 2}, core.Float32)
	require.NoError(t, err)
	defer p.Dispose()
	q := core.Zeros(1, 2, 2)
	defer q.Dispose()
	l2, err := SeparatedL2(p, q)
	require.NoError(t, err)
	defer l2.Dispose()
	assert.InDelta(t, 30.0/4, l2.Data()[0], 1e-6)

	r := core.Zeros(1, 2, 3)
	defer r.Dispose()
	_, err = SeparatedL2(p, r)
	assert.ErrorIs(t, err, core.ErrShape)
}

func newTestPipeline(t *testing.T, cfg Config, style, content core.TensorMap, layers []string) *Pipeline {
	t.Helper()
	weights := map[string]float64{"conv1_1": 0.5, "conv2_1": 2}
	p := NewPipeline(cfg, weights)
	require.NoError(t, p.SetStyle(style, layers))
	if content != nil {
		require.NoError(t, p.SetContent(content, layers))
	}
	t.Cleanup(p.Dispose)
	return p
}

func TestPipelineNeedsTarget(t *testing.T) {
	p := NewPipeline(DefaultConfig(), map[string]float64{"conv1_1": 1})
	_, err := p.Compute(core.TensorMap{})
	assert.ErrorIs(t, err, ErrNoTarget)

	feats := core.TensorMap{"conv1_1": core.Zeros(1, 2, 2, 3)}
	defer feats.Dispose()
	require.NoError(t, p.SetStyle(feats, []string{"conv1_1"}))
	defer p.Dispose()
	_, err = p.Compute(feats)
	assert.ErrorIs(t, err, ErrNoTarget, "content weight is positive but no content target")

	assert.ErrorIs(t, p.SetStyle(feats, []string{"conv9_1"}), ErrMissingWeight)
	assert.ErrorIs(t, p.SetContent(feats, nil), ErrNoTarget)
	assert.ErrorIs(t, p.SetStyle(feats, []string{}), ErrNoTarget)
}

func TestPipelineZeroAtTarget(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	feats := core.TensorMap{"conv1_1": random(rng, 1, 4, 4, 3), "conv2_1": random(rng, 1, 2, 2, 5)}
	defer feats.Dispose()
	layers := []string{"conv1_1", "conv2_1"}
	p := newTestPipeline(t, DefaultConfig(), feats, feats, layers)

	res, err := p.Compute(feats)
	require.NoError(t, err)
	defer res.Dispose()
	assert.InDelta(t, 0, res.Total, 1e-12)
	assert.Len(t, res.Layers, 4)
	for _, g := range res.Grads {
		assert.InDelta(t, 0, float64(core.Asum(g.Data())), 1e-9)
	}
}

func TestPipelineGradientMatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	layers := []string{"conv1_1", "conv2_1"}
	style := core.TensorMap{"conv1_1": random(rng, 1, 3, 3, 2), "conv2_1": random(rng, 1, 2, 2, 3)}
	content := core.TensorMap{"conv1_1": random(rng, 1, 3, 3, 2), "conv2_1": random(rng, 1, 2, 2, 3)}
	out := core.TensorMap{"conv1_1": random(rng, 1, 3, 3, 2), "conv2_1": random(rng, 1, 2, 2, 3)}
	defer style.Dispose()
	defer content.Dispose()
	defer out.Dispose()

	p := newTestPipeline(t, Config{StyleWeight: 0.75, ContentWeight: 1}, style, content, layers)

	res, err := p.Compute(out)
	require.NoError(t, err)
	defer res.Dispose()
	assert.InDelta(t, res.Style+res.Content, res.Total, 1e-12)
	var layerSum float64
	for _, l := range res.Layers {
		layerSum += l.Value
	}
	assert.InDelta(t, res.Total, layerSum, 1e-9*res.Total)

	dirs := core.TensorMap{}
	defer dirs.Dispose()
	var analytic float64
	for _, layer := range layers {
		d := random(rng, out[layer].Shape()...)
		dirs[layer] = d
		analytic += float64(core.Dot(res.Grads[layer].Data(), d.Data()))
	}

	shifted := func(eps float32) float64 {
		moved := out.Clone()
		defer moved.Dispose()
		for layer, d := range dirs {
			require.NoError(t, core.AddScaled(moved[layer], d, eps))
		}
		r, err := p.Compute(moved)
		require.NoError(t, err)
		defer r.Dispose()
		return r.Total
	}
	const eps = 1e-2
	numeric := (shifted(eps) - shifted(-eps)) / (2 * eps)
	assert.InEpsilon(t, numeric, analytic, 2e-2)
}

func TestPipelineNoLeaks(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	feats := core.TensorMap{"conv1_1": random(rng, 2, 4, 4, 3)}
	defer feats.Dispose()
	out := core.TensorMap{"conv1_1": random(rng, 2, 4, 4, 3)}
	defer out.Dispose()

	base := core.LiveTensors()
	p := NewPipeline(Config{StyleWeight: 1}, map[string]float64{"conv1_1": 1})
	require.NoError(t, p.SetStyle(feats, []string{"conv1_1"}))
	for i := 0; i < 3; i++ {
		res, err := p.Compute(out)
		require.NoError(t, err)
		assert.Zero(t, res.Content)
		res.Dispose()
	}
	p.Dispose()
	assert.Equal(t, base, core.LiveTensors())
}
