package optim

import (
	"math"
	"testing"

	"github.com/lumix-ai/stylize/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tensor(t *testing.T, data ...float32) *core.Tensor {
	t.Helper()
	x, err := core.FromData(append([]float32(nil), data...), []int{len(data)}, core.Float32)
	require.NoError(t, err)
	return x
}

// shrinkingGradient returns g0 * (100 - k): the gradient change always points
// along the last correction, so every curvature pair is accepted.
func shrinkingGradient(k int) *core.Tensor {
	g := core.NewTensor([]int{1, 4, 4, 3}, core.Float32)
	for i := range g.Data() {
		g.Data()[i] = float32(i+1) / 48 * float32(100-k)
	}
	return g
}

func TestHistoryNeverExceedsMaxCor(t *testing.T) {
	cfg := DefaultConfig()
	opt := NewAggressive(cfg, nil)
	defer opt.Reset()

	x := core.Zeros(1, 4, 4, 3)
	defer x.Dispose()

	for k := 0; k < cfg.MaxCor+5; k++ {
		require.NoError(t, opt.Step(x, shrinkingGradient(k), float32(1000-10*k)))
		assert.Equal(t, min(k, cfg.MaxCor), opt.HistoryLen(), "after step %d", k)
		assert.Equal(t, len(opt.oldDirs), len(opt.oldSteps))
	}
	assert.Equal(t, cfg.MaxCor, opt.HistoryLen())
	assert.Zero(t, opt.Stats().CurvatureSkips)
	assert.Zero(t, opt.Stats().NonDescent)
	assert.True(t, x.AllFinite())
}

// twoLoop is a float64 rendition of the recursion used as a reference.
func twoLoop(dirs, steps [][]float32, hessian float64, g []float32) []float64 {
	dot := func(a []float32, b []float64) float64 {
		var sum float64
		for i := range a {
			sum += float64(a[i]) * b[i]
		}
		return sum
	}
	k := len(dirs)
	ro := make([]float64, k)
	al := make([]float64, k)
	for i := range dirs {
		var ys float64
		for j := range dirs[i] {
			ys += float64(steps[i][j]) * float64(dirs[i][j])
		}
		ro[i] = 1 / ys
	}
	q := make([]float64, len(g))
	for i, v := range g {
		q[i] = -float64(v)
	}
	for i := k - 1; i >= 0; i-- {
		al[i] = ro[i] * dot(dirs[i], q)
		for j := range q {
			q[j] -= al[i] * float64(steps[i][j])
		}
	}
	for j := range q {
		q[j] *= hessian
	}
	for i := 0; i < k; i++ {
		be := ro[i] * dot(steps[i], q)
		for j := range q {
			q[j] += (al[i] - be) * float64(dirs[i][j])
		}
	}
	return q
}

func TestDirectionWithCurvatureHistory(t *testing.T) {
	opt := NewAggressive(DefaultConfig(), nil)
	opt.oldDirs = [][]float32{
		{1, 0, 0.5, 0},
		{0, 1, 0, -0.5},
		{0.5, -0.5, 1, 1},
	}
	opt.oldSteps = [][]float32{
		{2, 0.5, 1, 0},
		{0.3, 1.5, 0, -1},
		{1, -0.2, 2, 1.5},
	}
	last := opt.oldSteps[2]
	opt.hessian = core.Dot(last, opt.oldDirs[2]) / core.Dot(last, last)

	g := []float32{0.7, -1.2, 0.4, 2}
	want := twoLoop(opt.oldDirs, opt.oldSteps, float64(opt.hessian), g)
	got := opt.direction(g)
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], float64(got[i]), 1e-5, "component %d", i)
	}

	// the implied inverse Hessian maps the newest gradient change onto the
	// newest step: direction(-y) = H y = s
	negY := make([]float32, len(last))
	for i, v := range last {
		negY[i] = -v
	}
	assert.InDeltaSlice(t, opt.oldDirs[2], opt.direction(negY), 1e-5)
}

func TestFirstStepUsesAdaptiveAdjustment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAdjustment = 1
	opt := NewAggressive(cfg, nil)
	defer opt.Reset()

	x := core.Zeros(4)
	defer x.Dispose()
	// log1p(e-1) = 1 and mean|g| = 2.5, so the adjustment is 0.4
	require.NoError(t, opt.Step(x, tensor(t, 1, -2, 3, -4), float32(math.E-1)))
	assert.InDeltaSlice(t, []float32{-0.4, 0.8, -1, 1}, x.Data(), 1e-6)
	assert.Zero(t, opt.HistoryLen())
}

func TestStagnationBump(t *testing.T) {
	opt := NewAggressive(DefaultConfig(), nil)
	defer opt.Reset()

	x := core.Zeros(4)
	defer x.Dispose()
	require.NoError(t, opt.Step(x, tensor(t, 1, -2, 3, -4), float32(math.E-1)))
	assert.InDeltaSlice(t, []float32{-0.4, 0.8, -1.2, 1.6}, x.Data(), 1e-6)

	// same gradient: y = 0 fails the curvature test, direction is -g, the
	// step 5*(-g) is clipped to ±5 and the unchanged value triggers a bump
	require.NoError(t, opt.Step(x, tensor(t, 1, -2, 3, -4), float32(math.E-1)))
	assert.InDeltaSlice(t, []float32{-4.86, 5.22, -5.58, 5.94}, x.Data(), 1e-5)

	stats := opt.Stats()
	assert.Equal(t, 2, stats.Steps)
	assert.Equal(t, 1, stats.Bumps)
	assert.Equal(t, 1, stats.CurvatureSkips)
	assert.Zero(t, opt.HistoryLen())
}

func TestResetClearsHistory(t *testing.T) {
	opt := NewAggressive(DefaultConfig(), nil)
	x := core.Zeros(1, 4, 4, 3)
	defer x.Dispose()

	base := core.LiveTensors()
	for k := 0; k < 4; k++ {
		require.NoError(t, opt.Step(x, shrinkingGradient(k), float32(500-k)))
	}
	require.Equal(t, 3, opt.HistoryLen())

	opt.Reset()
	assert.Zero(t, opt.HistoryLen())
	assert.Nil(t, opt.gradientOld)
	assert.Equal(t, float32(1), opt.hessian)
	assert.Equal(t, base, core.LiveTensors())

	// a differently shaped variable is fine after a reset
	y := core.Zeros(2, 3)
	defer y.Dispose()
	g := core.NewTensor([]int{2, 3}, core.Float32)
	g.Data()[0] = 1
	require.NoError(t, opt.Step(y, g, 1))
	assert.Less(t, y.Data()[0], float32(0))
	opt.Reset()
}

func TestStepRejectsShapeChanges(t *testing.T) {
	opt := NewAggressive(DefaultConfig(), nil)
	defer opt.Reset()

	base := core.LiveTensors()
	x := core.Zeros(4)
	err := opt.Step(x, core.Zeros(5), 1)
	assert.ErrorIs(t, err, core.ErrShape)

	require.NoError(t, opt.Step(x, tensor(t, 1, 1, 1, 1), 1))
	x.Dispose()

	y := core.Zeros(6)
	err = opt.Step(y, core.Zeros(6), 2)
	assert.ErrorIs(t, err, core.ErrShape)
	y.Dispose()

	opt.Reset()
	assert.Equal(t, base, core.LiveTensors())
}

func TestAdamStep(t *testing.T) {
	opt, err := New(Config{Kind: KindAdam, LearningRate: 25.5, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindAdam, opt.Name())

	x := core.Zeros(3)
	defer x.Dispose()
	base := core.LiveTensors()
	require.NoError(t, opt.Step(x, tensor(t, 2, -0.5, 0), 10))
	// bias-corrected first step moves each coordinate by lr*sign(g)
	assert.InDeltaSlice(t, []float32{-25.5, 25.5, 0}, x.Data(), 1e-3)
	assert.Equal(t, base, core.LiveTensors())

	opt.Reset()
	require.NoError(t, opt.Step(x, tensor(t, 1, 1, 1), 10))
	assert.InDelta(t, -51, x.Data()[0], 1e-3)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Kind: "sgd"}, nil)
	assert.ErrorIs(t, err, ErrUnknownOptimizer)

	cfg := DefaultConfig()
	cfg.MaxCor = 0
	_, err = New(cfg, nil)
	assert.Error(t, err)

	opt, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, KindAggressive, opt.Name())
	_, ok := opt.(*Aggressive)
	assert.True(t, ok)
}
