package transfer

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/lumix-ai/stylize/internal/core"
	"github.com/lumix-ai/stylize/internal/optim"
	"github.com/lumix-ai/stylize/internal/progress"
	"github.com/lumix-ai/stylize/internal/tiling"
	"github.com/lumix-ai/stylize/internal/vgg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syntheticSource struct {
	last string
	err  error
}

func (s syntheticSource) Load(context.Context) (core.TensorMap, error) {
	if s.err != nil {
		return nil, s.err
	}
	last := s.last
	if last == "" {
		last = "conv4_1"
	}
	return vgg.SyntheticWeights([5]int{4, 6, 8, 8, 8}, last, 11)
}

func randomImage(seed int64, h, w int) *core.Tensor {
	rng := rand.New(rand.NewSource(seed))
	t := core.NewTensor([]int{h, w, 3}, core.Int32)
	for i := range t.Data() {
		t.Data()[i] = float32(rng.Intn(256))
	}
	return t
}

type recorder struct {
	events []progress.Event
}

func (r *recorder) Report(e progress.Event) { r.events = append(r.events, e) }

func (r *recorder) iterations() []progress.Event {
	var out []progress.Event
	for _, e := range r.events {
		if e.Stage == progress.StageIteration {
			out = append(out, e)
		}
	}
	return out
}

func testConfig(tileSize, tilePad int) Config {
	cfg := DefaultConfig()
	cfg.Tiling = tiling.Config{Enabled: true, TileSize: tileSize, TilePad: tilePad}
	return cfg
}

func newTransfer(t *testing.T, cfg Config, opts ...Option) *StyleTransfer {
	t.Helper()
	st, err := New(cfg, syntheticSource{}, opts...)
	require.NoError(t, err)
	require.NoError(t, st.Initialize(context.Background()))
	t.Cleanup(st.Close)
	return st
}

func TestProcessEndToEnd(t *testing.T) {
	rec := &recorder{}
	st := newTransfer(t, testConfig(128, 8), WithReporter(rec))
	assert.Equal(t, Initialized, st.State())

	style := randomImage(1, 256, 256)
	defer style.Dispose()
	content := randomImage(2, 256, 256)
	defer content.Dispose()

	require.NoError(t, st.SetStyle("style.png", style))
	out, err := st.Process(context.Background(), content, 4)
	require.NoError(t, err)
	defer out.Dispose()

	assert.Equal(t, []int{1, 256, 256, 3}, out.Shape())
	assert.True(t, out.AllFinite())
	assert.Equal(t, Done, st.State())

	iters := rec.iterations()
	require.Len(t, iters, 4)
	var tiles []int
	for _, e := range iters {
		assert.False(t, math.IsNaN(e.Loss) || math.IsInf(e.Loss, 0), "iteration %d", e.Iteration)
		assert.GreaterOrEqual(t, e.Loss, 0.0)
		assert.InDelta(t, e.Style+e.Content, e.Loss, 1e-9*math.Max(1, e.Loss))
		tiles = append(tiles, e.Tiles)
	}
	// 128 -> padded 256 (2x2 tiles), 256 -> padded 384 (3x3 tiles)
	assert.Equal(t, []int{4, 4, 9, 9}, tiles)
	assert.Equal(t, progress.StageDone, rec.events[len(rec.events)-1].Stage)
}

func TestResolutionSwitchResetsHistory(t *testing.T) {
	var calls []int
	var at int
	var st *StyleTransfer
	st = newTransfer(t, testConfig(32, 4), WithResizeHook(func(historyLen int) {
		at = st.Iteration()
		calls = append(calls, historyLen)
	}))

	style := randomImage(3, 64, 64)
	defer style.Dispose()
	content := randomImage(4, 64, 64)
	defer content.Dispose()

	require.NoError(t, st.SetStyle("s", style))
	out, err := st.Process(context.Background(), content, 10)
	require.NoError(t, err)
	defer out.Dispose()

	assert.Equal(t, []int{0}, calls)
	assert.Equal(t, 5, at)
	assert.Equal(t, []int{1, 64, 64, 3}, out.Shape())
}

func TestInitializeFailureLeavesUninitialized(t *testing.T) {
	ioErr := errors.New("connection refused")
	st, err := New(DefaultConfig(), syntheticSource{err: ioErr})
	require.NoError(t, err)
	defer st.Close()

	err = st.Initialize(context.Background())
	assert.ErrorIs(t, err, ioErr)
	assert.Equal(t, Uninitialized, st.State())

	content := randomImage(5, 8, 8)
	defer content.Dispose()
	_, err = st.Process(context.Background(), content, 1)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, st.SetStyle("s", content), ErrNotInitialized)
}

func TestInitializeMissingWeights(t *testing.T) {
	base := core.LiveTensors()
	st, err := New(DefaultConfig(), syntheticSource{last: "conv2_2"})
	require.NoError(t, err)

	err = st.Initialize(context.Background())
	assert.ErrorIs(t, err, vgg.ErrMissingWeight)
	assert.Equal(t, Uninitialized, st.State())
	st.Close()
	assert.Equal(t, base, core.LiveTensors())
}

func TestProcessPreconditions(t *testing.T) {
	st := newTransfer(t, testConfig(16, 2))
	content := randomImage(6, 16, 16)
	defer content.Dispose()

	_, err := st.Process(context.Background(), content, 2)
	assert.ErrorIs(t, err, ErrNoStyle)

	require.NoError(t, st.SetStyle("s", content))
	_, err = st.Process(context.Background(), content, 0)
	assert.ErrorIs(t, err, ErrIterations)

	batch := core.Zeros(2, 16, 16, 3)
	defer batch.Dispose()
	_, err = st.Process(context.Background(), batch, 2)
	assert.ErrorIs(t, err, core.ErrShape)
}

func TestConfigRejectsEmptyContentLayers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContentLayers = []string{}
	_, err := New(cfg, syntheticSource{})
	assert.ErrorIs(t, err, vgg.ErrUnknownLayer)

	cfg.Loss.ContentWeight = 0
	st, err := New(cfg, syntheticSource{})
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Initialize(context.Background()))

	img := randomImage(9, 16, 16)
	defer img.Dispose()
	require.NoError(t, st.SetStyle("s", img))
	out, err := st.Process(context.Background(), img, 2)
	require.NoError(t, err)
	defer out.Dispose()
	assert.Equal(t, []int{1, 16, 16, 3}, out.Shape())
}

func TestProcessStopsOnCancel(t *testing.T) {
	st := newTransfer(t, testConfig(16, 2))
	img := randomImage(7, 16, 16)
	defer img.Dispose()
	require.NoError(t, st.SetStyle("s", img))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := st.Process(ctx, img, 3)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Initialized, st.State())
}

func TestProcessWithoutTilingAndAdam(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tiling.Enabled = false
	cfg.Optimizer.Kind = optim.KindAdam
	cfg.Loss.ContentWeight = 0
	rec := &recorder{}
	st := newTransfer(t, cfg, WithReporter(rec))

	img := randomImage(8, 20, 12)
	defer img.Dispose()
	require.NoError(t, st.SetStyle("s", img))

	out, err := st.Process(context.Background(), img, 3)
	require.NoError(t, err)
	defer out.Dispose()
	assert.Equal(t, []int{1, 20, 12, 3}, out.Shape())
	assert.Equal(t, -1, st.HistoryLen())
	for _, e := range rec.iterations() {
		assert.Equal(t, 1, e.Tiles)
		assert.Zero(t, e.Content)
	}
}

func TestRunReleasesEveryTensor(t *testing.T) {
	base := core.LiveTensors()

	st, err := New(testConfig(16, 2), syntheticSource{})
	require.NoError(t, err)
	require.NoError(t, st.Initialize(context.Background()))

	img := randomImage(9, 24, 24)
	require.NoError(t, st.SetStyle("s", img))
	out, err := st.Process(context.Background(), img, 3)
	require.NoError(t, err)

	out.Dispose()
	img.Dispose()
	st.Close()
	assert.Equal(t, base, core.LiveTensors())
}

func TestStyleCache(t *testing.T) {
	cfg := testConfig(16, 2)
	cfg.StyleCacheSize = 1
	st := newTransfer(t, cfg)

	a := randomImage(10, 16, 16)
	defer a.Dispose()
	b := randomImage(11, 16, 16)
	defer b.Dispose()

	require.NoError(t, st.SetStyle("a", a))
	live := core.LiveTensors()
	require.NoError(t, st.SetStyle("a", a))
	assert.Equal(t, live, core.LiveTensors(), "cached style is reused")
	assert.Equal(t, 1, st.styles.Len())

	require.NoError(t, st.SetStyle("b", b))
	assert.Equal(t, 1, st.styles.Len())
	assert.Equal(t, live, core.LiveTensors(), "evicted style features are disposed")
}
