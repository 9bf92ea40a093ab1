// internal/transfer/controller.go
package transfer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lumix-ai/stylize/internal/core"
	"github.com/lumix-ai/stylize/internal/loss"
	"github.com/lumix-ai/stylize/internal/monitoring"
	"github.com/lumix-ai/stylize/internal/optim"
	"github.com/lumix-ai/stylize/internal/progress"
	"github.com/lumix-ai/stylize/internal/tiling"
	"github.com/lumix-ai/stylize/internal/vgg"
)

var (
	ErrNotInitialized = errors.New("style transfer not initialized")
	ErrBusy           = errors.New("style transfer already running")
	ErrNoStyle        = errors.New("no style image set")
	ErrNonFinite      = errors.New("non-finite loss")
	ErrIterations     = errors.New("iterations must be positive")
)

// State of a StyleTransfer
type State int

const (
	Uninitialized State = iota
	Initialized
	Running
	Done
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Done:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// WeightSource - provides the VGG19 parameters keyed "{layer}_kernel" and
// "{layer}_bias". The returned map is owned by the caller.
type WeightSource interface {
	Load(ctx context.Context) (core.TensorMap, error)
}

type Config struct {
	Iterations     int           `yaml:"iterations"`
	StartScale     float64       `yaml:"start_scale"`
	StyleCacheSize int           `yaml:"style_cache_size"`
	ContentLayers  []string      `yaml:"content_layers"`
	StyleLayers    []string      `yaml:"style_layers"`
	Loss           loss.Config   `yaml:"loss"`
	Tiling         tiling.Config `yaml:"tiling"`
	Optimizer      optim.Config  `yaml:"optimizer"`
}

func DefaultConfig() Config {
	return Config{
		Iterations:     100,
		StartScale:     0.5,
		StyleCacheSize: 4,
		ContentLayers:  append([]string(nil), vgg.DefaultContentLayers...),
		StyleLayers:    append([]string(nil), vgg.DefaultStyleLayers...),
		Loss:           loss.DefaultConfig(),
		Tiling:         tiling.DefaultConfig(),
		Optimizer:      optim.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if c.Iterations <= 0 {
		return fmt.Errorf("%w: got %d", ErrIterations, c.Iterations)
	}
	if c.StartScale <= 0 || c.StartScale > 1 {
		return fmt.Errorf("start_scale must be in (0, 1], got %g", c.StartScale)
	}
	if c.StyleCacheSize <= 0 {
		return fmt.Errorf("style_cache_size must be positive, got %d", c.StyleCacheSize)
	}
	if len(c.StyleLayers) == 0 {
		return fmt.Errorf("%w: no style layers", vgg.ErrUnknownLayer)
	}
	if c.Loss.ContentWeight > 0 && len(c.ContentLayers) == 0 {
		return fmt.Errorf("%w: no content layers with content_weight %g", vgg.ErrUnknownLayer, c.Loss.ContentWeight)
	}
	if err := c.Tiling.Validate(); err != nil {
		return fmt.Errorf("tiling: %w", err)
	}
	if err := c.Optimizer.Validate(); err != nil {
		return fmt.Errorf("optimizer: %w", err)
	}
	return nil
}

// layerWeights maps every conv layer to the normalizer both loss targets
// use: the content entry of the layer weight table.
func layerWeights() map[string]float64 {
	w := make(map[string]float64, len(vgg.LayerWeights))
	for layer, lw := range vgg.LayerWeights {
		w[layer] = lw.Content
	}
	return w
}

// StyleTransfer - drives one optimization of an output image towards the
// style statistics of a style image. Not safe for concurrent use.
type StyleTransfer struct {
	cfg      Config
	source   WeightSource
	metrics  *monitoring.Metrics
	reporter progress.Reporter
	onResize func(historyLen int)

	state     State
	weights   core.TensorMap
	extractor *vgg.Extractor
	scheduler *tiling.Scheduler
	pipeline  *loss.Pipeline
	optimizer optim.Optimizer
	styles    *StyleCache
	styleKey  string

	image      *core.Tensor // padded optimization variable
	iteration  int
	iterations int
}

type Option func(*StyleTransfer)

func WithMetrics(m *monitoring.Metrics) Option {
	return func(st *StyleTransfer) { st.metrics = m }
}

func WithReporter(r progress.Reporter) Option {
	return func(st *StyleTransfer) { st.reporter = r }
}

// WithResizeHook registers fn to run right after the midpoint resize with the
// optimizer's curvature history length (-1 if the optimizer keeps none).
func WithResizeHook(fn func(historyLen int)) Option {
	return func(st *StyleTransfer) { st.onResize = fn }
}

func New(cfg Config, source WeightSource, opts ...Option) (*StyleTransfer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st := &StyleTransfer{cfg: cfg, source: source}
	for _, opt := range opts {
		opt(st)
	}

	var err error
	if st.scheduler, err = tiling.NewScheduler(cfg.Tiling); err != nil {
		return nil, err
	}
	if st.optimizer, err = optim.New(cfg.Optimizer, st.metrics); err != nil {
		return nil, err
	}
	if st.styles, err = NewStyleCache(cfg.StyleCacheSize); err != nil {
		return nil, err
	}
	st.pipeline = loss.NewPipeline(cfg.Loss, layerWeights())
	return st, nil
}

func (st *StyleTransfer) State() State { return st.state }

// Iteration returns the index of the iteration in progress or last run.
func (st *StyleTransfer) Iteration() int { return st.iteration }

func (st *StyleTransfer) HistoryLen() int {
	if h, ok := st.optimizer.(interface{ HistoryLen() int }); ok {
		return h.HistoryLen()
	}
	return -1
}

func (st *StyleTransfer) report(e progress.Event) {
	if st.reporter != nil {
		st.reporter.Report(e)
	}
}

// Initialize loads the network weights and builds the feature extractor. On
// failure the controller stays Uninitialized.
func (st *StyleTransfer) Initialize(ctx context.Context) error {
	if st.state != Uninitialized {
		return nil
	}
	start := time.Now()
	st.report(progress.Event{Stage: progress.StageInitialize, Message: "Loading VGG19 weights"})

	weights, err := st.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load weights: %w", err)
	}
	extractor, err := vgg.NewExtractor(weights,
		vgg.WithContentLayers(st.cfg.ContentLayers...),
		vgg.WithStyleLayers(st.cfg.StyleLayers...))
	if err != nil {
		weights.Dispose()
		return fmt.Errorf("build extractor: %w", err)
	}
	st.weights = weights
	st.extractor = extractor
	st.state = Initialized

	log.Info().
		Int("tensors", len(weights)).
		Dur("elapsed", time.Since(start)).
		Msg("VGG19 weights loaded")
	st.report(progress.Event{Stage: progress.StageInitialize, Percent: 100, Message: "Weights loaded"})
	return nil
}

// SetStyle sets the style target. key identifies the style source for the
// feature cache. style is an RGB [h,w,3] or [1,h,w,3] tensor and is not
// consumed.
func (st *StyleTransfer) SetStyle(key string, style *core.Tensor) error {
	if st.state == Uninitialized {
		return ErrNotInitialized
	}
	if st.state == Running {
		return ErrBusy
	}
	layers := st.extractor.Layers(vgg.Style)
	cacheKey := key + "|" + strings.Join(layers, ",")

	feats, ok := st.styles.Get(cacheKey)
	if !ok {
		var err error
		if feats, err = st.extractor.Extract(style, vgg.Style); err != nil {
			return fmt.Errorf("extract style: %w", err)
		}
		st.styles.Add(cacheKey, feats)
	}
	if err := st.pipeline.SetStyle(feats, layers); err != nil {
		return fmt.Errorf("style target: %w", err)
	}
	st.styleKey = key

	log.Debug().
		Str("style", key).
		Bool("cached", ok).
		Msg("Style features ready")
	st.report(progress.Event{Stage: progress.StageStyle, Percent: 100, Message: "Style features ready"})
	return nil
}

// Process optimizes an output image for content, an RGB [h,w,3] or
// [1,h,w,3] tensor of either dtype, over a fixed number of iterations and
// returns the [1,h,w,3] result. content is not consumed.
func (st *StyleTransfer) Process(ctx context.Context, content *core.Tensor, iterations int) (out *core.Tensor, err error) {
	switch {
	case st.state == Uninitialized:
		return nil, ErrNotInitialized
	case st.state == Running:
		return nil, ErrBusy
	case st.styleKey == "":
		return nil, ErrNoStyle
	case iterations <= 0:
		return nil, fmt.Errorf("%w: got %d", ErrIterations, iterations)
	}

	contentF := content.Cast(core.Float32)
	if contentF.Rank() == 3 {
		if contentF, err = contentF.ExpandDims(0); err != nil {
			return nil, err
		}
	}
	defer contentF.Dispose()
	if contentF.Rank() != 4 || contentF.Dim(0) != 1 || contentF.Dim(3) != 3 {
		return nil, fmt.Errorf("%w: content must be [1,h,w,3], got %v", core.ErrShape, contentF.Shape())
	}

	st.state = Running
	st.iterations = iterations
	st.iteration = 0
	st.optimizer.Reset()
	defer func() {
		if err != nil {
			st.image.Dispose()
			st.image = nil
			st.state = Initialized
			st.metrics.RunFinished("failed")
			st.report(progress.Event{
				Stage:      progress.StageFailed,
				Iteration:  st.iteration,
				Iterations: iterations,
				Message:    "Style transfer failed",
				Err:        err.Error(),
			})
		}
	}()

	endH, endW := contentF.Dim(1), contentF.Dim(2)
	startH := max(1, int(math.Floor(st.cfg.StartScale*float64(endH))))
	startW := max(1, int(math.Floor(st.cfg.StartScale*float64(endW))))

	log.Info().
		Int("width", endW).
		Int("height", endH).
		Int("start_width", startW).
		Int("start_height", startH).
		Int("iterations", iterations).
		Str("optimizer", st.optimizer.Name()).
		Bool("tiling", st.scheduler.Enabled()).
		Msg("Starting style transfer")

	if st.image, err = st.workingImage(contentF, startH, startW); err != nil {
		return nil, err
	}
	if err = st.updateContent(contentF, startH, startW); err != nil {
		return nil, err
	}

	midpoint := iterations / 2
	for i := 0; i < iterations; i++ {
		st.iteration = i
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		if i == midpoint {
			if err = st.resize(contentF, endH, endW); err != nil {
				return nil, err
			}
		}
		if err = st.step(); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i+1, err)
		}
	}

	if out, err = st.scheduler.Crop(st.image); err != nil {
		return nil, err
	}
	st.image.Dispose()
	st.image = nil
	st.state = Done
	st.metrics.RunFinished("done")
	st.report(progress.Event{
		Stage:      progress.StageDone,
		Percent:    100,
		Iteration:  iterations - 1,
		Iterations: iterations,
		Width:      endW,
		Height:     endH,
		Message:    "Style transfer finished",
	})
	return out, nil
}

// workingImage resizes src to h x w, recomputes the tile paddings for that
// size and returns the padded result.
func (st *StyleTransfer) workingImage(src *core.Tensor, h, w int) (*core.Tensor, error) {
	resized, err := core.ResizeBilinear(src, h, w)
	if err != nil {
		return nil, err
	}
	defer resized.Dispose()
	if _, err := st.scheduler.UpdatePaddings(resized.Shape()); err != nil {
		return nil, err
	}
	return st.scheduler.Pad(resized)
}

// updateContent recomputes the content target from the content image at the
// current working size, cut into the same tiles as the output image.
func (st *StyleTransfer) updateContent(contentF *core.Tensor, h, w int) error {
	if !st.pipeline.ContentEnabled() {
		return nil
	}
	s := core.NewScope()
	defer s.Close()

	padded, err := st.workingImage(contentF, h, w)
	if err != nil {
		return err
	}
	s.Track(padded)
	tiles, err := st.scheduler.Tiles(padded)
	if err != nil {
		return err
	}
	maps := make([]core.TensorMap, 0, len(tiles))
	for _, tile := range tiles {
		s.Track(tile)
		feats, err := st.extractor.Extract(tile, vgg.Content)
		if err != nil {
			return fmt.Errorf("extract content: %w", err)
		}
		maps = append(maps, s.TrackMap(feats))
	}
	merged, err := tiling.MergeTileLayers(maps)
	if err != nil {
		return err
	}
	defer merged.Dispose()
	return st.pipeline.SetContent(merged, st.extractor.Layers(vgg.Content))
}

// resize switches the output image to the final resolution and drops the
// optimizer history built at the old one.
func (st *StyleTransfer) resize(contentF *core.Tensor, h, w int) error {
	cropped, err := st.scheduler.Crop(st.image)
	if err != nil {
		return err
	}
	defer cropped.Dispose()
	next, err := st.workingImage(cropped, h, w)
	if err != nil {
		return err
	}
	st.image.Dispose()
	st.image = next

	st.optimizer.Reset()
	st.metrics.Resize()
	if err := st.updateContent(contentF, h, w); err != nil {
		return err
	}

	log.Info().
		Int("iteration", st.iteration).
		Int("width", w).
		Int("height", h).
		Ints("padded", st.image.Shape()).
		Msg("Working image resized")
	st.report(progress.Event{
		Stage:      progress.StageResize,
		Iteration:  st.iteration,
		Iterations: st.iterations,
		Percent:    100 * float64(st.iteration) / float64(st.iterations),
		Width:      w,
		Height:     h,
		Message:    "Working image resized",
	})
	if st.onResize != nil {
		st.onResize(st.HistoryLen())
	}
	return nil
}

// step runs one iteration: every tile's activations are computed once, then
// each tile in turn is traced, merged with the others and differentiated.
// The tile-averaged gradient and loss feed a single optimizer step.
func (st *StyleTransfer) step() error {
	start := time.Now()
	s := core.NewScope()
	defer s.Close()

	tiles, err := st.scheduler.Tiles(st.image)
	if err != nil {
		return err
	}
	feats := make([]core.TensorMap, 0, len(tiles))
	for _, tile := range tiles {
		s.Track(tile)
		f, err := st.extractor.Extract(tile, vgg.Both)
		if err != nil {
			return err
		}
		feats = append(feats, s.TrackMap(f))
	}

	n := len(tiles)
	weight := 1 / float32(n)
	grad := s.Track(core.Zeros(st.image.Shape()...))

	var total, style, content float64
	layers := make(map[string]*loss.LayerLoss)
	var order []string
	for i := range tiles {
		res, err := st.tileGradient(tiles, feats, i, grad, weight)
		if err != nil {
			return fmt.Errorf("tile %d: %w", i, err)
		}
		total += res.Total / float64(n)
		style += res.Style / float64(n)
		content += res.Content / float64(n)
		for _, l := range res.Layers {
			key := l.Target + "/" + l.Layer
			if _, ok := layers[key]; !ok {
				layers[key] = &loss.LayerLoss{Target: l.Target, Layer: l.Layer}
				order = append(order, key)
			}
			layers[key].Value += l.Value / float64(n)
		}
	}

	if math.IsNaN(total) || math.IsInf(total, 0) || !grad.AllFinite() {
		return fmt.Errorf("%w: %g", ErrNonFinite, total)
	}
	// the optimizer owns the gradient from here on
	s.Keep(grad)
	if err := st.optimizer.Step(st.image, grad, float32(total)); err != nil {
		return err
	}

	elapsed := time.Since(start)
	st.metrics.AddTiles(n)
	st.metrics.ObserveIteration(elapsed, total, style, content)

	perLayer := make([]loss.LayerLoss, 0, len(order))
	for _, key := range order {
		perLayer = append(perLayer, *layers[key])
	}
	st.report(progress.Event{
		Stage:      progress.StageIteration,
		Iteration:  st.iteration,
		Iterations: st.iterations,
		Percent:    100 * float64(st.iteration+1) / float64(st.iterations),
		Width:      st.image.Dim(2),
		Height:     st.image.Dim(1),
		Tiles:      n,
		Loss:       total,
		Style:      style,
		Content:    content,
		Layers:     perLayer,
		Duration:   elapsed,
	})
	return nil
}

// tileGradient differentiates the loss of the merged activations with tile i
// live and scatters the result, scaled by weight, into grad.
func (st *StyleTransfer) tileGradient(tiles []*core.Tensor, feats []core.TensorMap, i int, grad *core.Tensor, weight float32) (*loss.Result, error) {
	tr, err := st.extractor.Trace(tiles[i], vgg.Both)
	if err != nil {
		return nil, err
	}
	defer tr.Dispose()

	maps := make([]core.TensorMap, len(feats))
	copy(maps, feats)
	maps[i] = tr.Activations()
	merged, err := tiling.MergeTileLayers(maps)
	if err != nil {
		return nil, err
	}
	defer merged.Dispose()

	res, err := st.pipeline.Compute(merged)
	if err != nil {
		return nil, err
	}
	defer res.Dispose()

	// merging scales every tile's activations by 1/N
	for _, g := range res.Grads {
		g.Scale(weight)
	}
	dx, err := tr.Backward(res.Grads)
	if err != nil {
		return nil, err
	}
	defer dx.Dispose()

	if err := st.scheduler.ScatterGradient(grad, dx, i, weight); err != nil {
		return nil, err
	}
	return res, nil
}

// Close releases the weights, cached style features, loss targets and
// optimizer state. The controller returns to Uninitialized.
func (st *StyleTransfer) Close() {
	st.image.Dispose()
	st.image = nil
	st.optimizer.Reset()
	st.pipeline.Dispose()
	st.styles.Purge()
	st.weights.Dispose()
	st.weights = nil
	st.extractor = nil
	st.styleKey = ""
	st.state = Uninitialized
}
