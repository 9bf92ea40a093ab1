// internal/weights/loader.go
package weights

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"

	"github.com/lumix-ai/stylize/internal/core"
	"github.com/lumix-ai/stylize/internal/progress"
)

type Config struct {
	Location    string        `yaml:"location"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

func DefaultConfig() Config {
	return Config{
		Location:    "models/vgg19",
		Concurrency: 4,
		Timeout:     60 * time.Second,
		CacheTTL:    10 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.Location == "" {
		return fmt.Errorf("weights location is empty")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("weights concurrency must be positive, got %d", c.Concurrency)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("weights timeout must be positive, got %s", c.Timeout)
	}
	return nil
}

// Loader - reads a manifest and its tensor shards from a directory or an
// http(s) base URL
type Loader struct {
	cfg       Config
	client    *fasthttp.Client
	decoder   *zstd.Decoder
	manifests *cache.Cache
	reporter  progress.Reporter
}

type Option func(*Loader)

// WithReporter receives shard download progress.
func WithReporter(r progress.Reporter) Option {
	return func(l *Loader) { l.reporter = r }
}

func NewLoader(cfg Config, opts ...Option) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	l := &Loader{
		cfg: cfg,
		client: &fasthttp.Client{
			Name:                "stylize",
			MaxConnsPerHost:     cfg.Concurrency,
			MaxIdleConnDuration: 30 * time.Second,
		},
		decoder:   decoder,
		manifests: cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Loader) Close() {
	l.decoder.Close()
	l.client.CloseIdleConnections()
}

// Load reads the tensors at the configured location.
func (l *Loader) Load(ctx context.Context) (core.TensorMap, error) {
	return l.LoadFrom(ctx, l.cfg.Location)
}

// LoadFrom reads every tensor listed in location's manifest. Shards load
// concurrently; on any failure the tensors loaded so far are disposed.
func (l *Loader) LoadFrom(ctx context.Context, location string) (core.TensorMap, error) {
	start := time.Now()
	entries, err := l.manifest(ctx, location)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		result = make(core.TensorMap, len(entries))
		done   atomic.Int32
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)
	for _, e := range entries {
		g.Go(func() error {
			t, err := l.loadEntry(gctx, location, e)
			if err != nil {
				return fmt.Errorf("load %s: %w", e.Name, err)
			}
			mu.Lock()
			result[e.Name] = t
			mu.Unlock()

			n := done.Add(1)
			if l.reporter != nil {
				l.reporter.Report(progress.Event{
					Stage:   progress.StageInitialize,
					Percent: 100 * float64(n) / float64(len(entries)),
					Message: "Loaded " + e.Name,
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		result.Dispose()
		return nil, err
	}

	log.Debug().
		Str("location", location).
		Int("tensors", len(result)).
		Dur("elapsed", time.Since(start)).
		Msg("Weights loaded")
	return result, nil
}

// Manifest returns the parsed manifest entries of location.
func (l *Loader) Manifest(ctx context.Context, location string) ([]Entry, error) {
	return l.manifest(ctx, location)
}

func (l *Loader) manifest(ctx context.Context, location string) ([]Entry, error) {
	if cached, ok := l.manifests.Get(location); ok {
		return cached.([]Entry), nil
	}
	data, err := l.fetch(ctx, location, ManifestFile)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	entries, err := parseManifest(data)
	if err != nil {
		return nil, err
	}
	l.manifests.Set(location, entries, cache.DefaultExpiration)
	return entries, nil
}

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

func (l *Loader) fetch(ctx context.Context, location, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !isRemote(location) {
		return os.ReadFile(filepath.Join(location, filepath.FromSlash(name)))
	}

	url := strings.TrimSuffix(location, "/") + "/" + name
	status, body, err := l.client.GetTimeout(nil, url, l.cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	if status != fasthttp.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, status)
	}
	return body, nil
}

func (l *Loader) loadEntry(ctx context.Context, location string, e Entry) (*core.Tensor, error) {
	raw, err := l.fetch(ctx, location, e.Filename)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(e.Filename, ".zst") {
		if raw, err = l.decoder.DecodeAll(raw, nil); err != nil {
			return nil, fmt.Errorf("decompress %s: %w", e.Filename, err)
		}
	}
	return decode(e, raw)
}

// decode turns little-endian shard bytes into a float tensor, dequantizing
// value = q*scale + min_value where the manifest asks for it.
func decode(e Entry, raw []byte) (*core.Tensor, error) {
	n := e.Size()
	width := map[string]int{"float32": 4, "float16": 2, "uint16": 2, "uint8": 1}[e.DType]
	if len(raw) != n*width {
		return nil, fmt.Errorf("%w: %s holds %d bytes, shape %v of %s needs %d",
			ErrManifest, e.Filename, len(raw), e.Shape, e.DType, n*width)
	}

	switch e.DType {
	case "uint8":
		if e.Quantized {
			return core.Dequantize(raw, e.Shape, e.Scale, e.MinValue)
		}
		return core.Dequantize(raw, e.Shape, 1, 0)
	case "uint16":
		values := make([]uint16, n)
		for i := range values {
			values[i] = binary.LittleEndian.Uint16(raw[2*i:])
		}
		if e.Quantized {
			return core.Dequantize(values, e.Shape, e.Scale, e.MinValue)
		}
		return core.Dequantize(values, e.Shape, 1, 0)
	case "float16":
		data := make([]float32, n)
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
		return core.FromData(data, e.Shape, core.Float32)
	default:
		data := make([]float32, n)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return core.FromData(data, e.Shape, core.Float32)
	}
}
