// internal/tiling/scheduler.go
package tiling

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lumix-ai/stylize/internal/core"
)

var ErrTileIndex = errors.New("tile index out of range")

type Config struct {
	Enabled  bool `yaml:"enabled"`
	TileSize int  `yaml:"tile_size"`
	TilePad  int  `yaml:"tile_pad"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		TileSize: 128,
		TilePad:  8,
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.TileSize <= 0 {
		return fmt.Errorf("tile_size must be positive, got %d", c.TileSize)
	}
	if c.TilePad < 0 {
		return fmt.Errorf("tile_pad must not be negative, got %d", c.TilePad)
	}
	return nil
}

// Paddings - (before, after) pixel counts for the batch, height, width and
// channel axes of an NHWC image
type Paddings [4][2]int

// Scheduler - splits a padded image into overlapping tiles of uniform size
// and maps per-tile results back onto the image
type Scheduler struct {
	cfg      Config
	paddings Paddings
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{cfg: cfg}, nil
}

func (s *Scheduler) Enabled() bool { return s.cfg.Enabled }

func checkImage(shape []int) error {
	if len(shape) != 4 {
		return fmt.Errorf("%w: tiling expects [b,h,w,c], got %v", core.ErrShape, shape)
	}
	return nil
}

// UpdatePaddings recomputes the paddings for an unpadded image of the given
// shape so that each spatial extent plus its padding is a multiple of the
// tile size. The extra beyond the fixed tile pad is split floor/ceil between
// the two sides. With tiling disabled every pair is zero.
func (s *Scheduler) UpdatePaddings(shape []int) (Paddings, error) {
	if err := checkImage(shape); err != nil {
		return Paddings{}, err
	}
	var p Paddings
	if s.cfg.Enabled {
		ts, pad := s.cfg.TileSize, s.cfg.TilePad
		for axis := 1; axis <= 2; axis++ {
			extra := (ts - (shape[axis]+2*pad)%ts) % ts
			p[axis] = [2]int{pad + extra/2, pad + extra - extra/2}
		}
	}
	s.paddings = p

	log.Debug().
		Ints("shape", shape).
		Ints("height_pad", p[1][:]).
		Ints("width_pad", p[2][:]).
		Msg("Tile paddings updated")
	return p, nil
}

// Pad applies the current paddings with symmetric mirroring. image is not consumed.
func (s *Scheduler) Pad(image *core.Tensor) (*core.Tensor, error) {
	if err := checkImage(image.Shape()); err != nil {
		return nil, err
	}
	p := s.paddings
	return core.MirrorPad(image, p[:])
}

// Crop removes the current paddings. image is not consumed.
func (s *Scheduler) Crop(image *core.Tensor) (*core.Tensor, error) {
	shape := image.Shape()
	if err := checkImage(shape); err != nil {
		return nil, err
	}
	begin := make([]int, 4)
	size := make([]int, 4)
	for axis := range shape {
		begin[axis] = s.paddings[axis][0]
		size[axis] = shape[axis] - s.paddings[axis][0] - s.paddings[axis][1]
	}
	return core.Slice(image, begin, size)
}

// Grid returns the number of tile rows and columns for a padded image.
func (s *Scheduler) Grid(shape []int) (rows, cols int) {
	if !s.cfg.Enabled || len(shape) != 4 {
		return 1, 1
	}
	return shape[1] / s.cfg.TileSize, shape[2] / s.cfg.TileSize
}

func (s *Scheduler) NumTiles(shape []int) int {
	rows, cols := s.Grid(shape)
	return rows * cols
}

// window returns, for every row and column of tile index, the source row and
// column in the image. Indices run column-major: index = col*rows + row.
// Positions outside the image mirror back into the clamped window.
func (s *Scheduler) window(shape []int, index int) (rowSrc, colSrc []int, err error) {
	rows, cols := s.Grid(shape)
	if index < 0 || index >= rows*cols {
		return nil, nil, fmt.Errorf("%w: %d of %d", ErrTileIndex, index, rows*cols)
	}
	if !s.cfg.Enabled {
		return identity(shape[1]), identity(shape[2]), nil
	}
	col, row := index/rows, index%rows
	return s.axis(row, shape[1]), s.axis(col, shape[2]), nil
}

func identity(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func (s *Scheduler) axis(k, n int) []int {
	ts, pad := s.cfg.TileSize, s.cfg.TilePad
	start := k*ts - pad
	lo, hi := max(start, 0), min(start+ts+2*pad, n)
	length := hi - lo
	before := lo - start

	idx := make([]int, ts+2*pad)
	for i := range idx {
		idx[i] = lo + mirror(i-before, length)
	}
	return idx
}

// mirror maps i into [0, n) by symmetric reflection.
func mirror(i, n int) int {
	period := 2 * n
	m := ((i % period) + period) % period
	if m >= n {
		m = period - 1 - m
	}
	return m
}

// Tile cuts tile index out of a padded image. image is not consumed.
func (s *Scheduler) Tile(image *core.Tensor, index int) (*core.Tensor, error) {
	shape := image.Shape()
	if err := checkImage(shape); err != nil {
		return nil, err
	}
	rowSrc, colSrc, err := s.window(shape, index)
	if err != nil {
		return nil, err
	}

	b, h, w, c := shape[0], shape[1], shape[2], shape[3]
	th, tw := len(rowSrc), len(colSrc)
	out := core.NewTensor([]int{b, th, tw, c}, image.DType())
	src, dst := image.Data(), out.Data()
	for n := 0; n < b; n++ {
		for y, sy := range rowSrc {
			for x, sx := range colSrc {
				o := ((n*th+y)*tw + x) * c
				i := ((n*h+sy)*w + sx) * c
				copy(dst[o:o+c], src[i:i+c])
			}
		}
	}
	return out, nil
}

// Tiles cuts every tile of a padded image in index order.
func (s *Scheduler) Tiles(image *core.Tensor) ([]*core.Tensor, error) {
	n := s.NumTiles(image.Shape())
	tiles := make([]*core.Tensor, 0, n)
	for i := 0; i < n; i++ {
		t, err := s.Tile(image, i)
		if err != nil {
			for _, done := range tiles {
				done.Dispose()
			}
			return nil, err
		}
		tiles = append(tiles, t)
	}
	return tiles, nil
}

// ScatterGradient adds weight times the gradient of tile index into the
// image gradient dst. It is the adjoint of Tile: mirrored border positions
// fold back onto the pixels they were copied from. tileGrad is not consumed.
func (s *Scheduler) ScatterGradient(dst, tileGrad *core.Tensor, index int, weight float32) error {
	shape := dst.Shape()
	if err := checkImage(shape); err != nil {
		return err
	}
	rowSrc, colSrc, err := s.window(shape, index)
	if err != nil {
		return err
	}
	b, h, w, c := shape[0], shape[1], shape[2], shape[3]
	th, tw := len(rowSrc), len(colSrc)
	want := []int{b, th, tw, c}
	if tileGrad.Rank() != 4 || !equalInts(tileGrad.Shape(), want) {
		return fmt.Errorf("%w: tile gradient %v, want %v", core.ErrShape, tileGrad.Shape(), want)
	}

	src, out := tileGrad.Data(), dst.Data()
	for n := 0; n < b; n++ {
		for y, sy := range rowSrc {
			for x, sx := range colSrc {
				i := ((n*th+y)*tw + x) * c
				o := ((n*h+sy)*w + sx) * c
				for ch := 0; ch < c; ch++ {
					out[o+ch] += weight * src[i+ch]
				}
			}
		}
	}
	return nil
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MergeTileLayers averages per-tile activations layer by layer: Σ a_t / N.
// The inputs are not consumed.
func MergeTileLayers(maps []core.TensorMap) (core.TensorMap, error) {
	merged := make(core.TensorMap)
	if len(maps) == 0 {
		return merged, nil
	}
	inv := 1 / float32(len(maps))
	for name, first := range maps[0] {
		acc := core.NewTensor(first.Shape(), core.Float32)
		for t, m := range maps {
			a, ok := m[name]
			if !ok {
				acc.Dispose()
				merged.Dispose()
				return nil, fmt.Errorf("%w: tile %d has no layer %s", core.ErrShape, t, name)
			}
			if err := core.AddScaled(acc, a, inv); err != nil {
				acc.Dispose()
				merged.Dispose()
				return nil, fmt.Errorf("tile %d layer %s: %w", t, name, err)
			}
		}
		merged[name] = acc
	}
	return merged, nil
}
