package imageio

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumix-ai/stylize/internal/core"
)

func gradient(w, h int) *core.Tensor {
	t := core.NewTensor([]int{h, w, 3}, core.Float32)
	d := t.Data()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			d[i] = float32(x * 10)
			d[i+1] = float32(y * 20)
			d[i+2] = 128
		}
	}
	return t
}

func TestEncodeDecodeLossless(t *testing.T) {
	dir := t.TempDir()
	for _, ext := range []string{".png", ".bmp", ".tiff"} {
		t.Run(ext, func(t *testing.T) {
			src := gradient(7, 5)
			defer src.Dispose()
			path := filepath.Join(dir, "out"+ext)
			require.NoError(t, Encode(src, path))

			got, err := Decode(path)
			require.NoError(t, err)
			defer got.Dispose()
			assert.Equal(t, []int{5, 7, 3}, got.Shape())
			assert.Equal(t, core.Int32, got.DType())
			assert.Equal(t, src.Data(), got.Data())
		})
	}
}

func TestEncodeJPEG(t *testing.T) {
	src := gradient(16, 16)
	defer src.Dispose()
	path := filepath.Join(t.TempDir(), "out.jpg")
	require.NoError(t, Encode(src, path))

	got, err := Decode(path)
	require.NoError(t, err)
	defer got.Dispose()
	assert.Equal(t, []int{16, 16, 3}, got.Shape())
	assert.InDelta(t, 128, got.Data()[2], 8)
}

func TestEncodeClipsAndAcceptsBatchOfOne(t *testing.T) {
	data := []float32{-20, 300, 127.6, 0, 255, 12.2}
	src, err := core.FromData(data, []int{1, 1, 2, 3}, core.Float32)
	require.NoError(t, err)
	defer src.Dispose()

	img, err := ToImage(src)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{0, 255, 128, 255}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{0, 255, 12, 255}, img.RGBAAt(1, 0))
}

func TestEncodeRejectsBatches(t *testing.T) {
	batch := core.Zeros(2, 4, 4, 3)
	defer batch.Dispose()
	err := Encode(batch, filepath.Join(t.TempDir(), "x.png"))
	assert.ErrorIs(t, err, ErrBatch)

	gray := core.Zeros(4, 4, 1)
	defer gray.Dispose()
	_, err = ToImage(gray)
	assert.ErrorIs(t, err, core.ErrShape)

	rgb := core.Zeros(4, 4, 3)
	defer rgb.Dispose()
	assert.ErrorIs(t, Encode(rgb, filepath.Join(t.TempDir(), "x.gif")), ErrFormat)
}

func TestDecodeMaxSide(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 40, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.NRGBA{200, 100, 50, 255})
		}
	}
	path := filepath.Join(t.TempDir(), "big.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, EncodeImage(f, img, ".png"))
	require.NoError(t, f.Close())

	got, err := DecodeMax(path, 10)
	require.NoError(t, err)
	defer got.Dispose()
	assert.Equal(t, []int{5, 10, 3}, got.Shape())
	assert.InDelta(t, 200, got.Data()[0], 1)

	_, err = Decode(filepath.Join(t.TempDir(), "missing.png"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
