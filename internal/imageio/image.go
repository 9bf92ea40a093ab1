// internal/imageio/image.go
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/lumix-ai/stylize/internal/core"
)

var (
	ErrBatch  = errors.New("cannot encode a batch of more than one image")
	ErrFormat = errors.New("unsupported image format")
)

// Decode reads an image file into an Int32 [h,w,3] RGB tensor.
func Decode(path string) (*core.Tensor, error) {
	return DecodeMax(path, 0)
}

// DecodeMax is Decode with the longer side scaled down to maxSide when it
// exceeds it. maxSide <= 0 keeps the decoded size.
func DecodeMax(path string, maxSide int) (*core.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return DecodeReader(bytes.NewReader(data), maxSide)
}

func DecodeReader(r io.Reader, maxSide int) (*core.Tensor, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	rgba := toRGBA(img, maxSide)
	return fromRGBA(rgba)
}

func toRGBA(img image.Image, maxSide int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSide > 0 && max(w, h) > maxSide {
		scale := float64(maxSide) / float64(max(w, h))
		w = max(1, int(math.Round(float64(w)*scale)))
		h = max(1, int(math.Round(float64(h)*scale)))
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		return dst
	}
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

func fromRGBA(img *image.RGBA) (*core.Tensor, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]float32, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+3]
			data = append(data, float32(p[0]), float32(p[1]), float32(p[2]))
		}
	}
	return core.FromData(data, []int{h, w, 3}, core.Int32)
}

// ToImage converts an RGB tensor to an image, rounding and clipping every
// value to [0, 255]. It accepts [h,w,3] and [1,h,w,3].
func ToImage(t *core.Tensor) (*image.RGBA, error) {
	shape := t.Shape()
	switch {
	case len(shape) == 4 && shape[0] != 1:
		return nil, fmt.Errorf("%w: shape %v", ErrBatch, shape)
	case len(shape) == 4:
		shape = shape[1:]
	case len(shape) != 3:
		return nil, fmt.Errorf("%w: expected [h,w,3] or [1,h,w,3], got %v", core.ErrShape, shape)
	}
	if shape[2] != 3 {
		return nil, fmt.Errorf("%w: expected 3 channels, got %v", core.ErrShape, shape)
	}

	h, w := shape[0], shape[1]
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	clipped := core.ClipByValue(t, 0, 255)
	defer clipped.Dispose()
	src := clipped.Data()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(math.Round(float64(src[i]))),
				G: uint8(math.Round(float64(src[i+1]))),
				B: uint8(math.Round(float64(src[i+2]))),
				A: 255,
			})
		}
	}
	return img, nil
}

// Encode writes t to path in the format named by the file extension
// (.png, .jpg/.jpeg, .bmp, .tif/.tiff).
func Encode(t *core.Tensor, path string) error {
	img, err := ToImage(t)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := EncodeImage(&buf, img, filepath.Ext(path)); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	return nil
}

func EncodeImage(w io.Writer, img image.Image, ext string) error {
	switch strings.ToLower(ext) {
	case ".png":
		return png.Encode(w, img)
	case ".jpg", ".jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 95})
	case ".bmp":
		return bmp.Encode(w, img)
	case ".tif", ".tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	}
	return fmt.Errorf("%w: %q", ErrFormat, ext)
}
