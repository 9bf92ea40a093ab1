// internal/evaluation/palette.go
package evaluation

import (
	"image"
	"image/color"
	"math"

	"github.com/cenkalti/dominantcolor"
	"github.com/lucasb-eyer/go-colorful"
)

// DefaultPaletteSize is the number of dominant colors compared per image.
const DefaultPaletteSize = 6

// Swatch - one dominant color and the fraction of pixels it covers
type Swatch struct {
	Hex    string
	Weight float64
	color  colorful.Color
}

// PaletteMatch - how closely the output's dominant colors follow the style
// image's
type PaletteMatch struct {
	Style  []Swatch
	Output []Swatch
	// Distance is the weighted mean CIE Lab distance from every output
	// swatch to its nearest style swatch.
	Distance float64
}

// Palette extracts up to k dominant colors of img, heaviest first.
func Palette(img image.Image, k int) []Swatch {
	if k <= 0 {
		return nil
	}
	found := dominantcolor.FindWeight(img, k)
	swatches := make([]Swatch, 0, len(found))
	total := 0.0
	for _, c := range found {
		col, _ := colorful.MakeColor(c.RGBA)
		w := c.Weight
		if w <= 0 {
			w = 1e-6
		}
		total += w
		swatches = append(swatches, Swatch{color: col.Clamped(), Weight: w})
	}
	if len(swatches) == 0 {
		swatches = append(swatches, Swatch{color: meanColor(img), Weight: 1})
		total = 1
	}
	for i := range swatches {
		swatches[i].Weight /= total
		swatches[i].Hex = swatches[i].color.Hex()
	}
	return swatches
}

// ComparePalettes scores the output image's palette against the style's.
func ComparePalettes(style, output image.Image, k int) *PaletteMatch {
	m := &PaletteMatch{
		Style:  Palette(style, k),
		Output: Palette(output, k),
	}
	for _, o := range m.Output {
		nearest := math.Inf(1)
		for _, s := range m.Style {
			nearest = min(nearest, o.color.DistanceLab(s.color))
		}
		if !math.IsInf(nearest, 1) {
			m.Distance += o.Weight * nearest
		}
	}
	return m
}

func meanColor(img image.Image) colorful.Color {
	b := img.Bounds()
	var r, g, bl, n float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			r += float64(c.R)
			g += float64(c.G)
			bl += float64(c.B)
			n++
		}
	}
	if n == 0 {
		return colorful.Color{R: 0.5, G: 0.5, B: 0.5}
	}
	return colorful.Color{R: r / n / 255, G: g / n / 255, B: bl / n / 255}
}
