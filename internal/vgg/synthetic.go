// internal/vgg/synthetic.go
package vgg

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/lumix-ai/stylize/internal/core"
)

// SyntheticWeights builds He-initialized kernels and biases for every conv
// layer up to and including last. widths gives the output channels of the
// five conv blocks, so small widths give a cheap stand-in for the real
// network with the same topology.
func SyntheticWeights(widths [5]int, last string, seed int64) (core.TensorMap, error) {
	end := layerIndex(last)
	if end < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, last)
	}
	rng := rand.New(rand.NewSource(seed))
	weights := make(core.TensorMap)

	in := 3
	for _, layer := range Layers[:end+1] {
		if !isConv(layer) {
			continue
		}
		block := int(layer[4] - '1')
		out := widths[block]
		scale := math.Sqrt(2.0 / float64(9*in))

		kernel := core.NewTensor([]int{3, 3, in, out}, core.Float32)
		for i := range kernel.Data() {
			kernel.Data()[i] = float32(rng.NormFloat64() * scale)
		}
		bias := core.NewTensor([]int{out}, core.Float32)
		for i := range bias.Data() {
			bias.Data()[i] = 0.01
		}
		weights[layer+"_kernel"] = kernel
		weights[layer+"_bias"] = bias
		in = out
	}
	return weights, nil
}
