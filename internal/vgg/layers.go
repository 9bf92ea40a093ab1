// internal/vgg/layers.go
package vgg

import (
	"fmt"
	"strings"
)

// Layers is the canonical VGG19 feature stack order.
var Layers = []string{
	"conv1_1", "conv1_2", "pool1",
	"conv2_1", "conv2_2", "pool2",
	"conv3_1", "conv3_2", "conv3_3", "conv3_4", "pool3",
	"conv4_1", "conv4_2", "conv4_3", "conv4_4", "pool4",
	"conv5_1", "conv5_2", "conv5_3", "conv5_4", "pool5",
}

var (
	DefaultContentLayers = []string{"conv1_1", "conv2_1", "conv3_1", "conv4_1"}
	DefaultStyleLayers   = []string{"conv1_1", "conv2_1", "conv3_1", "conv4_1"}
)

// LayerWeight - per-layer loss normalizers
type LayerWeight struct {
	Content float64
	Style   float64
}

// LayerWeights holds the tuned normalizers for every conv layer.
var LayerWeights = map[string]LayerWeight{
	"conv1_1": {Content: 0.0003927100042346865, Style: 0.27844879031181335},
	"conv1_2": {Content: 2.99037346849218e-05, Style: 0.0004943962558172643},
	"conv2_1": {Content: 2.0568952095345594e-05, Style: 0.0009304438135586679},
	"conv2_2": {Content: 1.073586827260442e-05, Style: 0.00040253016049973667},
	"conv3_1": {Content: 1.0999920050380751e-05, Style: 0.0001156232028733939},
	"conv3_2": {Content: 1.0808796105266083e-05, Style: 7.009495311649516e-05},
	"conv3_3": {Content: 4.947870365867857e-06, Style: 7.687774996156804e-06},
	"conv3_4": {Content: 1.2470403589759371e-06, Style: 8.033587732825254e-07},
	"conv4_1": {Content: 1.4441507119045127e-06, Style: 5.199814836487349e-07},
	"conv4_2": {Content: 2.3558966404380044e-06, Style: 2.2772749161958927e-06},
	"conv4_3": {Content: 5.842243808729108e-06, Style: 2.7995649361400865e-05},
	"conv4_4": {Content: 3.0219671316444874e-05, Style: 0.001985269133001566},
	"conv5_1": {Content: 6.438765558414161e-05, Style: 0.000784530770033598},
	"conv5_2": {Content: 0.00033032899955287576, Style: 0.018374426290392876},
	"conv5_3": {Content: 0.0016348531935364008, Style: 0.42564332485198975},
	"conv5_4": {Content: 0.02764303795993328, Style: 95.27446746826172},
}

// LayerSet selects which named activations an extraction returns.
type LayerSet int

const (
	Content LayerSet = iota
	Style
	Both
)

func (s LayerSet) String() string {
	switch s {
	case Content:
		return "content"
	case Style:
		return "style"
	case Both:
		return "both"
	}
	return fmt.Sprintf("layerset(%d)", int(s))
}

func layerIndex(name string) int {
	for i, l := range Layers {
		if l == name {
			return i
		}
	}
	return -1
}

func isConv(name string) bool {
	return strings.HasPrefix(name, "conv")
}

// validateLayers rejects names outside the fixed layer list.
func validateLayers(names []string) error {
	for _, name := range names {
		if layerIndex(name) < 0 {
			return fmt.Errorf("%w: %q", ErrUnknownLayer, name)
		}
	}
	return nil
}
