// internal/optim/optimizer.go
package optim

import (
	"errors"
	"fmt"

	"github.com/lumix-ai/stylize/internal/core"
	"github.com/lumix-ai/stylize/internal/monitoring"
)

var ErrUnknownOptimizer = errors.New("unknown optimizer")

const (
	KindAggressive = "aggressive"
	KindAdam       = "adam"
)

// Optimizer - updates a single variable in place from its raw gradient and
// the current loss value. Step takes ownership of gradient.
type Optimizer interface {
	Name() string
	Step(variable, gradient *core.Tensor, value float32) error
	Reset()
}

type Config struct {
	Kind string `yaml:"kind"`

	MaxIter       int     `yaml:"max_iter"`
	MaxFun        int     `yaml:"max_fun"`
	Gtol          float64 `yaml:"gtol"`
	Ftol          float64 `yaml:"ftol"`
	MaxCor        int     `yaml:"max_cor"`
	MaxAdjustment float64 `yaml:"max_adjustment"`

	LearningRate float64 `yaml:"learning_rate"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	Epsilon      float64 `yaml:"epsilon"`
}

func DefaultConfig() Config {
	return Config{
		Kind:          KindAggressive,
		MaxIter:       15000,
		MaxFun:        15000,
		Gtol:          1e-5,
		Ftol:          2.220446049250313e-09,
		MaxCor:        10,
		MaxAdjustment: 5,
		LearningRate:  25.5,
		Beta1:         0.9,
		Beta2:         0.999,
		Epsilon:       1e-8,
	}
}

func (c Config) Validate() error {
	switch c.Kind {
	case KindAggressive:
		if c.MaxCor <= 0 {
			return fmt.Errorf("max_cor must be positive, got %d", c.MaxCor)
		}
		if c.MaxAdjustment <= 0 {
			return fmt.Errorf("max_adjustment must be positive, got %g", c.MaxAdjustment)
		}
	case KindAdam:
		if c.LearningRate <= 0 {
			return fmt.Errorf("learning_rate must be positive, got %g", c.LearningRate)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOptimizer, c.Kind)
	}
	return nil
}

// New builds the optimizer selected by cfg.Kind. metrics may be nil.
func New(cfg Config, metrics *monitoring.Metrics) (Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Kind == KindAdam {
		return NewAdam(cfg), nil
	}
	return NewAggressive(cfg, metrics), nil
}

func checkGradient(variable, gradient *core.Tensor) error {
	if !core.SameShape(variable, gradient) {
		return fmt.Errorf("%w: gradient %v for variable %v", core.ErrShape, gradient.Shape(), variable.Shape())
	}
	return nil
}
