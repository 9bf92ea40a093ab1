// internal/optim/adam.go
package optim

import (
	"math"

	"github.com/lumix-ai/stylize/internal/core"
)

// Adam - first-order fallback with bias-corrected moment estimates
type Adam struct {
	lr, beta1, beta2, eps float64

	m, v []float32
	t    int
}

func NewAdam(cfg Config) *Adam {
	return &Adam{
		lr:    cfg.LearningRate,
		beta1: cfg.Beta1,
		beta2: cfg.Beta2,
		eps:   cfg.Epsilon,
	}
}

func (a *Adam) Name() string { return KindAdam }

func (a *Adam) Reset() {
	a.m, a.v, a.t = nil, nil, 0
}

func (a *Adam) Step(variable, gradient *core.Tensor, _ float32) error {
	defer gradient.Dispose()
	if err := checkGradient(variable, gradient); err != nil {
		return err
	}
	g := gradient.Data()
	if len(a.m) != len(g) {
		a.m = make([]float32, len(g))
		a.v = make([]float32, len(g))
		a.t = 0
	}
	a.t++

	b1, b2 := float32(a.beta1), float32(a.beta2)
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	x := variable.Data()
	for i, gi := range g {
		a.m[i] = b1*a.m[i] + (1-b1)*gi
		a.v[i] = b2*a.v[i] + (1-b2)*gi*gi
		mhat := float64(a.m[i]) / c1
		vhat := float64(a.v[i]) / c2
		x[i] -= float32(a.lr * mhat / (math.Sqrt(vhat) + a.eps))
	}
	return nil
}
