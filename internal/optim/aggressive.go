// internal/optim/aggressive.go
package optim

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/lumix-ai/stylize/internal/core"
	"github.com/lumix-ai/stylize/internal/monitoring"
)

const (
	curvatureEpsilon = 1e-10
	steadyGain       = 5.0
	bumpFactor       = 0.9
)

// Stats - counters of the heuristic events seen since construction
type Stats struct {
	Steps          int
	Bumps          int
	NonDescent     int
	CurvatureSkips int
}

// Aggressive - line-search-free quasi-Newton optimizer. It keeps a bounded
// history of (step, gradient change) pairs and runs the L-BFGS two-loop
// recursion over them to get the next correction direction. The step taken
// is a clipped fixed multiple of that direction.
type Aggressive struct {
	cfg     Config
	metrics *monitoring.Metrics

	correction           []float32
	correctionAdjustment float32
	hessian              float32
	oldDirs              [][]float32 // s: scaled corrections
	oldSteps             [][]float32 // y: gradient changes
	gradientOld          *core.Tensor
	valueOld             float32

	stats Stats
}

func NewAggressive(cfg Config, metrics *monitoring.Metrics) *Aggressive {
	a := &Aggressive{cfg: cfg, metrics: metrics}
	a.clear()
	return a
}

func (a *Aggressive) Name() string { return KindAggressive }

// HistoryLen returns the number of stored curvature pairs.
func (a *Aggressive) HistoryLen() int { return len(a.oldDirs) }

func (a *Aggressive) Stats() Stats { return a.stats }

// Reset drops all curvature history; the next Step behaves like the first.
func (a *Aggressive) Reset() {
	a.clear()
	log.Debug().Msg("Optimizer history reset")
}

func (a *Aggressive) clear() {
	a.gradientOld.Dispose()
	a.gradientOld = nil
	a.correction = nil
	a.correctionAdjustment = 0
	a.hessian = 1
	a.oldDirs = nil
	a.oldSteps = nil
	a.valueOld = 0
}

func (a *Aggressive) Step(variable, gradient *core.Tensor, value float32) error {
	if err := checkGradient(variable, gradient); err != nil {
		gradient.Dispose()
		return err
	}
	g := gradient.Data()
	first := a.correction == nil || a.gradientOld == nil
	if !first && a.gradientOld.Size() != len(g) {
		gradient.Dispose()
		return fmt.Errorf("%w: gradient size changed from %d to %d without reset", core.ErrShape, a.gradientOld.Size(), len(g))
	}

	if first {
		a.correction = make([]float32, len(g))
		core.Axpy(-1, g, a.correction)
		a.hessian = 1
		a.oldDirs, a.oldSteps = nil, nil
	} else {
		a.updateHistory(g)
		a.correction = a.direction(g)
	}

	// directional derivative
	gtd := core.Dot(g, a.correction)
	if float64(gtd) > -a.cfg.Ftol {
		a.stats.NonDescent++
		a.metrics.OptimizerEvent(monitoring.EventNonDescent)
		log.Warn().Float32("gtd", gtd).Msg("Can not make progress along direction")
	}

	meanCorrection := core.Asum(a.correction) / float32(len(a.correction))
	a.correctionAdjustment = 0
	if meanCorrection > 0 {
		a.correctionAdjustment = float32(math.Log1p(math.Abs(float64(value)))) / meanCorrection
	}

	gain := float32(steadyGain)
	if first {
		gain = a.correctionAdjustment
	}
	limit := float32(a.cfg.MaxAdjustment)
	x := variable.Data()
	for i, c := range a.correction {
		adj := gain * c
		if adj > limit {
			adj = limit
		} else if adj < -limit {
			adj = -limit
		}
		x[i] += adj
	}

	if !first && math.Abs(float64(value-a.valueOld)) < a.cfg.Ftol {
		a.stats.Bumps++
		a.metrics.OptimizerEvent(monitoring.EventBump)
		log.Warn().Float32("value", value).Msg("Value change is less than ftol, giving a bump")
		core.Scal(bumpFactor, x)
	}

	a.gradientOld.Dispose()
	a.gradientOld = gradient
	a.valueOld = value
	a.stats.Steps++
	return nil
}

// updateHistory pushes the latest curvature pair when it satisfies the
// curvature condition, evicting the oldest pair at capacity.
func (a *Aggressive) updateHistory(g []float32) {
	y := make([]float32, len(g))
	copy(y, g)
	core.Axpy(-1, a.gradientOld.Data(), y)

	s := make([]float32, len(a.correction))
	core.Axpy(a.correctionAdjustment, a.correction, s)

	ys := core.Dot(y, s)
	if ys <= curvatureEpsilon {
		a.stats.CurvatureSkips++
		a.metrics.OptimizerEvent(monitoring.EventCurvatureSkip)
		log.Debug().Float32("ys", ys).Msg("Curvature pair skipped")
		return
	}
	if len(a.oldDirs) == a.cfg.MaxCor {
		a.oldDirs = a.oldDirs[1:]
		a.oldSteps = a.oldSteps[1:]
	}
	a.oldDirs = append(a.oldDirs, s)
	a.oldSteps = append(a.oldSteps, y)
	a.hessian = ys / core.Dot(y, y)
}

// direction runs the two-loop recursion from -g.
func (a *Aggressive) direction(g []float32) []float32 {
	k := len(a.oldDirs)
	ro := make([]float32, k)
	al := make([]float32, k)
	for i := 0; i < k; i++ {
		ro[i] = 1 / core.Dot(a.oldSteps[i], a.oldDirs[i])
	}

	q := make([]float32, len(g))
	core.Axpy(-1, g, q)
	for i := k - 1; i >= 0; i-- {
		al[i] = ro[i] * core.Dot(a.oldDirs[i], q)
		core.Axpy(-al[i], a.oldSteps[i], q)
	}

	r := q
	core.Scal(a.hessian, r)
	for i := 0; i < k; i++ {
		be := ro[i] * core.Dot(a.oldSteps[i], r)
		core.Axpy(al[i]-be, a.oldDirs[i], r)
	}
	return r
}
