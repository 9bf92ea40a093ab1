// internal/progress/bar.go
package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// BarReporter - terminal progress bar over the run's iterations
type BarReporter struct {
	mu    sync.Mutex
	w     io.Writer
	bar   *progressbar.ProgressBar
	total int
}

func NewBarReporter(w io.Writer) *BarReporter {
	return &BarReporter{w: w}
}

func (r *BarReporter) newBar(total int) {
	r.total = total
	r.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(r.w),
		progressbar.OptionSetDescription("stylizing"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(r.w) }),
	)
}

func (r *BarReporter) Report(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Stage {
	case StageIteration:
		if r.bar == nil || r.total != e.Iterations {
			r.newBar(e.Iterations)
		}
		r.bar.Describe(fmt.Sprintf("loss %s", exponent(e.Loss, 2)))
		_ = r.bar.Set(e.Iteration + 1)
	case StageResize:
		if r.bar != nil {
			r.bar.Describe(fmt.Sprintf("resized to %dx%d", e.Width, e.Height))
		}
	case StageDone:
		if r.bar != nil {
			_ = r.bar.Finish()
			r.bar = nil
		}
	case StageFailed:
		if r.bar != nil {
			fmt.Fprintln(r.w)
			r.bar = nil
		}
	}
}
