// internal/progress/reporter.go
package progress

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lumix-ai/stylize/internal/loss"
)

// Stage of a run an event belongs to
type Stage string

const (
	StageInitialize Stage = "initialize"
	StageStyle      Stage = "style"
	StageResize     Stage = "resize"
	StageIteration  Stage = "iteration"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// Event - one status update of a style transfer run
type Event struct {
	Stage      Stage            `json:"stage"`
	Message    string           `json:"message,omitempty"`
	Percent    float64          `json:"percent"`
	Iteration  int              `json:"iteration"`
	Iterations int              `json:"iterations"`
	Width      int              `json:"width,omitempty"`
	Height     int              `json:"height,omitempty"`
	Tiles      int              `json:"tiles,omitempty"`
	Loss       float64          `json:"loss"`
	Style      float64          `json:"style"`
	Content    float64          `json:"content"`
	Layers     []loss.LayerLoss `json:"layers,omitempty"`
	Duration   time.Duration    `json:"duration"`
	Err        string           `json:"error,omitempty"`
}

// Reporter - receives run events; implementations must not block for long
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

// Multi fans events out to several reporters in order.
type Multi []Reporter

func (m Multi) Report(e Event) {
	for _, r := range m {
		if r != nil {
			r.Report(e)
		}
	}
}

// exponent formats v like 1.23e+04.
func exponent(v float64, digits int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Sprint(v)
	}
	return fmt.Sprintf("%.*e", digits, v)
}

// IterationLine renders the per-iteration status line:
// "[ 7/10] loss: 1.23e+04 style: 1.20e+04 content: 3.00e+02".
func IterationLine(e Event) string {
	width := len(fmt.Sprint(e.Iterations))
	return strings.Join([]string{
		fmt.Sprintf("[%*d/%d]", width, e.Iteration+1, e.Iterations),
		"loss: " + exponent(e.Loss, 2),
		"style: " + exponent(e.Style, 2),
		"content: " + exponent(e.Content, 2),
	}, " ")
}

// LogReporter writes events to the global zerolog logger.
type LogReporter struct {
	mu sync.Mutex
}

func NewLogReporter() *LogReporter {
	return &LogReporter{}
}

func (r *LogReporter) Report(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Stage {
	case StageIteration:
		log.Info().
			Int("tiles", e.Tiles).
			Dur("duration", e.Duration).
			Msg(IterationLine(e))
	case StageFailed:
		log.Error().Str("error", e.Err).Msg(e.Message)
	default:
		log.Info().
			Str("stage", string(e.Stage)).
			Float64("percent", e.Percent).
			Int("width", e.Width).
			Int("height", e.Height).
			Msg(e.Message)
	}
}
