// internal/evaluation/summary.go
package evaluation

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/lumix-ai/stylize/internal/loss"
	"github.com/lumix-ai/stylize/internal/progress"
)

// LayerScore - final loss of one layer and its share of the total
type LayerScore struct {
	Target string
	Layer  string
	Value  float64
	Share  float64
}

// RunEvaluation - what a finished (or failed) run achieved
type RunEvaluation struct {
	Iterations    int
	Resizes       int
	Duration      time.Duration
	MeanIteration time.Duration
	SlowIteration time.Duration
	FirstLoss     float64
	FinalLoss     float64
	BestLoss      float64
	BestIteration int
	Improvement   float64
	FinalStyle    float64
	FinalContent  float64
	Layers        []LayerScore
	Palette       *PaletteMatch
	Failed        bool
	Err           string
}

// Stalled reports whether the loss never dropped below its first value.
func (e *RunEvaluation) Stalled() bool {
	return e.Iterations > 1 && e.BestLoss >= e.FirstLoss
}

// Summary - progress.Reporter that collects a run's iteration events for
// the end-of-run evaluation
type Summary struct {
	mu      sync.Mutex
	events  []progress.Event
	resizes int
	failed  bool
	err     string
}

func NewSummary() *Summary {
	return &Summary{}
}

func (s *Summary) Report(e progress.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e.Stage {
	case progress.StageIteration:
		s.events = append(s.events, e)
	case progress.StageResize:
		s.resizes++
	case progress.StageFailed:
		s.failed = true
		s.err = e.Err
	}
}

// Evaluate scores the iterations collected so far. It returns nil before the
// first iteration.
func (s *Summary) Evaluate() *RunEvaluation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}

	first, last := s.events[0], s.events[len(s.events)-1]
	ev := &RunEvaluation{
		Iterations:    len(s.events),
		Resizes:       s.resizes,
		FirstLoss:     first.Loss,
		FinalLoss:     last.Loss,
		BestLoss:      first.Loss,
		BestIteration: first.Iteration,
		FinalStyle:    last.Style,
		FinalContent:  last.Content,
		Failed:        s.failed,
		Err:           s.err,
	}
	for _, e := range s.events {
		ev.Duration += e.Duration
		ev.SlowIteration = max(ev.SlowIteration, e.Duration)
		if e.Loss < ev.BestLoss {
			ev.BestLoss = e.Loss
			ev.BestIteration = e.Iteration
		}
	}
	ev.MeanIteration = ev.Duration / time.Duration(len(s.events))
	if first.Loss != 0 {
		ev.Improvement = 1 - last.Loss/first.Loss
	}
	ev.Layers = layerScores(last.Layers, last.Loss)
	return ev
}

func layerScores(layers []loss.LayerLoss, total float64) []LayerScore {
	scores := make([]LayerScore, 0, len(layers))
	for _, l := range layers {
		sc := LayerScore{Target: l.Target, Layer: l.Layer, Value: l.Value}
		if total != 0 {
			sc.Share = l.Value / total
		}
		scores = append(scores, sc)
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Value > scores[j].Value })
	return scores
}

func formatLoss(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Sprint(v)
	}
	return fmt.Sprintf("%.3e", v)
}

func swatchList(swatches []Swatch) string {
	hex := make([]string, len(swatches))
	for i, s := range swatches {
		hex[i] = s.Hex
	}
	return strings.Join(hex, " ")
}

// Render writes the evaluation as two tables: the run totals and the
// per-layer losses of the last iteration.
func (e *RunEvaluation) Render(w io.Writer) {
	status := "done"
	if e.Failed {
		status = "failed: " + e.Err
	}
	totals := [][]string{
		{"status", status},
		{"iterations", fmt.Sprint(e.Iterations)},
		{"resizes", fmt.Sprint(e.Resizes)},
		{"duration", e.Duration.Round(time.Millisecond).String()},
		{"mean iteration", e.MeanIteration.Round(time.Microsecond).String()},
		{"slowest iteration", e.SlowIteration.Round(time.Microsecond).String()},
		{"first loss", formatLoss(e.FirstLoss)},
		{"final loss", formatLoss(e.FinalLoss)},
		{"best loss", fmt.Sprintf("%s (iteration %d)", formatLoss(e.BestLoss), e.BestIteration+1)},
		{"improvement", fmt.Sprintf("%.1f%%", 100*e.Improvement)},
		{"style loss", formatLoss(e.FinalStyle)},
		{"content loss", formatLoss(e.FinalContent)},
	}
	if e.Palette != nil {
		totals = append(totals,
			[]string{"style palette", swatchList(e.Palette.Style)},
			[]string{"output palette", swatchList(e.Palette.Output)},
			[]string{"palette distance", fmt.Sprintf("%.3f", e.Palette.Distance)},
		)
	}
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(totals)
	table.Render()

	if len(e.Layers) == 0 {
		return
	}
	fmt.Fprintln(w)
	rows := make([][]string, 0, len(e.Layers))
	for _, l := range e.Layers {
		rows = append(rows, []string{l.Target, l.Layer, formatLoss(l.Value), fmt.Sprintf("%.1f%%", 100*l.Share)})
	}
	table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"TARGET", "LAYER", "LOSS", "SHARE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
}
