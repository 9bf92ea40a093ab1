// internal/history/recorder.go
package history

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lumix-ai/stylize/internal/progress"
)

// Recorder - progress.Reporter that writes iteration losses and the final
// run status to the store
type Recorder struct {
	store   *Store
	runID   string
	timeout time.Duration

	mu       sync.Mutex
	last     float64
	finished bool
}

func NewRecorder(store *Store, runID string) *Recorder {
	return &Recorder{store: store, runID: runID, timeout: 5 * time.Second}
}

// Finished reports whether a done or failed event has been recorded.
func (r *Recorder) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func (r *Recorder) Report(e progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var err error
	switch e.Stage {
	case progress.StageIteration:
		r.last = e.Loss
		err = r.store.RecordIteration(ctx, Iteration{
			RunID:    r.runID,
			Index:    e.Iteration,
			Width:    e.Width,
			Height:   e.Height,
			Tiles:    e.Tiles,
			Loss:     e.Loss,
			Style:    e.Style,
			Content:  e.Content,
			Duration: e.Duration,
		})
	case progress.StageDone:
		r.finished = true
		err = r.store.FinishRun(ctx, r.runID, StatusDone, r.last, "")
	case progress.StageFailed:
		r.finished = true
		err = r.store.FinishRun(ctx, r.runID, StatusFailed, r.last, e.Err)
	}
	if err != nil {
		log.Warn().Err(err).Str("run", r.runID).Msg("Failed to record run history")
	}
}
