package history

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumix-ai/stylize/internal/progress"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	run, err := s.StartRun(ctx, Run{Content: "c.png", Style: "s.png", Output: "o.png", Iterations: 3, Optimizer: "aggressive", Device: "cpu:0"})
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, StatusRunning, run.Status)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordIteration(ctx, Iteration{
			RunID: run.ID, Index: i, Width: 32, Height: 16, Tiles: 4,
			Loss: float64(10 - i), Style: float64(8 - i), Content: 2, Duration: time.Millisecond,
		}))
	}
	require.NoError(t, s.FinishRun(ctx, run.ID, StatusDone, 8, ""))

	got, err := s.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, 8.0, got.FinalLoss)
	assert.Equal(t, "aggressive", got.Optimizer)
	assert.Equal(t, "cpu:0", got.Device)
	assert.False(t, got.FinishedAt.Before(got.StartedAt))

	its, err := s.Iterations(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, its, 3)
	for i, it := range its {
		assert.Equal(t, i, it.Index)
		assert.Equal(t, float64(10-i), it.Loss)
		assert.Equal(t, 4, it.Tiles)
		assert.Equal(t, time.Millisecond, it.Duration)
	}
}

func TestRunsNewestFirstAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		r, err := s.StartRun(ctx, Run{Iterations: i + 1})
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}

	runs, err := s.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[0], runs[2].ID)

	runs, err = s.Runs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	require.NoError(t, s.RecordIteration(ctx, Iteration{RunID: ids[0], Index: 0, Loss: 1}))
	require.NoError(t, s.DeleteRun(ctx, ids[0]))
	its, err := s.Iterations(ctx, ids[0])
	require.NoError(t, err)
	assert.Empty(t, its)

	assert.ErrorIs(t, s.DeleteRun(ctx, ids[0]), ErrRunNotFound)
	assert.ErrorIs(t, s.FinishRun(ctx, "missing", StatusDone, 0, ""), ErrRunNotFound)
	_, err = s.Run(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestNonFiniteLossesStoredAsNull(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	run, err := s.StartRun(ctx, Run{})
	require.NoError(t, err)
	require.NoError(t, s.RecordIteration(ctx, Iteration{RunID: run.ID, Loss: math.Inf(1), Style: math.NaN()}))
	require.NoError(t, s.FinishRun(ctx, run.ID, StatusFailed, math.NaN(), "non-finite loss"))

	its, err := s.Iterations(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, its, 1)
	assert.True(t, math.IsNaN(its[0].Loss))
	assert.True(t, math.IsNaN(its[0].Style))
	assert.Equal(t, 0.0, its[0].Content)

	got, err := s.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "non-finite loss", got.Error)
	assert.True(t, math.IsNaN(got.FinalLoss))
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	run, err := s.StartRun(ctx, Run{Iterations: 2})
	require.NoError(t, err)

	rec := NewRecorder(s, run.ID)
	var r progress.Reporter = rec
	r.Report(progress.Event{Stage: progress.StageInitialize, Message: "ignored"})
	r.Report(progress.Event{Stage: progress.StageIteration, Iteration: 0, Iterations: 2, Loss: 5, Tiles: 1})
	r.Report(progress.Event{Stage: progress.StageIteration, Iteration: 1, Iterations: 2, Loss: 3, Tiles: 1})
	assert.False(t, rec.Finished())
	r.Report(progress.Event{Stage: progress.StageDone})
	assert.True(t, rec.Finished())

	got, err := s.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, 3.0, got.FinalLoss)

	its, err := s.Iterations(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, its, 2)

	// a failed event on an unknown run only logs
	NewRecorder(s, "missing").Report(progress.Event{Stage: progress.StageFailed, Err: "boom"})
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Enabled: true}.Validate())
}
