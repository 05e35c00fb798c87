package runlog

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retina-forge/internal/loss"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunRoundTrip(t *testing.T) {
	s := tempStore(t)
	meta := RunMeta{Backbone: "resnet50", Source: "coco_sample", BatchSize: 2, ImageSize: 512, NumClasses: 6, Seed: 32, Device: "cpu"}

	id, err := s.StartRun(meta)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	run, err := s.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, meta, run.Meta)
	assert.Equal(t, StatusRunning, run.Status)
	assert.True(t, run.FinishedAt.IsZero())

	require.NoError(t, s.RecordStep(id, 2, loss.Result{Total: 0.5, Cls: 0.3, Box: 0.2, NumForeground: 3}))
	require.NoError(t, s.RecordStep(id, 1, loss.Result{Total: 1.5, Cls: 1.0, Box: 0.5, NumForeground: 7}))
	require.NoError(t, s.RecordStep(id, 2, loss.Result{Total: 0.4, Cls: 0.3, Box: 0.1, NumForeground: 3}))

	steps, err := s.Steps(id)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].Step)
	assert.Equal(t, 7, steps[0].Result.NumForeground)
	assert.Equal(t, 0.4, steps[1].Result.Total)

	require.NoError(t, s.FinishRun(id, nil))
	run, err = s.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, run.Status)
	assert.False(t, run.FinishedAt.IsZero())
}

func TestFinishRunFailure(t *testing.T) {
	s := tempStore(t)
	id, err := s.StartRun(RunMeta{Backbone: "resnet18", Source: "dummy", BatchSize: 1, ImageSize: 64, NumClasses: 6})
	require.NoError(t, err)

	require.NoError(t, s.FinishRun(id, errors.New("loss is NaN")))
	run, err := s.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "loss is NaN", run.Error)
	assert.Empty(t, run.Meta.Device)
}

func TestUnknownRun(t *testing.T) {
	s := tempStore(t)
	_, err := s.GetRun("missing")
	require.ErrorIs(t, err, ErrUnknownRun)
	require.ErrorIs(t, s.FinishRun("missing", nil), ErrUnknownRun)

	// steps must reference an existing run
	require.Error(t, s.RecordStep("missing", 1, loss.Result{}))

	steps, err := s.Steps("missing")
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestReopenKeepsRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.StartRun(RunMeta{Backbone: "resnet50", Source: "dummy", BatchSize: 2, ImageSize: 32, NumClasses: 6, Seed: 32})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	run, err := s.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, int64(32), run.Meta.Seed)
}
