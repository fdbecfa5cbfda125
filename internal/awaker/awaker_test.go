package awaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lecturepipe/internal/models"
	"lecturepipe/internal/taskengine"
)

type recordingEnqueuer struct {
	taskTypes []models.TaskType
	params    []any
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, taskType models.TaskType, params any) error {
	r.taskTypes = append(r.taskTypes, taskType)
	r.params = append(r.params, params)
	return nil
}

func TestRunNow(t *testing.T) {
	t.Run("Should publish one periodic check message", func(t *testing.T) {
		enqueuer := &recordingEnqueuer{}
		a := New(enqueuer, time.Minute)

		require.NoError(t, a.RunNow(context.Background()))

		require.Len(t, enqueuer.taskTypes, 1)
		assert.Equal(t, models.TaskPeriodicCheck, enqueuer.taskTypes[0])

		keys, ok := enqueuer.params[0].(taskengine.TargetKeys)
		require.True(t, ok)
		assert.Equal(t, "periodic-check", keys.UniqueID)
		assert.Equal(t, "awaker", keys.Rule)
	})
}

func TestNew(t *testing.T) {
	t.Run("Should floor the interval at one minute", func(t *testing.T) {
		a := New(&recordingEnqueuer{}, time.Second)
		assert.Equal(t, time.Minute, a.interval)
	})

	t.Run("Should keep a longer interval as given", func(t *testing.T) {
		a := New(&recordingEnqueuer{}, 5*time.Minute)
		assert.Equal(t, 5*time.Minute, a.interval)
	})
}
