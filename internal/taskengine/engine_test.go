package taskengine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"lecturepipe/internal/broker"
	"lecturepipe/internal/database"
	"lecturepipe/internal/ledger"
	"lecturepipe/internal/models"
)

// fakeBus records published messages instead of talking to a broker.
type fakeBus struct {
	published map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string][][]byte)}
}

func (b *fakeBus) Publish(ctx context.Context, queue string, body []byte) error {
	b.published[queue] = append(b.published[queue], body)
	return nil
}

func (b *fakeBus) Consume(ctx context.Context, queue string, concurrency int, handler broker.Handler) error {
	return nil
}

func (b *fakeBus) envelopes(t *testing.T, taskType models.TaskType) []Envelope {
	t.Helper()
	bodies := b.published[QueueName(taskType)]
	out := make([]Envelope, 0, len(bodies))
	for _, body := range bodies {
		var env Envelope
		require.NoError(t, json.Unmarshal(body, &env))
		out = append(out, env)
	}
	return out
}

func setupEngine(t *testing.T, maxAttempts int) (*Engine, *fakeBus, *ledger.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.TaskItem{}))

	bus := newFakeBus()
	store := ledger.NewStore(db)
	return NewEngine(bus, store, nil, maxAttempts), bus, store
}

func envelopeBody(t *testing.T, env Envelope) []byte {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func keysFor(uniqueID string) json.RawMessage {
	data, _ := json.Marshal(TargetKeys{UniqueID: uniqueID, Rule: "test"})
	return data
}

func TestDispatch(t *testing.T) {
	t.Run("Should claim, run, and complete a task", func(t *testing.T) {
		engine, _, store := setupEngine(t, 3)

		var seen *models.TaskItem
		require.NoError(t, engine.Register(Stage{
			Type: models.TaskPlaylistSync,
			Handler: func(ctx context.Context, task *Task) error {
				seen = task.Item
				return task.SetResult(map[string]int{"discovered": 4})
			},
		}))

		env := NewEnvelope(models.TaskPlaylistSync, keysFor("playlist-1"), "")
		err := engine.Dispatch(context.Background(), envelopeBody(t, env))
		require.NoError(t, err)

		require.NotNil(t, seen)
		done, err := store.ByID(seen.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSucceeded, done.TaskStatusCode)
		assert.Equal(t, `{"discovered":4}`, done.ResultData)
		assert.Equal(t, env.MessageRef, done.OpaqueMessageRef)
		assert.Equal(t, "playlist-1", done.UniqueID)
		assert.NotNil(t, done.StartedAt)
		assert.NotNil(t, done.EndedAt)
	})

	t.Run("Should ack a duplicate while the first is still active", func(t *testing.T) {
		engine, _, store := setupEngine(t, 3)
		require.NoError(t, engine.Register(Stage{
			Type: models.TaskPlaylistSync,
			Handler: func(ctx context.Context, task *Task) error {
				t.Fatal("handler must not run for a duplicate")
				return nil
			},
		}))

		// Occupy the idempotency slot.
		_, err := store.Claim(ledger.CreateParams{TaskType: models.TaskPlaylistSync, UniqueID: "playlist-1"})
		require.NoError(t, err)

		env := NewEnvelope(models.TaskPlaylistSync, keysFor("playlist-1"), "")
		err = engine.Dispatch(context.Background(), envelopeBody(t, env))
		assert.NoError(t, err, "Duplicates are acked, not requeued")
	})

	t.Run("Should drop malformed and unregistered messages", func(t *testing.T) {
		engine, _, _ := setupEngine(t, 3)

		assert.NoError(t, engine.Dispatch(context.Background(), []byte("not json")))

		env := NewEnvelope(models.TaskSceneDetect, keysFor("video-1"), "")
		assert.NoError(t, engine.Dispatch(context.Background(), envelopeBody(t, env)))
	})

	t.Run("Should drop messages without a target unique id", func(t *testing.T) {
		engine, _, _ := setupEngine(t, 3)
		require.NoError(t, engine.Register(Stage{
			Type: models.TaskPlaylistSync,
			Handler: func(ctx context.Context, task *Task) error {
				t.Fatal("handler must not run without a target")
				return nil
			},
		}))

		env := NewEnvelope(models.TaskPlaylistSync, json.RawMessage(`{"rule":"test"}`), "")
		assert.NoError(t, engine.Dispatch(context.Background(), envelopeBody(t, env)))
	})

	t.Run("Should fail and ack on a permanent error", func(t *testing.T) {
		engine, _, store := setupEngine(t, 3)
		var itemID string
		require.NoError(t, engine.Register(Stage{
			Type: models.TaskMediaDownload,
			Handler: func(ctx context.Context, task *Task) error {
				itemID = task.Item.ID
				return Permanent(errors.New("media row vanished"))
			},
		}))

		env := NewEnvelope(models.TaskMediaDownload, keysFor("media-1"), "")
		err := engine.Dispatch(context.Background(), envelopeBody(t, env))
		assert.NoError(t, err, "Permanent failures are acked")

		failed, err := store.ByID(itemID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, failed.TaskStatusCode)
		assert.Contains(t, failed.DebugMessage, "media row vanished")
	})

	t.Run("Should fail and requeue on a transient error", func(t *testing.T) {
		engine, _, store := setupEngine(t, 3)
		var itemID string
		require.NoError(t, engine.Register(Stage{
			Type: models.TaskMediaDownload,
			Handler: func(ctx context.Context, task *Task) error {
				itemID = task.Item.ID
				return errors.New("connection reset")
			},
		}))

		env := NewEnvelope(models.TaskMediaDownload, keysFor("media-1"), "")
		err := engine.Dispatch(context.Background(), envelopeBody(t, env))
		assert.Error(t, err, "Transient failures requeue the message")

		failed, err := store.ByID(itemID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, failed.TaskStatusCode)
	})

	t.Run("Should treat a panicking handler as a transient failure", func(t *testing.T) {
		engine, _, store := setupEngine(t, 3)
		var itemID string
		require.NoError(t, engine.Register(Stage{
			Type: models.TaskTranscribe,
			Handler: func(ctx context.Context, task *Task) error {
				itemID = task.Item.ID
				panic("nil segment")
			},
		}))

		env := NewEnvelope(models.TaskTranscribe, keysFor("media-1"), "")
		err := engine.Dispatch(context.Background(), envelopeBody(t, env))
		assert.Error(t, err)

		failed, err := store.ByID(itemID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, failed.TaskStatusCode)
		assert.Contains(t, failed.DebugMessage, "panicked")
	})
}

// setupRaceEngine backs the engine with a file database migrated
// through database.AutoMigrate, pool pinned to one connection since
// SQLite allows a single writer.
func setupRaceEngine(t *testing.T, maxAttempts int) (*Engine, *ledger.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "engine.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.AutoMigrate(db))

	store := ledger.NewStore(db)
	return NewEngine(newFakeBus(), store, nil, maxAttempts), store
}

func TestDispatchConcurrency(t *testing.T) {
	t.Run("Should run the handler once when five deliveries race on one target", func(t *testing.T) {
		engine, store := setupRaceEngine(t, 3)

		var calls atomic.Int32
		entered := make(chan struct{}, 1)
		gate := make(chan struct{})
		require.NoError(t, engine.Register(Stage{
			Type: models.TaskTranscribe,
			Handler: func(ctx context.Context, task *Task) error {
				calls.Add(1)
				select {
				case entered <- struct{}{}:
				default:
				}
				<-gate
				return task.SetResult(map[string]string{"transcriptionId": "tr-1"})
			},
		}))

		// The first delivery claims the slot and holds the row Running.
		first := NewEnvelope(models.TaskTranscribe, keysFor("media-1"), "")
		firstDone := make(chan error, 1)
		go func() {
			firstDone <- engine.Dispatch(context.Background(), envelopeBody(t, first))
		}()
		<-entered

		// Four rival triggers for the same target arrive while the slot
		// is occupied.
		const rivals = 4
		bodies := make([][]byte, rivals)
		for i := range bodies {
			bodies[i] = envelopeBody(t, NewEnvelope(models.TaskTranscribe, keysFor("media-1"), ""))
		}
		rivalErrs := make([]error, rivals)
		var wg sync.WaitGroup
		for i := 0; i < rivals; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rivalErrs[i] = engine.Dispatch(context.Background(), bodies[i])
			}(i)
		}
		wg.Wait()
		close(gate)
		require.NoError(t, <-firstDone)

		for _, err := range rivalErrs {
			assert.NoError(t, err, "Rival deliveries are acked as duplicates")
		}
		assert.EqualValues(t, 1, calls.Load())

		row, err := store.ByMessageRef(first.MessageRef)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSucceeded, row.TaskStatusCode)
	})
}

func TestRedelivery(t *testing.T) {
	t.Run("Should resume a queued row after a crash before start", func(t *testing.T) {
		engine, _, store := setupEngine(t, 3)
		var executed string
		require.NoError(t, engine.Register(Stage{
			Type: models.TaskPlaylistSync,
			Handler: func(ctx context.Context, task *Task) error {
				executed = task.Item.ID
				return nil
			},
		}))

		// A previous worker claimed the row, then died before running it.
		env := NewEnvelope(models.TaskPlaylistSync, keysFor("playlist-1"), "")
		claimed, err := store.Claim(ledger.CreateParams{
			TaskType:   models.TaskPlaylistSync,
			UniqueID:   "playlist-1",
			MessageRef: env.MessageRef,
		})
		require.NoError(t, err)

		err = engine.Dispatch(context.Background(), envelopeBody(t, env))
		require.NoError(t, err)
		assert.Equal(t, claimed.ID, executed, "Redelivery should resume the claimed row, not create a new one")
	})

	t.Run("Should skip a redelivery while the attempt is running", func(t *testing.T) {
		engine, _, store := setupEngine(t, 3)
		require.NoError(t, engine.Register(Stage{
			Type: models.TaskPlaylistSync,
			Handler: func(ctx context.Context, task *Task) error {
				t.Fatal("handler must not run while another slot owns the row")
				return nil
			},
		}))

		env := NewEnvelope(models.TaskPlaylistSync, keysFor("playlist-1"), "")
		claimed, err := store.Claim(ledger.CreateParams{
			TaskType:   models.TaskPlaylistSync,
			UniqueID:   "playlist-1",
			MessageRef: env.MessageRef,
		})
		require.NoError(t, err)
		_, err = store.MarkRunning(claimed.ID)
		require.NoError(t, err)

		assert.NoError(t, engine.Dispatch(context.Background(), envelopeBody(t, env)))
	})

	t.Run("Should claim a linked retry when the attempt failed", func(t *testing.T) {
		engine, _, store := setupEngine(t, 3)

		calls := 0
		require.NoError(t, engine.Register(Stage{
			Type: models.TaskTranscribe,
			Handler: func(ctx context.Context, task *Task) error {
				calls++
				if calls == 1 {
					return errors.New("worker unreachable")
				}
				return nil
			},
		}))

		env := NewEnvelope(models.TaskTranscribe, keysFor("media-1"), "")
		body := envelopeBody(t, env)

		// First delivery fails transiently; the broker redelivers.
		require.Error(t, engine.Dispatch(context.Background(), body))
		require.NoError(t, engine.Dispatch(context.Background(), body))
		assert.Equal(t, 2, calls)

		first, err := store.ByMessageRef(env.MessageRef)
		require.NoError(t, err)
		latest, err := store.LatestAttempt(first)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSucceeded, latest.TaskStatusCode)
		assert.Equal(t, 2, latest.AttemptNumber)
		assert.Equal(t, first.ID, latest.PreviousAttemptTaskItemID)
		assert.Equal(t, first.AncestorTaskItemID, latest.AncestorTaskItemID)
	})

	t.Run("Should leave an exhausted retry chain failed and ack", func(t *testing.T) {
		maxAttempts := 2
		engine, _, store := setupEngine(t, maxAttempts)

		calls := 0
		require.NoError(t, engine.Register(Stage{
			Type: models.TaskTranscribe,
			Handler: func(ctx context.Context, task *Task) error {
				calls++
				return errors.New("worker unreachable")
			},
		}))

		env := NewEnvelope(models.TaskTranscribe, keysFor("media-1"), "")
		body := envelopeBody(t, env)

		require.Error(t, engine.Dispatch(context.Background(), body))
		require.Error(t, engine.Dispatch(context.Background(), body))

		// Cap reached: the next redelivery is acked without a new attempt.
		assert.NoError(t, engine.Dispatch(context.Background(), body))
		assert.Equal(t, maxAttempts, calls)

		first, err := store.ByMessageRef(env.MessageRef)
		require.NoError(t, err)
		latest, err := store.LatestAttempt(first)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, latest.TaskStatusCode)
		assert.Equal(t, maxAttempts, latest.AttemptNumber)
	})

	t.Run("Should ack a redelivery for a terminal row", func(t *testing.T) {
		engine, _, store := setupEngine(t, 3)
		require.NoError(t, engine.Register(Stage{
			Type: models.TaskPlaylistSync,
			Handler: func(ctx context.Context, task *Task) error {
				t.Fatal("handler must not rerun finished work")
				return nil
			},
		}))

		env := NewEnvelope(models.TaskPlaylistSync, keysFor("playlist-1"), "")
		claimed, err := store.Claim(ledger.CreateParams{
			TaskType:   models.TaskPlaylistSync,
			UniqueID:   "playlist-1",
			MessageRef: env.MessageRef,
		})
		require.NoError(t, err)
		_, err = store.MarkRunning(claimed.ID)
		require.NoError(t, err)
		_, err = store.MarkSucceeded(claimed.ID, "", "")
		require.NoError(t, err)

		assert.NoError(t, engine.Dispatch(context.Background(), envelopeBody(t, env)))
	})
}

func TestChaining(t *testing.T) {
	t.Run("Should publish chained work linked to the finished task", func(t *testing.T) {
		engine, bus, store := setupEngine(t, 3)
		require.NoError(t, engine.Register(Stage{
			Type: models.TaskMediaDownload,
			Handler: func(ctx context.Context, task *Task) error {
				return task.Chain(models.TaskAudioExtract, TargetKeys{UniqueID: "media-1", MediaID: "media-1"})
			},
		}))

		env := NewEnvelope(models.TaskMediaDownload, keysFor("media-1"), "")
		require.NoError(t, engine.Dispatch(context.Background(), envelopeBody(t, env)))

		chained := bus.envelopes(t, models.TaskAudioExtract)
		require.Len(t, chained, 1)

		parent, err := store.ByMessageRef(env.MessageRef)
		require.NoError(t, err)
		assert.Equal(t, parent.ID, chained[0].OriginTaskItemID)
		assert.NotEmpty(t, chained[0].MessageRef)
		assert.NotEqual(t, env.MessageRef, chained[0].MessageRef, "Each message needs its own reference")
	})

	t.Run("Should run a whole pipeline under one ancestor", func(t *testing.T) {
		engine, bus, store := setupEngine(t, 3)

		require.NoError(t, engine.Register(Stage{
			Type: models.TaskMediaDownload,
			Handler: func(ctx context.Context, task *Task) error {
				return task.Chain(models.TaskAudioExtract, TargetKeys{UniqueID: "media-1"})
			},
		}))
		require.NoError(t, engine.Register(Stage{
			Type: models.TaskAudioExtract,
			Handler: func(ctx context.Context, task *Task) error {
				return task.Chain(models.TaskTranscribe, TargetKeys{UniqueID: "media-1"})
			},
		}))
		require.NoError(t, engine.Register(Stage{
			Type: models.TaskTranscribe,
			Handler: func(ctx context.Context, task *Task) error {
				return nil
			},
		}))

		root := NewEnvelope(models.TaskMediaDownload, keysFor("media-1"), "")
		require.NoError(t, engine.Dispatch(context.Background(), envelopeBody(t, root)))

		// Deliver the chained messages the way the broker would.
		extract := bus.envelopes(t, models.TaskAudioExtract)
		require.Len(t, extract, 1)
		require.NoError(t, engine.Dispatch(context.Background(), envelopeBody(t, extract[0])))

		transcribe := bus.envelopes(t, models.TaskTranscribe)
		require.Len(t, transcribe, 1)
		require.NoError(t, engine.Dispatch(context.Background(), envelopeBody(t, transcribe[0])))

		rootRow, err := store.ByMessageRef(root.MessageRef)
		require.NoError(t, err)

		run, err := store.ByAncestor(rootRow.ID)
		require.NoError(t, err)
		require.Len(t, run, 3)
		for _, row := range run {
			assert.Equal(t, models.StatusSucceeded, row.TaskStatusCode)
			assert.Equal(t, rootRow.ID, row.AncestorTaskItemID)
		}
	})
}

func TestEnqueue(t *testing.T) {
	t.Run("Should publish a chain root envelope", func(t *testing.T) {
		engine, bus, _ := setupEngine(t, 3)

		err := engine.Enqueue(context.Background(), models.TaskPeriodicCheck, TargetKeys{
			UniqueID: "periodic-check",
			Rule:     "awaker",
		})
		require.NoError(t, err)

		published := bus.envelopes(t, models.TaskPeriodicCheck)
		require.Len(t, published, 1)
		assert.Empty(t, published[0].OriginTaskItemID)
		assert.NotEmpty(t, published[0].MessageRef)
	})
}

func TestRegister(t *testing.T) {
	t.Run("Should reject duplicate or handlerless stages", func(t *testing.T) {
		engine, _, _ := setupEngine(t, 3)

		handler := func(ctx context.Context, task *Task) error { return nil }
		require.NoError(t, engine.Register(Stage{Type: models.TaskPlaylistSync, Handler: handler}))

		assert.Error(t, engine.Register(Stage{Type: models.TaskPlaylistSync, Handler: handler}))
		assert.Error(t, engine.Register(Stage{Type: models.TaskTranscribe}))
	})
}
