package taskengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"lecturepipe/internal/models"
)

// RemoteCaller delegates CPU-heavy work to an out-of-process compute
// worker and blocks until its response arrives.
type RemoteCaller interface {
	Call(ctx context.Context, workerKind string, request []byte) ([]byte, error)
}

// Task is the per-invocation context handed to a stage handler. It
// wraps the claimed ledger row with progress reporting, result capture,
// remote delegation, and follow-on chaining.
type Task struct {
	Item   *models.TaskItem
	Params json.RawMessage

	engine       *Engine
	result       string
	remoteResult string
	next         []Envelope
}

// DecodeParams unmarshals the task parameters into a stage-owned type.
func (t *Task) DecodeParams(v any) error {
	if len(t.Params) == 0 {
		return fmt.Errorf("task %s has no parameters", t.Item.ID)
	}
	return json.Unmarshal(t.Params, v)
}

// SetProgress records advisory progress on the ledger row. Progress
// failures are logged, not propagated: progress must never be required
// for correctness.
func (t *Task) SetProgress(percent int, eta *time.Time) {
	if _, err := t.engine.store.UpdateProgress(t.Item.ID, percent, eta); err != nil {
		log.Printf("WARNING: Failed to update progress for task %s: %v", t.Item.ID, err)
	}
}

// SetResult captures the locally produced output, stored on the row
// when the handler returns successfully.
func (t *Task) SetResult(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	t.result = string(data)
	return nil
}

// CallRemote delegates to a remote compute worker and stores its
// response verbatim as the row's RemoteResultData.
func (t *Task) CallRemote(ctx context.Context, workerKind string, request any) ([]byte, error) {
	if t.engine.remote == nil {
		return nil, fmt.Errorf("no remote worker client configured")
	}
	reqBody, err := json.Marshal(request)
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to marshal remote request: %w", err))
	}
	resp, err := t.engine.remote.Call(ctx, workerKind, reqBody)
	if err != nil {
		return nil, fmt.Errorf("remote worker %s failed: %w", workerKind, err)
	}
	t.remoteResult = string(resp)
	return resp, nil
}

// Chain schedules a follow-on stage to be published once this task
// succeeds. The published envelope carries this row's id so the next
// stage links its ParentTaskItemID and inherits the ancestor.
func (t *Task) Chain(taskType models.TaskType, params any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal chained parameters: %w", err)
	}
	t.next = append(t.next, NewEnvelope(taskType, data, t.Item.ID))
	return nil
}
