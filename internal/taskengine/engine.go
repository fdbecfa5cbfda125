// Package taskengine registers pipeline stages and wraps every stage
// handler with the ledger discipline: idempotent claim, status
// transitions, timing capture, failure recording, and publication of
// follow-on work.
package taskengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"lecturepipe/internal/broker"
	"lecturepipe/internal/ledger"
	"lecturepipe/internal/models"
)

// Publisher is the slice of the broker the engine publishes through.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Bus adds consumer registration; satisfied by *broker.Channel.
type Bus interface {
	Publisher
	Consume(ctx context.Context, queue string, concurrency int, handler broker.Handler) error
}

// HandlerFunc performs one unit of stage work.
type HandlerFunc func(ctx context.Context, task *Task) error

// Stage binds a task type to its handler and delivery concurrency.
// Concurrency 0 keeps the queue declared but consumes nothing.
type Stage struct {
	Type        models.TaskType
	Concurrency int
	Handler     HandlerFunc
}

// Engine dispatches broker deliveries to registered stages.
type Engine struct {
	bus    Bus
	store  *ledger.Store
	remote RemoteCaller
	stages map[models.TaskType]Stage

	// maxAttempts caps a retry chain; an exhausted chain stays Failed in
	// the ledger instead of being redelivered forever.
	maxAttempts int
}

// NewEngine creates an engine. remote may be nil when no stage
// delegates work out of process (tests).
func NewEngine(bus Bus, store *ledger.Store, remote RemoteCaller, maxAttempts int) *Engine {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Engine{
		bus:         bus,
		store:       store,
		remote:      remote,
		stages:      make(map[models.TaskType]Stage),
		maxAttempts: maxAttempts,
	}
}

// Store exposes the ledger for read-only inspection surfaces.
func (e *Engine) Store() *ledger.Store {
	return e.store
}

// Register adds a stage. Registering the same task type twice is a
// programming error.
func (e *Engine) Register(stage Stage) error {
	if stage.Handler == nil {
		return fmt.Errorf("stage %s has no handler", stage.Type)
	}
	if _, exists := e.stages[stage.Type]; exists {
		return fmt.Errorf("stage %s already registered", stage.Type)
	}
	e.stages[stage.Type] = stage
	return nil
}

// Start begins consuming every registered stage queue.
func (e *Engine) Start(ctx context.Context) error {
	for _, stage := range e.stages {
		stage := stage
		queue := QueueName(stage.Type)
		handler := func(ctx context.Context, body []byte) error {
			return e.Dispatch(ctx, body)
		}
		if err := e.bus.Consume(ctx, queue, stage.Concurrency, handler); err != nil {
			return fmt.Errorf("failed to consume %s: %w", queue, err)
		}
	}
	return nil
}

// Enqueue publishes a fresh envelope for the given task type. The
// ledger row is claimed by whichever worker consumes the message.
func (e *Engine) Enqueue(ctx context.Context, taskType models.TaskType, params any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters for %s: %w", taskType, err)
	}
	return e.publish(ctx, NewEnvelope(taskType, data, ""))
}

func (e *Engine) publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return e.bus.Publish(ctx, QueueName(env.TaskType), body)
}

// Dispatch handles one delivery end to end. A nil return acknowledges
// the message; an error requeues it for redelivery.
func (e *Engine) Dispatch(ctx context.Context, body []byte) error {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		// Malformed messages can never succeed; drop with a trace.
		log.Printf("ERROR: Dropping malformed task message: %v", err)
		return nil
	}

	stage, ok := e.stages[env.TaskType]
	if !ok {
		log.Printf("ERROR: Dropping message for unregistered task type %q", env.TaskType)
		return nil
	}

	item, err := e.resolveItem(env)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateWork) {
			log.Printf("Skipping duplicate %s for %s", env.TaskType, env.MessageRef)
			return nil
		}
		if errors.Is(err, errDispatchDone) {
			return nil
		}
		return err
	}

	running, err := e.store.MarkRunning(item.ID)
	if err != nil {
		return fmt.Errorf("failed to mark task %s running: %w", item.ID, err)
	}

	task := &Task{Item: running, Params: env.TaskParameters, engine: e}
	handlerErr := e.invoke(ctx, stage, task)
	if handlerErr != nil {
		if _, ferr := e.store.MarkFailed(running.ID, handlerErr.Error()); ferr != nil {
			log.Printf("ERROR: Failed to record failure for task %s: %v", running.ID, ferr)
		}
		if IsPermanent(handlerErr) {
			log.Printf("ERROR: Task %s (%s) failed permanently: %v", running.ID, env.TaskType, handlerErr)
			return nil
		}
		// Transient: requeue. The redelivery finds the failed row via its
		// message reference and claims the next attempt.
		return handlerErr
	}

	if _, err := e.store.MarkSucceeded(running.ID, task.result, task.remoteResult); err != nil {
		log.Printf("ERROR: Failed to record success for task %s: %v", running.ID, err)
	}

	for _, next := range task.next {
		if err := e.publish(ctx, next); err != nil {
			// The periodic reconciler re-derives missed chain triggers, so
			// a lost follow-on is recoverable; the delivery itself is done.
			log.Printf("ERROR: Failed to publish follow-on %s for task %s: %v", next.TaskType, running.ID, err)
		}
	}
	return nil
}

// errDispatchDone signals that resolveItem fully handled the delivery
// (duplicate, exhausted retry chain) and the message should be acked.
var errDispatchDone = errors.New("dispatch complete")

// resolveItem maps a delivery to the ledger row it should execute:
// a resumed Queued row, a fresh claim, or the next retry attempt.
func (e *Engine) resolveItem(env Envelope) (*models.TaskItem, error) {
	if env.MessageRef != "" {
		existing, err := e.store.ByMessageRef(env.MessageRef)
		if err != nil && !errors.Is(err, ledger.ErrTaskNotFound) {
			return nil, err
		}
		if existing != nil {
			return e.resolveRedelivery(existing)
		}
	}

	keys := TargetKeys{}
	if len(env.TaskParameters) > 0 {
		if err := json.Unmarshal(env.TaskParameters, &keys); err != nil {
			log.Printf("ERROR: Dropping %s message with undecodable parameters: %v", env.TaskType, err)
			return nil, errDispatchDone
		}
	}
	if keys.UniqueID == "" {
		log.Printf("ERROR: Dropping %s message without a target unique id", env.TaskType)
		return nil, errDispatchDone
	}

	params := ledger.CreateParams{
		TaskType:       env.TaskType,
		UniqueID:       keys.UniqueID,
		Rule:           keys.Rule,
		TaskParameters: string(env.TaskParameters),
		OfferingID:     keys.OfferingID,
		MediaID:        keys.MediaID,
		PlaylistID:     keys.PlaylistID,
		VideoID:        keys.VideoID,
		UserID:         keys.UserID,
		MessageRef:     env.MessageRef,
		CreatedBy:      "taskengine",
	}

	if env.OriginTaskItemID != "" {
		origin, err := e.store.ByID(env.OriginTaskItemID)
		if err != nil {
			if !errors.Is(err, ledger.ErrTaskNotFound) {
				return nil, err
			}
			log.Printf("WARNING: Origin task %s not found; claiming %s as a chain root", env.OriginTaskItemID, env.TaskType)
		} else {
			params.ParentTaskItemID = origin.ID
			params.AncestorTaskItemID = origin.AncestorTaskItemID
		}
	}

	return e.store.Claim(params)
}

// resolveRedelivery decides what a redelivered message means based on
// the current state of the row it references.
func (e *Engine) resolveRedelivery(row *models.TaskItem) (*models.TaskItem, error) {
	latest, err := e.store.LatestAttempt(row)
	if err != nil {
		return nil, err
	}

	switch latest.TaskStatusCode {
	case models.StatusQueued:
		// Crash between claim and start; resume this attempt.
		return latest, nil
	case models.StatusRunning:
		// Another slot owns it; this delivery is a duplicate. A row left
		// Running by a killed process keeps its slot until an operator
		// soft-deletes it.
		log.Printf("Skipping redelivery for task %s: attempt already running", latest.ID)
		return nil, errDispatchDone
	case models.StatusFailed:
		if latest.AttemptNumber >= e.maxAttempts {
			log.Printf("ERROR: Task %s (%s) exhausted %d attempts; leaving failed",
				latest.ID, latest.TaskType, latest.AttemptNumber)
			return nil, errDispatchDone
		}
		retry, err := e.store.NewRetryAttempt(latest)
		if err != nil {
			if errors.Is(err, ledger.ErrDuplicateWork) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to claim retry of task %s: %w", latest.ID, err)
		}
		log.Printf("Retrying task %s as attempt %d (%s)", latest.ID, retry.AttemptNumber, retry.ID)
		return retry, nil
	default:
		// Succeeded or Cancelled: nothing left to do.
		return nil, errDispatchDone
	}
}

// invoke runs the handler with panic isolation; a panicking stage is a
// transient failure, not a crashed delivery loop.
func (e *Engine) invoke(ctx context.Context, stage Stage, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panicked: %v", stage.Type, r)
		}
	}()
	return stage.Handler(ctx, task)
}
