// Package awaker drives the periodic reconciliation loop. Every tick
// publishes one PeriodicCheck message; the PeriodicCheck stage rescans
// domain state and republishes any work that should exist but has no
// active ledger row. On-demand triggers publish the identical message.
package awaker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"lecturepipe/internal/models"
	"lecturepipe/internal/taskengine"
)

// Enqueuer publishes task messages; satisfied by *taskengine.Engine.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType models.TaskType, params any) error
}

// Awaker owns the reconciliation timer.
type Awaker struct {
	engine   Enqueuer
	cron     *cron.Cron
	interval time.Duration
}

// New creates an awaker ticking at the given interval (floored to one
// minute).
func New(engine Enqueuer, interval time.Duration) *Awaker {
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Awaker{
		engine:   engine,
		cron:     cron.New(),
		interval: interval,
	}
}

// Start begins the timer loop.
func (a *Awaker) Start() error {
	spec := fmt.Sprintf("@every %s", a.interval)
	if _, err := a.cron.AddFunc(spec, func() {
		if err := a.RunNow(context.Background()); err != nil {
			log.Printf("ERROR: Periodic check publish failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule periodic check: %w", err)
	}
	a.cron.Start()
	log.Printf("Awaker started with interval %s", a.interval)
	return nil
}

// Stop halts the timer and waits for an in-flight tick to finish.
func (a *Awaker) Stop() {
	if a.cron != nil {
		ctx := a.cron.Stop()
		<-ctx.Done()
		log.Println("Awaker stopped")
	}
}

// RunNow publishes a PeriodicCheck message immediately. Timer ticks and
// operator triggers share this path so both produce identical messages;
// the ledger's idempotency check collapses overlapping checks.
func (a *Awaker) RunNow(ctx context.Context) error {
	return a.engine.Enqueue(ctx, models.TaskPeriodicCheck, taskengine.TargetKeys{
		UniqueID: "periodic-check",
		Rule:     "awaker",
	})
}
