package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/sticktask/taskrunner/eventbus"
	"github.com/sticktask/taskrunner/store"
)

// Waiter is the long-running status-bus subscriber that unblocks
// queued dependents and fans out sub-task children when a run
// succeeds.
type Waiter struct {
	engine *Engine
	sub    *eventbus.Subscription[*StatusEvent]
}

// NewWaiter constructs a Waiter bound to engine and subscribes it to
// the status Event Bus before returning, so every event published
// after NewWaiter returns reaches Run. Call Run in its own goroutine to
// start processing.
func NewWaiter(e *Engine) *Waiter {
	return &Waiter{engine: e, sub: e.Bus().Subscribe()}
}

// Run processes Success events from the Waiter's subscription until
// ctx is cancelled or the bus is closed.
func (w *Waiter) Run(ctx context.Context) {
	sub := w.sub
	for {
		ev, sig, err := sub.Recv(ctx)
		if err != nil {
			return
		}
		switch sig {
		case eventbus.Closed:
			return
		case eventbus.Lagged:
			// State is reconstituted from the store on the next event;
			// no work is lost.
			continue
		}
		if ev.Status != store.StatusSuccess {
			continue
		}
		w.handleSuccess(ctx, ev)
	}
}

func (w *Waiter) handleSuccess(ctx context.Context, ev *StatusEvent) {
	if err := w.unblockWaiters(ctx, ev); err != nil {
		log.Printf("engine: waiter: unblock waiters for %s/%s: %v", ev.Cwd, ev.Task, err)
	}
	if err := w.fanOutChildren(ctx, ev); err != nil {
		log.Printf("engine: waiter: fan out children of %s: %v", ev.RunID, err)
	}
}

// unblockWaiters implements §4.6's first bullet.
func (w *Waiter) unblockWaiters(ctx context.Context, ev *StatusEvent) error {
	waiting, err := w.engine.store.ListQueuedWaitingOn(ctx, ev.Cwd, ev.Task)
	if err != nil {
		return fmt.Errorf("list queued waiting on %s: %w", ev.Task, err)
	}

	tree, err := w.engine.loadTree(ev.Cwd)
	if err != nil {
		return fmt.Errorf("load tree for %s: %w", ev.Cwd, err)
	}

	for _, r := range waiting {
		task, ok := tree.ByName[r.Task]
		if !ok {
			continue
		}
		waitingOn, err := w.engine.computeWaitingOn(ctx, ev.Cwd, task)
		if err != nil {
			return err
		}

		r.WaitingOn = waitingOn
		r.UpdatedAt = w.engine.now()
		if err := w.engine.store.UpdateRun(ctx, r.ID, r.Status, r.WaitingOn, r.UpdatedAt); err != nil {
			return fmt.Errorf("update run %s: %w", r.ID, err)
		}
		w.engine.publish(r)

		if waitingOn == nil {
			go w.engine.promote(context.Background(), r.ID)
		}
	}
	return nil
}

// fanOutChildren implements §4.6's second bullet.
func (w *Waiter) fanOutChildren(ctx context.Context, ev *StatusEvent) error {
	tree, err := w.engine.loadTree(ev.Cwd)
	if err != nil {
		return fmt.Errorf("load tree for %s: %w", ev.Cwd, err)
	}
	task, ok := tree.ByName[ev.Task]
	if !ok {
		return nil
	}

	for _, childFullName := range task.ChildNames() {
		existing, err := w.engine.store.ListChildren(ctx, ev.RunID)
		if err != nil {
			return fmt.Errorf("list children of %s: %w", ev.RunID, err)
		}
		var found bool
		for _, c := range existing {
			if c.Task == childFullName {
				found = true
				break
			}
		}
		if found {
			continue
		}
		parentID := ev.RunID
		if _, err := w.engine.create(ctx, ev.Cwd, childFullName, &parentID); err != nil {
			return fmt.Errorf("create child %s: %w", childFullName, err)
		}
	}
	return nil
}
