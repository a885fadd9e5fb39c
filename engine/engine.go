// Package engine implements the Run Engine state machine: creating and
// promoting runs, cancellation, and restart, all against the Run Store
// and the status Event Bus.
//
// Generalizes the teacher's manager.Manager — an in-process map of
// live state plus a store handle and public lifecycle methods that
// read-check-write against the store — from subscription-process
// supervision to run lifecycle orchestration.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/sticktask/taskrunner/eventbus"
	"github.com/sticktask/taskrunner/logpipe"
	"github.com/sticktask/taskrunner/store"
	"github.com/sticktask/taskrunner/supervisor"
	"github.com/sticktask/taskrunner/taskfile"
)

// StatusEvent is published on the status Event Bus after every durable
// run mutation.
type StatusEvent struct {
	RunID     string
	Task      string
	Cwd       string
	Status    store.Status
	UpdatedAt int64
}

// Engine orchestrates run creation, promotion, cancellation and
// restart against a Store, publishing StatusEvents as it goes.
type Engine struct {
	store    store.Store
	bus      *eventbus.Bus[*StatusEvent]
	logs     *logpipe.Pipeline
	now      func() int64
	loadTree func(cwd string) (*taskfile.Tree, error)

	mu      sync.Mutex
	procTab map[string]supervisor.CancelFunc // run_id -> cancel handle
}

// New constructs an Engine. now supplies the millisecond wall-clock
// timestamp used for updated_at/generation bookkeeping.
func New(st store.Store, bus *eventbus.Bus[*StatusEvent], logs *logpipe.Pipeline, now func() int64) *Engine {
	return &Engine{
		store:    st,
		bus:      bus,
		logs:     logs,
		now:      now,
		loadTree: taskfile.LoadCached,
		procTab:  make(map[string]supervisor.CancelFunc),
	}
}

// Bus returns the status Event Bus so callers (the Waiter, the tree
// stream handler) can subscribe.
func (e *Engine) Bus() *eventbus.Bus[*StatusEvent] { return e.bus }

// CancelAllInFlight signals every live process-table entry, for use
// during graceful shutdown. It does not wait for the processes to
// exit or touch the store; the caller is expected to pause briefly
// afterward to let the signals propagate.
func (e *Engine) CancelAllInFlight() {
	e.mu.Lock()
	handles := make([]supervisor.CancelFunc, 0, len(e.procTab))
	for _, cancel := range e.procTab {
		handles = append(handles, cancel)
	}
	e.procTab = make(map[string]supervisor.CancelFunc)
	e.mu.Unlock()

	for _, cancel := range handles {
		cancel()
	}
}

func (e *Engine) publish(r *store.Run) {
	e.bus.Publish(&StatusEvent{
		RunID:     r.ID,
		Task:      r.Task,
		Cwd:       r.Cwd,
		Status:    r.Status,
		UpdatedAt: r.UpdatedAt,
	})
}

// ---- 4.5.1 Create & start ----

// Create starts task in cwd, returning the id of the run that will
// execute it. If a matching run is already in flight, its id is
// returned instead (start idempotence).
func (e *Engine) Create(ctx context.Context, cwd, taskName string) (string, error) {
	return e.create(ctx, cwd, taskName, nil)
}

func (e *Engine) create(ctx context.Context, cwd, taskName string, parentRunID *string) (string, error) {
	tree, err := e.loadTree(cwd)
	if err != nil {
		return "", err
	}
	task, ok := tree.ByName[taskName]
	if !ok {
		return "", ErrTaskNotFound
	}

	if id, err := e.dedup(ctx, cwd, taskName, task); err != nil {
		return "", err
	} else if id != "" {
		return id, nil
	}

	var waitingOn *string
	if task.InCycle() {
		// A cyclic task can never be satisfied; fail it immediately
		// rather than leave it Queued forever.
		waitingOn = nil
	} else {
		waitingOn, err = e.computeWaitingOn(ctx, cwd, task)
		if err != nil {
			return "", err
		}
	}

	run := &store.Run{
		ID:          NewID(),
		Task:        taskName,
		Cwd:         cwd,
		ParentRunID: parentRunID,
		Status:      store.StatusQueued,
		UpdatedAt:   e.now(),
		WaitingOn:   waitingOn,
	}
	if err := e.store.InsertRun(ctx, run); err != nil {
		return "", fmt.Errorf("engine: insert run: %w", err)
	}
	e.publish(run)

	if task.InCycle() {
		e.logs.Accept(ctx, run.ID, run.Task, "dependency cycle detected; task cannot run\n", true)
		e.finish(context.Background(), run, 0, store.StatusFailed)
		return run.ID, nil
	}

	if waitingOn == nil {
		go e.promote(context.Background(), run.ID)
	}
	return run.ID, nil
}

// dedup implements §4.5.1 step 2: returns a non-empty run id if an
// equivalent in-flight run already covers this (cwd, taskName).
func (e *Engine) dedup(ctx context.Context, cwd, taskName string, task *taskfile.Task) (string, error) {
	queued, err := e.store.ListRunsByStatus(ctx, cwd, taskName, store.StatusQueued)
	if err != nil {
		return "", fmt.Errorf("engine: dedup lookup: %w", err)
	}
	if len(queued) > 0 {
		return queued[0].ID, nil
	}

	running, err := e.store.ListRunsByStatus(ctx, cwd, taskName, store.StatusRunning)
	if err != nil {
		return "", fmt.Errorf("engine: dedup lookup: %w", err)
	}
	if len(running) > 0 {
		return running[0].ID, nil
	}

	if task.Command != "" {
		return "", nil
	}

	// Pure grouping task: look for the latest run whose descendant
	// subtree still has work in flight.
	latest, err := e.store.LatestRun(ctx, cwd, taskName)
	if err != nil {
		return "", fmt.Errorf("engine: dedup lookup: %w", err)
	}
	if latest == nil {
		return "", nil
	}
	descendants, err := e.collectDescendants(ctx, latest.ID)
	if err != nil {
		return "", err
	}
	for _, d := range descendants {
		if d.Status == store.StatusQueued || d.Status == store.StatusRunning {
			return latest.ID, nil
		}
	}
	return "", nil
}

// computeWaitingOn scans task's declared dependencies in order and
// returns the first whose most-recent run in cwd is not Success. A
// dependency with no run at all counts as unmet.
func (e *Engine) computeWaitingOn(ctx context.Context, cwd string, task *taskfile.Task) (*string, error) {
	for _, dep := range task.DependsOn {
		latest, err := e.store.LatestRun(ctx, cwd, dep)
		if err != nil {
			return nil, fmt.Errorf("engine: dependency lookup: %w", err)
		}
		if latest == nil || latest.Status != store.StatusSuccess {
			d := dep
			return &d, nil
		}
	}
	return nil, nil
}

// ---- 4.5.2 Promotion & execution ----

// promote runs the mark-running / execute / stale-completion-guard
// protocol for runID. It is always invoked as an independent
// goroutine.
func (e *Engine) promote(ctx context.Context, runID string) {
	run, err := e.store.FindRun(ctx, runID)
	if err != nil {
		log.Printf("engine: promote: find run %s: %v", runID, err)
		return
	}
	if run == nil {
		return
	}

	generation := e.now()
	run.Status = store.StatusRunning
	run.WaitingOn = nil
	run.UpdatedAt = generation
	if err := e.store.UpdateRun(ctx, run.ID, run.Status, nil, generation); err != nil {
		log.Printf("engine: promote: mark running %s: %v", runID, err)
		return
	}
	e.publish(run)

	tree, err := e.loadTree(run.Cwd)
	var command string
	if err == nil {
		if task, ok := tree.ByName[run.Task]; ok {
			command = task.Command
		}
	}

	status := supervisor.Run(run.Cwd, command,
		func(cancel supervisor.CancelFunc) {
			e.mu.Lock()
			e.procTab[run.ID] = cancel
			e.mu.Unlock()
		},
		func(line string, isStderr bool) {
			// bufio.Scanner already stripped the line terminator; pass
			// line through as-is so a genuinely blank line reaches
			// Accept as "" rather than as a synthetic "\n" that its
			// suppression check would mistake for an ANSI-only line.
			e.logs.Accept(context.Background(), run.ID, run.Task, line, isStderr)
		},
	)

	e.mu.Lock()
	delete(e.procTab, run.ID)
	e.mu.Unlock()

	e.finish(context.Background(), run, generation, status)
}

// finish applies the stale-completion guard (§4.5.2 step 3) and, if it
// passes, persists the terminal status.
func (e *Engine) finish(ctx context.Context, run *store.Run, generation int64, status store.Status) {
	fresh, err := e.store.FindRun(ctx, run.ID)
	if err != nil {
		log.Printf("engine: finish: re-read run %s: %v", run.ID, err)
		return
	}
	if fresh == nil {
		return
	}
	if fresh.Status == store.StatusCancelled {
		return
	}
	if generation != 0 && (fresh.Status != store.StatusRunning || fresh.UpdatedAt != generation) {
		// Another execution has already taken over; abort silently.
		return
	}

	fresh.Status = status
	fresh.WaitingOn = nil
	fresh.UpdatedAt = e.now()
	if err := e.store.UpdateRun(ctx, fresh.ID, fresh.Status, nil, fresh.UpdatedAt); err != nil {
		log.Printf("engine: finish: update run %s: %v", fresh.ID, err)
		return
	}
	e.publish(fresh)
}

// ---- 4.5.3 Cancellation ----

// Cancel cancels runID and every transitive descendant in the same
// cwd, returning the full list of affected ids.
func (e *Engine) Cancel(ctx context.Context, runID string) ([]string, error) {
	root, err := e.store.FindRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("engine: cancel: find run: %w", err)
	}
	if root == nil {
		return nil, ErrRunNotFound
	}

	set, err := e.collectDescendants(ctx, runID)
	if err != nil {
		return nil, err
	}
	all := append([]*store.Run{root}, set...)

	affected := make([]string, 0, len(all))
	for _, r := range all {
		if err := e.cancelOne(ctx, r); err != nil {
			return nil, err
		}
		affected = append(affected, r.ID)
	}
	return affected, nil
}

func (e *Engine) cancelOne(ctx context.Context, r *store.Run) error {
	if r.Status == store.StatusSuccess || r.Status == store.StatusFailed {
		return nil
	}

	e.mu.Lock()
	cancel, ok := e.procTab[r.ID]
	if ok {
		delete(e.procTab, r.ID)
	}
	e.mu.Unlock()
	if ok {
		cancel()
	}

	if r.Status == store.StatusCancelled {
		return nil
	}

	e.logs.Accept(ctx, r.ID, r.Task, "canceled\n", false)

	r.Status = store.StatusCancelled
	r.WaitingOn = nil
	r.UpdatedAt = e.now()
	if err := e.store.UpdateRun(ctx, r.ID, r.Status, nil, r.UpdatedAt); err != nil {
		return fmt.Errorf("engine: cancel: update run %s: %w", r.ID, err)
	}
	e.publish(r)
	return nil
}

// collectDescendants returns every transitive descendant of runID (not
// including runID itself) via a breadth-first walk over parent_run_id.
func (e *Engine) collectDescendants(ctx context.Context, runID string) ([]*store.Run, error) {
	var out []*store.Run
	queue := []string{runID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		children, err := e.store.ListChildren(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("engine: list children of %s: %w", id, err)
		}
		for _, c := range children {
			out = append(out, c)
			queue = append(queue, c.ID)
		}
	}
	return out, nil
}

// ---- 4.5.4 Restart ----

// Restart cancels runID and its descendants, clears their logs, and
// requeues the set with freshly computed waiting_on values, dispatching
// the root if it is immediately unblocked.
func (e *Engine) Restart(ctx context.Context, runID string) (string, error) {
	root, err := e.store.FindRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("engine: restart: find run: %w", err)
	}
	if root == nil {
		return "", ErrRunNotFound
	}

	descendants, err := e.collectDescendants(ctx, runID)
	if err != nil {
		return "", err
	}
	set := append([]*store.Run{root}, descendants...)

	if _, err := e.Cancel(ctx, runID); err != nil {
		return "", err
	}

	ids := make([]string, len(set))
	byID := make(map[string]*store.Run, len(set))
	for i, r := range set {
		ids[i] = r.ID
		byID[r.ID] = r
	}
	if err := e.store.DeleteLogs(ctx, ids); err != nil {
		return "", fmt.Errorf("engine: restart: delete logs: %w", err)
	}

	ordered := parentFirst(set)

	tree, err := e.loadTree(root.Cwd)
	if err != nil {
		return "", err
	}

	inSet := make(map[string]bool, len(set))
	for _, r := range set {
		inSet[r.ID] = true
	}

	for _, r := range ordered {
		var waitingOn *string
		switch {
		case r.ID == root.ID:
			waitingOn, err = e.rootWaitingOn(ctx, tree, r)
		case r.ParentRunID != nil && inSet[*r.ParentRunID]:
			parent := byID[*r.ParentRunID]
			t := parent.Task
			waitingOn = &t
		default:
			waitingOn, err = e.rootWaitingOn(ctx, tree, r)
		}
		if err != nil {
			return "", err
		}

		r.Status = store.StatusQueued
		r.WaitingOn = waitingOn
		r.UpdatedAt = e.now()
		if err := e.store.UpdateRun(ctx, r.ID, r.Status, r.WaitingOn, r.UpdatedAt); err != nil {
			return "", fmt.Errorf("engine: restart: requeue %s: %w", r.ID, err)
		}
		e.publish(r)
	}

	fresh, err := e.store.FindRun(ctx, root.ID)
	if err != nil {
		return "", fmt.Errorf("engine: restart: re-read root: %w", err)
	}
	if fresh != nil && fresh.WaitingOn == nil {
		go e.promote(context.Background(), fresh.ID)
	}
	return root.ID, nil
}

func (e *Engine) rootWaitingOn(ctx context.Context, tree *taskfile.Tree, r *store.Run) (*string, error) {
	task, ok := tree.ByName[r.Task]
	if !ok {
		return nil, nil
	}
	return e.computeWaitingOn(ctx, r.Cwd, task)
}

// parentFirst orders set (which includes the root) so that every run
// appears before its descendants in the set.
func parentFirst(set []*store.Run) []*store.Run {
	byID := make(map[string]*store.Run, len(set))
	for _, r := range set {
		byID[r.ID] = r
	}
	depth := make(map[string]int, len(set))
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		r := byID[id]
		if r == nil || r.ParentRunID == nil || byID[*r.ParentRunID] == nil {
			depth[id] = 0
			return 0
		}
		d := depthOf(*r.ParentRunID) + 1
		depth[id] = d
		return d
	}
	ordered := make([]*store.Run, len(set))
	copy(ordered, set)
	for _, r := range ordered {
		depthOf(r.ID)
	}
	// stable insertion sort by depth; sets are small (one run tree)
	for i := 1; i < len(ordered); i++ {
		j := i
		for j > 0 && depth[ordered[j-1].ID] > depth[ordered[j].ID] {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
			j--
		}
	}
	return ordered
}
