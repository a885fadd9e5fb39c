package engine

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sticktask/taskrunner/eventbus"
	"github.com/sticktask/taskrunner/logpipe"
	"github.com/sticktask/taskrunner/store"
	"github.com/sticktask/taskrunner/taskfile"
)

// memStore is an in-memory store.Store used for engine unit tests.
type memStore struct {
	mu   sync.Mutex
	runs map[string]*store.Run
	logs []*store.LogLine
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]*store.Run)}
}

func (m *memStore) InsertRun(ctx context.Context, r *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *memStore) FindRun(ctx context.Context, id string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) ListRuns(ctx context.Context, cwd string) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Run
	for _, r := range m.runs {
		if r.Cwd == cwd {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListRunsByStatus(ctx context.Context, cwd, task string, status store.Status) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Run
	for _, r := range m.runs {
		if r.Cwd == cwd && r.Task == task && r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

func (m *memStore) LatestRun(ctx context.Context, cwd, task string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *store.Run
	for _, r := range m.runs {
		if r.Cwd == cwd && r.Task == task {
			if latest == nil || r.UpdatedAt > latest.UpdatedAt {
				latest = r
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) ListQueuedWaitingOn(ctx context.Context, cwd, task string) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Run
	for _, r := range m.runs {
		if r.Cwd == cwd && r.Status == store.StatusQueued && r.WaitingOn != nil && *r.WaitingOn == task {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListChildren(ctx context.Context, parentRunID string) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Run
	for _, r := range m.runs {
		if r.ParentRunID != nil && *r.ParentRunID == parentRunID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) UpdateRun(ctx context.Context, id string, status store.Status, waitingOn *string, updatedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil
	}
	r.Status = status
	r.WaitingOn = waitingOn
	r.UpdatedAt = updatedAt
	return nil
}

func (m *memStore) InsertLog(ctx context.Context, l *store.LogLine) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = int64(len(m.logs) + 1)
	cp := *l
	m.logs = append(m.logs, &cp)
	return l.ID, nil
}

func (m *memStore) ListLogs(ctx context.Context, runIDs []string) ([]*store.LogLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]bool, len(runIDs))
	for _, id := range runIDs {
		set[id] = true
	}
	var out []*store.LogLine
	for _, l := range m.logs {
		if set[l.RunID] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memStore) DeleteLogs(ctx context.Context, runIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]bool, len(runIDs))
	for _, id := range runIDs {
		set[id] = true
	}
	var kept []*store.LogLine
	for _, l := range m.logs {
		if !set[l.RunID] {
			kept = append(kept, l)
		}
	}
	m.logs = kept
	return nil
}

func (m *memStore) Close() error { return nil }

func counter(start int64) func() int64 {
	var n int64 = start
	var mu sync.Mutex
	return func() int64 {
		mu.Lock()
		defer mu.Unlock()
		n++
		return n
	}
}

func newTestEngine(t *testing.T, tree *taskfile.Tree) (*Engine, *memStore) {
	t.Helper()
	st := newMemStore()
	bus := eventbus.New[*StatusEvent](64)
	logBus := eventbus.New[*store.LogLine](64)
	logs := logpipe.New(st, logBus, func() int64 { return 0 })
	e := New(st, bus, logs, counter(0))
	e.loadTree = func(cwd string) (*taskfile.Tree, error) { return tree, nil }
	return e, st
}

func startWaiter(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go NewWaiter(e).Run(ctx)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestCreateSimpleRunReachesSuccess(t *testing.T) {
	tree := &taskfile.Tree{ByName: map[string]*taskfile.Task{
		"build": {Command: "echo hello"},
	}}
	e, st := newTestEngine(t, tree)

	runID, err := e.Create(context.Background(), t.TempDir(), "build")
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		r, _ := st.FindRun(context.Background(), runID)
		return r != nil && r.Status.Terminal()
	})

	r, _ := st.FindRun(context.Background(), runID)
	if r.Status != store.StatusSuccess {
		t.Fatalf("expected Success, got %v", r.Status)
	}
}

func TestCreateUnknownTaskReturnsNotFound(t *testing.T) {
	tree := &taskfile.Tree{ByName: map[string]*taskfile.Task{}}
	e, _ := newTestEngine(t, tree)

	_, err := e.Create(context.Background(), "/w", "missing")
	if err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCreateDependencyGating(t *testing.T) {
	tree := &taskfile.Tree{ByName: map[string]*taskfile.Task{
		"a": {Command: "echo a"},
		"b": {Command: "echo b", DependsOn: []string{"a"}},
	}}
	e, st := newTestEngine(t, tree)
	startWaiter(t, e)
	ctx := context.Background()
	dir := t.TempDir()

	runB, err := e.Create(ctx, dir, "b")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := st.FindRun(ctx, runB)
	if b.Status != store.StatusQueued || b.WaitingOn == nil || *b.WaitingOn != "a" {
		t.Fatalf("expected b queued waiting on a, got %+v", b)
	}

	if _, err := e.Create(ctx, dir, "a"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		r, _ := st.FindRun(ctx, runB)
		return r.Status == store.StatusSuccess
	})
}

func TestCreateStartIdempotence(t *testing.T) {
	tree := &taskfile.Tree{ByName: map[string]*taskfile.Task{
		"slow": {Command: "sleep 0.2"},
	}}
	e, _ := newTestEngine(t, tree)
	ctx := context.Background()
	dir := t.TempDir()

	id1, err := e.Create(ctx, dir, "slow")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := e.Create(ctx, dir, "slow")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("expected idempotent run ids, got %s and %s", id1, id2)
	}
}

func TestCancelIdempotence(t *testing.T) {
	tree := &taskfile.Tree{ByName: map[string]*taskfile.Task{
		"slow": {Command: "sleep 5"},
	}}
	e, st := newTestEngine(t, tree)
	ctx := context.Background()

	runID, err := e.Create(ctx, t.TempDir(), "slow")
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		r, _ := st.FindRun(ctx, runID)
		return r.Status == store.StatusRunning
	})

	if _, err := e.Cancel(ctx, runID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		r, _ := st.FindRun(ctx, runID)
		return r.Status == store.StatusCancelled
	})

	if _, err := e.Cancel(ctx, runID); err != nil {
		t.Fatal(err)
	}
	r, _ := st.FindRun(ctx, runID)
	if r.Status != store.StatusCancelled {
		t.Fatalf("expected still Cancelled, got %v", r.Status)
	}
}

func TestRestartRequeuesAndClearsLogs(t *testing.T) {
	tree := &taskfile.Tree{ByName: map[string]*taskfile.Task{
		"build": {Command: "exit 1"},
	}}
	e, st := newTestEngine(t, tree)
	ctx := context.Background()

	runID, err := e.Create(ctx, "/w", "build")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		r, _ := st.FindRun(ctx, runID)
		return r != nil && r.Status == store.StatusFailed
	})

	logsBefore, _ := st.ListLogs(ctx, []string{runID})
	if len(logsBefore) == 0 {
		t.Fatal("expected some logs before restart")
	}

	newID, err := e.Restart(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	if newID != runID {
		t.Fatalf("expected restart to preserve id, got %s vs %s", newID, runID)
	}

	logsAfterClear, _ := st.ListLogs(ctx, []string{runID})
	if len(logsAfterClear) != 0 {
		t.Fatalf("expected logs cleared immediately after restart dispatch started, got %d", len(logsAfterClear))
	}

	waitFor(t, 2*time.Second, func() bool {
		r, _ := st.FindRun(ctx, runID)
		return r != nil && r.Status == store.StatusFailed
	})
}

func TestRestartNonRootParentInSetWaitsOnParentTask(t *testing.T) {
	tree := &taskfile.Tree{ByName: map[string]*taskfile.Task{
		"dev":        {Command: ""},
		"dev:server": {Command: "echo server"},
	}}
	// Sub-task fan-out (populating dev's ChildNames) is exercised by
	// TestWaiterFansOutSubtaskChildrenIdempotently; here the parent/child
	// relationship is set up directly via create's parentRunID param.
	e, st := newTestEngine(t, tree)
	ctx := context.Background()

	parentID, err := e.Create(ctx, "/w", "dev")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		r, _ := st.FindRun(ctx, parentID)
		return r != nil && r.Status.Terminal()
	})

	child, err := e.create(ctx, "/w", "dev:server", &parentID)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		r, _ := st.FindRun(ctx, child)
		return r != nil && r.Status.Terminal()
	})

	if _, err := e.Restart(ctx, parentID); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		r, _ := st.FindRun(ctx, child)
		return r != nil && r.WaitingOn != nil && *r.WaitingOn == "dev"
	})
}

func TestWaiterFansOutSubtaskChildrenIdempotently(t *testing.T) {
	dir := t.TempDir()
	cfg := `{
		"tasks": {
			"dev": {
				"tasks": {
					"server": {"command": "echo server"},
					"web": {"command": "echo web"}
				}
			}
		}
	}`
	if err := os.WriteFile(filepath.Join(dir, "task.config.json"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	tree, err := taskfile.Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	e, st := newTestEngine(t, tree)
	startWaiter(t, e)
	ctx := context.Background()

	parentID, err := e.Create(ctx, dir, "dev")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		r, _ := st.FindRun(ctx, parentID)
		return r != nil && r.Status == store.StatusSuccess
	})

	waitFor(t, 2*time.Second, func() bool {
		children, _ := st.ListChildren(ctx, parentID)
		return len(children) == 2
	})

	children, _ := st.ListChildren(ctx, parentID)
	seen := make(map[string]bool)
	for _, c := range children {
		if seen[c.Task] {
			t.Fatalf("duplicate child task %s", c.Task)
		}
		seen[c.Task] = true
	}
	if !seen["dev:server"] || !seen["dev:web"] {
		t.Fatalf("expected dev:server and dev:web, got %v", seen)
	}

	// Restarting the parent must not create duplicate children.
	if _, err := e.Restart(ctx, parentID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		r, _ := st.FindRun(ctx, parentID)
		return r != nil && r.Status == store.StatusSuccess
	})
	time.Sleep(50 * time.Millisecond)
	childrenAfter, _ := st.ListChildren(ctx, parentID)
	if len(childrenAfter) != 2 {
		t.Fatalf("expected still 2 children after restart, got %d", len(childrenAfter))
	}
}
