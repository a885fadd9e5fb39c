package logpipe

import (
	"context"
	"log"

	"github.com/sticktask/taskrunner/eventbus"
	"github.com/sticktask/taskrunner/store"
)

// Pipeline sanitizes, persists, and publishes log lines for every run
// in the server. One Pipeline is shared across all runs.
type Pipeline struct {
	store store.Store
	bus   *eventbus.Bus[*store.LogLine]
	now   func() int64
}

// New constructs a Pipeline backed by st, publishing accepted lines on
// bus. now supplies the millisecond timestamp stamped onto each line.
func New(st store.Store, bus *eventbus.Bus[*store.LogLine], now func() int64) *Pipeline {
	return &Pipeline{store: st, bus: bus, now: now}
}

// Bus returns the log Event Bus so callers can subscribe to it.
func (p *Pipeline) Bus() *eventbus.Bus[*store.LogLine] {
	return p.bus
}

// Accept sanitizes raw and, unless sanitization suppressed it,
// persists and publishes it. A persistence failure is logged to the
// server's own stderr; the caller's run is never failed because of it.
func (p *Pipeline) Accept(ctx context.Context, runID, task, raw string, isStderr bool) {
	clean := Sanitize(raw)
	if clean == "" && raw != "" {
		return
	}

	line := &store.LogLine{
		RunID:     runID,
		Task:      task,
		Line:      clean,
		IsStderr:  isStderr,
		Timestamp: p.now(),
	}

	seq, err := p.store.InsertLog(ctx, line)
	if err != nil {
		log.Printf("logpipe: failed to persist log line for run %s: %v", runID, err)
		return
	}
	line.ID = seq

	p.bus.Publish(line)
}
