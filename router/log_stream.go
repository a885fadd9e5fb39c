package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sticktask/taskrunner/eventbus"
)

// logStreamState tracks the resolved set of run ids a log-stream
// subscriber is watching and the highest sequence already delivered
// per run.
type logStreamState struct {
	runID           string
	includeChildren bool
	included        map[string]bool
	delivered       map[string]int64
}

func newLogStreamState(runID string, includeChildren bool) *logStreamState {
	return &logStreamState{
		runID:           runID,
		includeChildren: includeChildren,
		included:        make(map[string]bool),
		delivered:       make(map[string]int64),
	}
}

func (st *logStreamState) resolve(ctx context.Context, s *Server) ([]string, error) {
	ids, err := resolveIncludedRunIDs(ctx, s.Store, st.runID, st.includeChildren)
	if err != nil {
		return nil, err
	}
	st.included = make(map[string]bool, len(ids))
	for _, id := range ids {
		st.included[id] = true
	}
	return ids, nil
}

// serveLogStream upgrades the connection and streams the log Event
// Bus: an initial Snapshot of stored history for the included set,
// then Log envelopes for subsequent matching events. The included set
// is re-resolved whenever an event for an unknown run id arrives or on
// lag, so new sub-task children are never silently missed.
func (s *Server) serveLogStream(w http.ResponseWriter, r *http.Request, runID string, includeChildren bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	state := newLogStreamState(runID, includeChildren)
	sub := s.Logs.Bus().Subscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if !sendLogSnapshot(conn, ctx, s, state) {
		return
	}
	go readPump(conn, cancel)

	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		default:
		}

		recvCtx, recvCancel := context.WithTimeout(ctx, time.Second)
		line, sig, err := sub.Recv(recvCtx)
		recvCancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		switch sig {
		case eventbus.Closed:
			return
		case eventbus.Lagged:
			if !sendLogSnapshot(conn, ctx, s, state) {
				return
			}
			continue
		}

		if !state.included[line.RunID] {
			// Unknown run id: a new sub-task child may have just been
			// created. Re-resolve, and re-snapshot to pick up any
			// history we may have missed for it.
			if !sendLogSnapshot(conn, ctx, s, state) {
				return
			}
			if !state.included[line.RunID] {
				continue
			}
		}

		if line.ID <= state.delivered[line.RunID] {
			continue
		}
		state.delivered[line.RunID] = line.ID

		if conn.WriteJSON(map[string]any{"type": "log", "log": line}) != nil {
			return
		}
	}
}

func sendLogSnapshot(conn *websocket.Conn, ctx context.Context, s *Server, state *logStreamState) bool {
	ids, err := state.resolve(ctx, s)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"type": "error", "message": err.Error()})
		return false
	}

	logs, err := s.Store.ListLogs(ctx, ids)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"type": "error", "message": err.Error()})
		return false
	}

	for _, l := range logs {
		if l.ID > state.delivered[l.RunID] {
			state.delivered[l.RunID] = l.ID
		}
	}

	return conn.WriteJSON(map[string]any{"type": "snapshot", "runId": state.runID, "logs": logs}) == nil
}
