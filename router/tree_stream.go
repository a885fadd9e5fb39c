package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sticktask/taskrunner/eventbus"
)

const (
	pongWait  = 60 * time.Second
	pingEvery = 30 * time.Second
)

// serveTreeStream upgrades the connection and streams run-tree
// snapshots: subscribe before the initial send to close the race
// window, then re-send the full snapshot on any status event or lag.
func (s *Server) serveTreeStream(w http.ResponseWriter, r *http.Request, runID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.Engine.Bus().Subscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if !sendTreeSnapshot(conn, ctx, s, runID) {
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
		_, sig, err := sub.Recv(recvCtx)
		recvCancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue // timeout tick, loop back to check ping/disconnect
		}

		switch sig {
		case eventbus.Closed:
			return
		default: // Value or Lagged both trigger a fresh snapshot
			if !sendTreeSnapshot(conn, ctx, s, runID) {
				return
			}
		}
	}
}

func sendTreeSnapshot(conn *websocket.Conn, ctx context.Context, s *Server, runID string) bool {
	run, err := s.Store.FindRun(ctx, runID)
	if err != nil || run == nil {
		_ = conn.WriteJSON(map[string]string{"message": "Task run not found"})
		return false
	}
	node, err := buildTree(ctx, s.Store, run)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"message": err.Error()})
		return false
	}
	return conn.WriteJSON(map[string]any{"taskRun": node}) == nil
}

// readPump drains and discards client frames so Pong control frames
// are processed by gorilla/websocket's internal handler, and signals
// cancel on disconnect.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
