// Package router registers all HTTP endpoints using vanilla net/http
// (Go 1.22+ pattern mux), with an optional WebSocket upgrade on the
// two read endpoints that have a streaming counterpart.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/sticktask/taskrunner/engine"
	"github.com/sticktask/taskrunner/logpipe"
	"github.com/sticktask/taskrunner/store"
	"github.com/sticktask/taskrunner/taskfile"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server bundles the dependencies every handler needs.
type Server struct {
	Store  store.Store
	Engine *engine.Engine
	Logs   *logpipe.Pipeline
}

// New builds and returns the application HTTP handler.
func New(s *Server) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("GET /api/tasks/runs", s.listRuns)
	mux.HandleFunc("GET /api/tasks/{runId}", s.getRun)
	mux.HandleFunc("GET /api/tasks/{runId}/logs", s.getLogs)
	mux.HandleFunc("POST /api/tasks/run", s.startRun)
	mux.HandleFunc("POST /api/tasks/cancel", s.cancelRun)
	mux.HandleFunc("POST /api/tasks/restart", s.restartRun)

	mux.HandleFunc("GET /api/health", s.health)
	mux.HandleFunc("GET /api/openapi.json", s.openAPI)
	mux.HandleFunc("GET /api/docs", s.swaggerUI)

	return mux
}

// health reports liveness plus a coarse view of the store: whether it
// answers at all, and how many runs are queued/running for cwd (the
// two states a caller watching for a stuck server cares about most).
// cwd is optional; with it omitted the counts are simply zero.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	cwd := r.URL.Query().Get("cwd")

	resp := map[string]any{"status": "ok"}

	runs, err := s.Store.ListRuns(r.Context(), cwd)
	if err != nil {
		resp["status"] = "degraded"
		resp["storeError"] = err.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}

	var queued, running int
	for _, run := range runs {
		switch run.Status {
		case store.StatusQueued:
			queued++
		case store.StatusRunning:
			running++
		}
	}
	resp["queued"] = queued
	resp["running"] = running
	writeJSON(w, http.StatusOK, resp)
}

// ---- GET /api/tasks ----

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	cwd := r.URL.Query().Get("cwd")
	tree, err := taskfile.LoadCached(cwd)
	if err != nil {
		writeConfigLoadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tree.ByName})
}

func writeConfigLoadError(w http.ResponseWriter, err error) {
	if isNotExist(err) {
		notFound(w, "Task config file not found")
		return
	}
	serverError(w, "Failed to load task config file")
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// ---- GET /api/tasks/runs ----

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	cwd := r.URL.Query().Get("cwd")
	ctx := r.Context()

	runs, err := s.Store.ListRuns(ctx, cwd)
	if err != nil {
		serverError(w, err.Error())
		return
	}

	var roots []*store.Run
	for _, run := range runs {
		if run.ParentRunID == nil {
			roots = append(roots, run)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].UpdatedAt > roots[j].UpdatedAt })

	nodes := make([]*TreeNode, 0, len(roots))
	for _, root := range roots {
		node, err := buildTree(ctx, s.Store, root)
		if err != nil {
			serverError(w, err.Error())
			return
		}
		nodes = append(nodes, node)
	}
	writeJSON(w, http.StatusOK, map[string]any{"taskRuns": nodes})
}

// ---- GET /api/tasks/{runId} ----

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	ctx := r.Context()

	run, err := s.Store.FindRun(ctx, runID)
	if err != nil {
		serverError(w, err.Error())
		return
	}
	if run == nil {
		notFound(w, "Task run not found")
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.serveTreeStream(w, r, runID)
		return
	}

	node, err := buildTree(ctx, s.Store, run)
	if err != nil {
		serverError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"taskRun": node})
}

// ---- GET /api/tasks/{runId}/logs ----

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	includeChildren := parseBoolQuery(r, "includeChildren")
	ctx := r.Context()

	run, err := s.Store.FindRun(ctx, runID)
	if err != nil {
		serverError(w, err.Error())
		return
	}
	if run == nil {
		notFound(w, "Task run not found")
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.serveLogStream(w, r, runID, includeChildren)
		return
	}

	ids, err := resolveIncludedRunIDs(ctx, s.Store, runID, includeChildren)
	if err != nil {
		serverError(w, err.Error())
		return
	}
	logs, err := s.Store.ListLogs(ctx, ids)
	if err != nil {
		serverError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runId": runID, "logs": logs})
}

func parseBoolQuery(r *http.Request, key string) bool {
	v := strings.ToLower(r.URL.Query().Get(key))
	return v == "1" || v == "true" || v == "yes"
}

// resolveIncludedRunIDs returns runID, plus all of its descendants if
// includeChildren is set.
func resolveIncludedRunIDs(ctx context.Context, st store.Store, runID string, includeChildren bool) ([]string, error) {
	ids := []string{runID}
	if !includeChildren {
		return ids, nil
	}
	run, err := st.FindRun(ctx, runID)
	if err != nil || run == nil {
		return ids, err
	}
	node, err := buildTree(ctx, st, run)
	if err != nil {
		return nil, err
	}
	return subtreeRunIDs(node), nil
}

// ---- POST /api/tasks/run ----

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Task string `json:"task"`
		Cwd  string `json:"cwd"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}

	runID, err := s.Engine.Create(r.Context(), body.Cwd, body.Task)
	if errors.Is(err, engine.ErrTaskNotFound) {
		notFound(w, "Task not found")
		return
	}
	if err != nil {
		if isNotExist(err) {
			notFound(w, "Task config file not found")
			return
		}
		serverError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"runId": runID})
}

// ---- POST /api/tasks/cancel ----

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RunID string `json:"runId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}

	ids, err := s.Engine.Cancel(r.Context(), body.RunID)
	if errors.Is(err, engine.ErrRunNotFound) {
		notFound(w, "Task run not found")
		return
	}
	if err != nil {
		serverError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelledRunIds": ids})
}

// ---- POST /api/tasks/restart ----

func (s *Server) restartRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RunID string `json:"runId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}

	runID, err := s.Engine.Restart(r.Context(), body.RunID)
	if errors.Is(err, engine.ErrRunNotFound) {
		notFound(w, "Task run not found")
		return
	}
	if err != nil {
		serverError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"runId": runID})
}
