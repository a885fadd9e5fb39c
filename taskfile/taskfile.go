// Package taskfile loads and caches the per-directory task definition
// file (task.config.json) that drives the Run Engine.
package taskfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Task is one named node in the declared task tree.
type Task struct {
	Title      string           `json:"title,omitempty"`
	Command    string           `json:"command,omitempty"`
	DependsOn  []string         `json:"dependsOn,omitempty"`
	Optional   bool             `json:"optional,omitempty"`
	Tasks      map[string]*Task `json:"tasks,omitempty"`
	fullName   string
	inCycle    bool
	childNames []string // local names, sorted, for deterministic fan-out
}

// FullName returns the colon-joined path by which this task is
// referenced ("parent:child" for sub-tasks).
func (t *Task) FullName() string { return t.fullName }

// InCycle reports whether this task is part of a dependsOn cycle or
// depends, directly or transitively, on a task that is; computed once
// at load time.
func (t *Task) InCycle() bool { return t.inCycle }

// ChildNames returns this task's declared sub-task full names, in a
// stable order.
func (t *Task) ChildNames() []string { return t.childNames }

// Tree is a loaded, flattened task definition.
type Tree struct {
	// ByName indexes every task (including nested sub-tasks) by its
	// full, colon-joined name.
	ByName map[string]*Task
}

type fileFormat struct {
	Tasks map[string]*Task `json:"tasks"`
}

// Load reads and parses <cwd>/task.config.json.
//
// Returns (nil, os.ErrNotExist-wrapping error) if the file is absent,
// so callers can map that to HTTP 404 per spec.md §6.
func Load(cwd string) (*Tree, error) {
	path := filepath.Join(cwd, "task.config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("taskfile: parse %s: %w", path, err)
	}

	tree := &Tree{ByName: make(map[string]*Task)}
	flatten(ff.Tasks, "", tree)
	markCycles(tree)
	return tree, nil
}

// flatten walks the nested Tasks maps, assigning each a full,
// colon-joined name and recording it in tree.ByName.
func flatten(tasks map[string]*Task, prefix string, tree *Tree) {
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	var parent *Task
	if prefix != "" {
		parent = tree.ByName[prefix]
	}

	for _, name := range names {
		t := tasks[name]
		full := name
		if prefix != "" {
			full = prefix + ":" + name
		}
		t.fullName = full
		tree.ByName[full] = t

		if parent != nil {
			parent.childNames = append(parent.childNames, full)
		}

		if len(t.Tasks) > 0 {
			flatten(t.Tasks, full, tree)
		}
	}
}

// markCycles runs a DFS with a recursion stack over the dependsOn
// graph and flags every task that is part of a cycle or depends,
// directly or transitively, on a task that is. Load never
// fails because of a cycle; engine.Create consults InCycle to fail the
// run instead.
func markCycles(tree *Tree) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(tree.ByName))

	var visit func(name string, stack []string) bool
	visit = func(name string, stack []string) bool {
		switch state[name] {
		case done:
			t := tree.ByName[name]
			return t != nil && t.inCycle
		case visiting:
			return true
		}
		state[name] = visiting
		stack = append(stack, name)

		t := tree.ByName[name]
		cyclic := false
		if t != nil {
			for _, dep := range t.DependsOn {
				if visit(dep, stack) {
					cyclic = true
				}
			}
		}
		state[name] = done
		if cyclic && t != nil {
			t.inCycle = true
		}
		return cyclic
	}

	for name := range tree.ByName {
		if state[name] == unvisited {
			visit(name, nil)
		}
	}
}

// cache is a small mtime-checked, per-cwd in-process cache so the
// server does not re-read and re-parse task.config.json on every
// request.
type cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	tree    *Tree
	err     error
	modTime time.Time
}

var defaultCache = &cache{entries: make(map[string]cacheEntry)}

// LoadCached behaves like Load but serves a cached Tree when
// task.config.json's mtime has not changed since the last load.
func LoadCached(cwd string) (*Tree, error) {
	path := filepath.Join(cwd, "task.config.json")

	info, statErr := os.Stat(path)

	defaultCache.mu.Lock()
	entry, ok := defaultCache.entries[cwd]
	defaultCache.mu.Unlock()

	if ok && statErr == nil && info.ModTime().Equal(entry.modTime) {
		return entry.tree, entry.err
	}

	tree, err := Load(cwd)

	var modTime time.Time
	if statErr == nil {
		modTime = info.ModTime()
	}

	defaultCache.mu.Lock()
	defaultCache.entries[cwd] = cacheEntry{tree: tree, err: err, modTime: modTime}
	defaultCache.mu.Unlock()

	return tree, err
}

// Invalidate drops any cached entry for cwd, forcing the next
// LoadCached call to re-read the file from disk.
func Invalidate(cwd string) {
	defaultCache.mu.Lock()
	delete(defaultCache.entries, cwd)
	defaultCache.mu.Unlock()
}
