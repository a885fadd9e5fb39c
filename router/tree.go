package router

import (
	"context"
	"fmt"
	"sort"

	"github.com/sticktask/taskrunner/store"
)

// TreeNode is the nested wire representation of a run and its
// sub-task descendants, used by both the one-shot tree read and the
// run-tree WebSocket stream.
type TreeNode struct {
	ID          string      `json:"id"`
	Task        string      `json:"task"`
	Cwd         string      `json:"cwd"`
	ParentRunID *string     `json:"parentRunId,omitempty"`
	Status      store.Status `json:"status"`
	UpdatedAt   int64       `json:"updatedAt"`
	WaitingOn   *string     `json:"waitingOn,omitempty"`
	Children    []*TreeNode `json:"children"`
}

// buildTree loads run and recursively materializes its descendants
// into a TreeNode, children sorted by UpdatedAt ascending.
func buildTree(ctx context.Context, st store.Store, run *store.Run) (*TreeNode, error) {
	node := &TreeNode{
		ID:          run.ID,
		Task:        run.Task,
		Cwd:         run.Cwd,
		ParentRunID: run.ParentRunID,
		Status:      run.Status,
		UpdatedAt:   run.UpdatedAt,
		WaitingOn:   run.WaitingOn,
		Children:    []*TreeNode{},
	}

	children, err := st.ListChildren(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", run.ID, err)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].UpdatedAt < children[j].UpdatedAt })

	for _, c := range children {
		childNode, err := buildTree(ctx, st, c)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, childNode)
	}
	return node, nil
}

// subtreeRunIDs returns the ids of node and every transitive descendant,
// including run itself — the "included set" for a run-tree subtree.
func subtreeRunIDs(node *TreeNode) []string {
	ids := []string{node.ID}
	for _, c := range node.Children {
		ids = append(ids, subtreeRunIDs(c)...)
	}
	return ids
}
