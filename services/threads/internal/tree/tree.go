// Package tree rebuilds the reply forest of an item from its flat comment list
// and flattens it back into display order.
package tree

import (
	"sort"

	"github.com/example/discussion/services/threads/internal/store"
)

// Node is one comment together with its direct replies in display order.
type Node struct {
	store.Comment
	Children []*Node `json:"children"`
}

// Build groups comments by parent and returns the roots in display order.
// Siblings are sorted by Position, ties broken by ID. A comment whose parent
// is not part of the input is treated as a root.
func Build(comments []store.Comment) []*Node {
	nodes := make(map[int64]*Node, len(comments))
	for _, c := range comments {
		nodes[c.ID] = &Node{Comment: c, Children: []*Node{}}
	}

	var roots []*Node
	for _, c := range comments {
		n := nodes[c.ID]
		if c.ParentID != nil {
			if p, ok := nodes[*c.ParentID]; ok && p != n {
				p.Children = append(p.Children, n)
				continue
			}
		}
		roots = append(roots, n)
	}

	sortNodes(roots)
	for _, n := range nodes {
		sortNodes(n.Children)
	}
	if roots == nil {
		roots = []*Node{}
	}
	return roots
}

func sortNodes(ns []*Node) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].Position != ns[j].Position {
			return ns[i].Position < ns[j].Position
		}
		return ns[i].ID < ns[j].ID
	})
}

// Flatten walks the forest pre-order: a node, then all of its replies, then
// its next sibling.
func Flatten(forest []*Node) []store.Comment {
	out := make([]store.Comment, 0, count(forest))
	stack := make([]*Node, 0, len(forest))
	for i := len(forest) - 1; i >= 0; i-- {
		stack = append(stack, forest[i])
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, n.Comment)
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
	return out
}

func count(forest []*Node) int {
	total := 0
	for _, n := range forest {
		total += 1 + count(n.Children)
	}
	return total
}

// Order returns comments in display order.
func Order(comments []store.Comment) []store.Comment {
	return Flatten(Build(comments))
}
