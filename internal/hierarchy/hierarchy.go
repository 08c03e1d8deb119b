package hierarchy

import (
	"fmt"
	"strings"
)

// Logger is the minimal logging surface the reconciler needs.
type Logger interface {
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// Node is the flat form of a hierarchical object: its key, an optional
// parent reference by key, and the object payload. ByReference marks
// edges that reference an existing object rather than own it (portfolio
// sub-portfolios by reference vs owned children).
type Node struct {
	Key         string
	Parent      string
	ByReference bool
	Value       interface{}
}

// TreeNode is the nested form.
type TreeNode struct {
	Key         string
	ByReference bool
	Value       interface{}
	Children    []*TreeNode
}

// Issue records a structural problem found while hierarchizing. The
// reconciler repairs and continues; it never drops an object.
type Issue struct {
	Kind    IssueKind
	Key     string
	Message string
}

type IssueKind int

const (
	IssueUnresolvedParent IssueKind = iota
	IssueDuplicateKey
	IssueCycle
)

func (k IssueKind) String() string {
	switch k {
	case IssueUnresolvedParent:
		return "unresolved_parent"
	case IssueDuplicateKey:
		return "duplicate_key"
	case IssueCycle:
		return "cycle"
	default:
		return "unknown"
	}
}

// Reconciler nests flat object lists into trees and back.
type Reconciler struct {
	logger Logger
}

func NewReconciler(logger Logger) *Reconciler {
	return &Reconciler{logger: logger}
}

// Hierarchize nests a flat list under its parent references. A child
// whose parent cannot be resolved is kept as a root, never dropped. A
// parent link that closes a cycle is ignored and reported with the full
// cycle path; the child becomes a root. Returned roots and children keep
// the flat list's order.
func (r *Reconciler) Hierarchize(flat []Node) ([]*TreeNode, []Issue) {
	var issues []Issue

	arena := make(map[string]*TreeNode, len(flat))
	parentOf := make(map[string]string)
	order := make([]string, 0, len(flat))

	for _, n := range flat {
		if _, exists := arena[n.Key]; exists {
			issues = append(issues, r.report(Issue{
				Kind:    IssueDuplicateKey,
				Key:     n.Key,
				Message: fmt.Sprintf("duplicate key %q, keeping the first occurrence", n.Key),
			}))
			continue
		}
		arena[n.Key] = &TreeNode{Key: n.Key, ByReference: n.ByReference, Value: n.Value}
		order = append(order, n.Key)
		if n.Parent != "" {
			parentOf[n.Key] = n.Parent
		}
	}

	// Resolve parent references before linking.
	for _, key := range order {
		parent, ok := parentOf[key]
		if !ok {
			continue
		}
		if _, exists := arena[parent]; !exists {
			issues = append(issues, r.report(Issue{
				Kind:    IssueUnresolvedParent,
				Key:     key,
				Message: fmt.Sprintf("%q names parent %q which does not exist, treating as root", key, parent),
			}))
			delete(parentOf, key)
		}
	}

	// A parent chain that returns to its start is a cycle: drop the
	// closing link so the walker below cannot loop.
	for _, key := range order {
		if path, cyclic := findCycle(key, parentOf); cyclic {
			issues = append(issues, r.report(Issue{
				Kind:    IssueCycle,
				Key:     key,
				Message: fmt.Sprintf("cycle %s, ignoring parent link of %q", strings.Join(path, " -> "), key),
			}))
			delete(parentOf, key)
		}
	}

	var roots []*TreeNode
	for _, key := range order {
		node := arena[key]
		if parent, ok := parentOf[key]; ok {
			arena[parent].Children = append(arena[parent].Children, node)
		} else {
			roots = append(roots, node)
		}
	}

	return roots, issues
}

// Flatten is the exact inverse of Hierarchize: a pre-order walk emitting
// parents before their children, with parent references restored. The
// key set of Flatten(Hierarchize(L)) equals that of L.
func (r *Reconciler) Flatten(roots []*TreeNode) []Node {
	var flat []Node
	for _, root := range roots {
		flat = appendSubtree(flat, root, "")
	}
	return flat
}

func appendSubtree(flat []Node, node *TreeNode, parent string) []Node {
	flat = append(flat, Node{
		Key:         node.Key,
		Parent:      parent,
		ByReference: node.ByReference,
		Value:       node.Value,
	})
	for _, child := range node.Children {
		flat = appendSubtree(flat, child, node.Key)
	}
	return flat
}

// Walk visits every node of the trees in pre-order.
func Walk(roots []*TreeNode, visit func(node *TreeNode, parent *TreeNode)) {
	var walk func(node, parent *TreeNode)
	walk = func(node, parent *TreeNode) {
		visit(node, parent)
		for _, child := range node.Children {
			walk(child, node)
		}
	}
	for _, root := range roots {
		walk(root, nil)
	}
}

// findCycle follows the parent chain from key. It returns the chain and
// true when the chain comes back to key.
func findCycle(key string, parentOf map[string]string) ([]string, bool) {
	path := []string{key}
	seen := map[string]bool{key: true}

	current := key
	for {
		parent, ok := parentOf[current]
		if !ok {
			return nil, false
		}
		path = append(path, parent)
		if parent == key {
			return path, true
		}
		if seen[parent] {
			// The chain runs into a cycle that does not include key
			// itself; that cycle is reported when its own member is
			// visited.
			return nil, false
		}
		seen[parent] = true
		current = parent
	}
}

func (r *Reconciler) report(issue Issue) Issue {
	if r.logger != nil {
		r.logger.Error("hierarchy issue",
			"kind", issue.Kind.String(),
			"key", issue.Key,
			"detail", issue.Message)
	}
	return issue
}
