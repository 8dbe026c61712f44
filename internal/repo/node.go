package repo

import (
	"fmt"
	"sort"

	"navifleet.io/navifleet/internal/repo/schema"
)

// Node is one entity instance inside a commit tree. Nodes are owned by
// exactly one Tree; parent/child links are id references resolved through
// the tree's arena.
type Node struct {
	tree     *Tree
	staticID string
	kind     string
	fields   map[string]string
	parentID string
	detached bool
	children map[string]struct{}
	dirty    bool
}

// StaticID returns the node's stable identifier.
func (n *Node) StaticID() string { return n.staticID }

// Kind returns the node's entity kind name. A node's kind never changes
// after creation.
func (n *Node) Kind() string { return n.kind }

// Field returns the named field value.
func (n *Node) Field(name string) (string, bool) {
	v, ok := n.fields[name]
	return v, ok
}

// Fields returns a copy of the node's fields.
func (n *Node) Fields() map[string]string {
	out := make(map[string]string, len(n.fields))
	for k, v := range n.fields {
		out[k] = v
	}
	return out
}

// Parent returns the parent node, or nil for root children and detached
// nodes.
func (n *Node) Parent() *Node {
	if n.parentID == "" {
		return nil
	}
	return n.tree.nodes[n.parentID]
}

// Detached reports whether the node is currently unlinked from the tree.
func (n *Node) Detached() bool { return n.detached }

// Children returns the node's children sorted by static id.
func (n *Node) Children() []*Node {
	out := make([]*Node, 0, len(n.children))
	for id := range n.children {
		if c := n.tree.nodes[id]; c != nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].staticID < out[j].staticID })
	return out
}

// ChildrenOfKind returns the node's children of one kind, sorted by
// static id.
func (n *Node) ChildrenOfKind(kind string) []*Node {
	all := n.Children()
	out := all[:0]
	for _, c := range all {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// SetField sets (or, with an empty value, unsets) a declared field and
// marks the node dirty. Setting a user's login keeps the commit's login
// index current.
func (n *Node) SetField(name, value string) error {
	k := n.tree.schema.Kind(n.kind)
	if k == nil || !k.HasField(name) {
		return fmt.Errorf("kind %q has no field %q", n.kind, name)
	}

	old, had := n.fields[name]
	if had && old == value {
		return nil
	}
	if !had && value == "" {
		return nil
	}

	n.tree.ensureMutable()
	if n.kind == schema.KindUser && name == "login" {
		n.tree.logins.remove(old, n)
		if value != "" {
			n.tree.logins.add(value, n)
		}
	}
	if value == "" {
		delete(n.fields, name)
	} else {
		n.fields[name] = value
	}
	n.dirty = true
	return nil
}

// CreateChild allocates a node of the given kind under n, links it and
// registers it in the owning commit's per-kind index.
func (n *Node) CreateChild(kind, staticID string) (*Node, error) {
	return n.tree.createNode(n, kind, staticID)
}

// DetachChild unlinks child (and implicitly its whole subtree) from n.
// The child stays in the commit's arena and indexes: detaching only
// removes it from traversal so it can be re-attached elsewhere with its
// static id and descendants intact.
func (n *Node) DetachChild(child *Node) error {
	if child.parentID != n.staticID {
		return fmt.Errorf("node %q is not a child of %q", child.staticID, n.staticID)
	}
	n.tree.ensureMutable()
	delete(n.children, child.staticID)
	child.parentID = ""
	child.detached = true
	child.dirty = true
	return nil
}

// AttachChild links a previously detached node (with its subtree) under n.
func (n *Node) AttachChild(child *Node) error {
	if !child.detached {
		return fmt.Errorf("node %q is not detached", child.staticID)
	}
	k := n.tree.schema.Kind(child.kind)
	if k == nil || !k.AllowsParent(n.kind) {
		return fmt.Errorf("kind %q cannot attach under %q", child.kind, n.kind)
	}
	n.tree.ensureMutable()
	child.parentID = n.staticID
	child.detached = false
	child.dirty = true
	n.children[child.staticID] = struct{}{}
	return nil
}
