package repo

import (
	"context"
	"fmt"
	"sort"

	apperrors "navifleet.io/navifleet/internal/pkg/errors"
	"navifleet.io/navifleet/internal/repo/schema"
)

// Tree is one commit's materialized state. A tree loaded from storage is
// clean; the first mutation rebases it onto a freshly allocated commit id
// with the loaded commit as parent. A tree should be treated read-only
// after StoreUpdates has persisted it.
type Tree struct {
	schema   *schema.Schema
	id       string
	parentID string
	mutated  bool

	nodes        map[string]*Node
	rootChildren map[string]struct{}
	kinds        map[string]*TableIndex
	logins       *LoginIndex
	deleted      map[string]struct{}

	binding *binding
}

// NewTree creates an empty tree for the given commit id.
func NewTree(sc *schema.Schema, commitID string) *Tree {
	return &Tree{
		schema:       sc,
		id:           commitID,
		nodes:        make(map[string]*Node),
		rootChildren: make(map[string]struct{}),
		kinds:        make(map[string]*TableIndex),
		logins:       newLoginIndex(),
		deleted:      make(map[string]struct{}),
	}
}

// ID returns the tree's commit id. It changes once, on first mutation.
func (t *Tree) ID() string { return t.id }

// ParentID returns the id of the commit this tree was rebased from, or ""
// for an unmutated tree.
func (t *Tree) ParentID() string { return t.parentID }

// Mutated reports whether the tree carries unpersisted changes.
func (t *Tree) Mutated() bool { return t.mutated }

// Schema returns the tree's entity kind schema.
func (t *Tree) Schema() *schema.Schema { return t.schema }

// Load materializes the commit from src, rebuilding the arena and both
// indexes. Loading the reserved baseline yields an empty tree.
func (t *Tree) Load(ctx context.Context, src DataSource) error {
	recs, err := src.LoadCommit(ctx, t.id)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		if rec.Deleted {
			continue
		}
		n := &Node{
			tree:     t,
			staticID: rec.StaticID,
			kind:     rec.Kind,
			fields:   make(map[string]string, len(rec.Fields)),
			parentID: rec.ParentID,
			children: make(map[string]struct{}),
		}
		for k, v := range rec.Fields {
			n.fields[k] = v
		}
		t.nodes[n.staticID] = n
		t.kindIndex(n.kind).add(n)
		if n.kind == schema.KindUser {
			if login, ok := n.fields["login"]; ok && login != "" {
				t.logins.add(login, n)
			}
		}
	}

	// Second pass: link children now that every node exists.
	for _, n := range t.nodes {
		if n.parentID == "" {
			t.rootChildren[n.staticID] = struct{}{}
			continue
		}
		parent := t.nodes[n.parentID]
		if parent == nil {
			return apperrors.NotFound("node", n.parentID)
		}
		parent.children[n.staticID] = struct{}{}
	}
	return nil
}

// Node returns the node with the given static id from the arena, or nil.
func (t *Tree) Node(staticID string) *Node {
	return t.nodes[staticID]
}

// Index returns the per-kind index; it is never nil.
func (t *Tree) Index(kind string) *TableIndex {
	return t.kindIndex(kind)
}

// LoginIndex returns the commit's login-name index.
func (t *Tree) LoginIndex() *LoginIndex { return t.logins }

// RootChildren returns the direct children of the commit root sorted by
// static id.
func (t *Tree) RootChildren() []*Node {
	out := make([]*Node, 0, len(t.rootChildren))
	for id := range t.rootChildren {
		if n := t.nodes[id]; n != nil {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].staticID < out[j].staticID })
	return out
}

// CreateRootChild allocates a node directly under the commit root.
func (t *Tree) CreateRootChild(kind, staticID string) (*Node, error) {
	return t.createNode(nil, kind, staticID)
}

// Delete removes a node and its whole subtree from the tree and from both
// indexes, tombstoning every removed static id for persistence.
func (t *Tree) Delete(n *Node) error {
	if t.nodes[n.staticID] != n {
		return fmt.Errorf("node %q does not belong to this tree", n.staticID)
	}
	t.ensureMutable()

	if n.detached {
		// nothing to unlink
	} else if n.parentID == "" {
		delete(t.rootChildren, n.staticID)
	} else if parent := t.nodes[n.parentID]; parent != nil {
		delete(parent.children, n.staticID)
	}

	var drop func(*Node)
	drop = func(v *Node) {
		for _, c := range v.Children() {
			drop(c)
		}
		delete(t.nodes, v.staticID)
		t.kindIndex(v.kind).remove(v.staticID)
		if v.kind == schema.KindUser {
			t.logins.remove(v.fields["login"], v)
		}
		t.deleted[v.staticID] = struct{}{}
	}
	drop(n)
	return nil
}

// StoreUpdates writes the commit row, every dirtied reachable node and
// every tombstone through coll. A clean tree writes nothing. Transaction
// bracketing and the head tag move belong to the caller.
func (t *Tree) StoreUpdates(ctx context.Context, coll Collector) error {
	if !t.mutated {
		return nil
	}
	if err := coll.WriteCommit(ctx, t.id, t.parentID); err != nil {
		return err
	}

	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := t.nodes[id]
		if !n.dirty || !t.reachable(n) {
			continue
		}
		rec := NodeRecord{
			StaticID: n.staticID,
			Kind:     n.kind,
			ParentID: n.parentID,
			Fields:   n.Fields(),
		}
		if err := coll.WriteNode(ctx, t.id, rec); err != nil {
			return err
		}
	}

	tombs := make([]string, 0, len(t.deleted))
	for id := range t.deleted {
		tombs = append(tombs, id)
	}
	sort.Strings(tombs)
	for _, id := range tombs {
		rec := NodeRecord{StaticID: id, Deleted: true}
		if err := coll.WriteNode(ctx, t.id, rec); err != nil {
			return err
		}
	}
	return nil
}

// ensureMutable rebases the tree onto a new commit id on first mutation.
// The loaded commit stays immutable; only the rebased id is ever tagged.
func (t *Tree) ensureMutable() {
	if t.mutated {
		return
	}
	t.parentID = t.id
	t.id = NewCommitID()
	t.mutated = true
}

func (t *Tree) kindIndex(kind string) *TableIndex {
	ix := t.kinds[kind]
	if ix == nil {
		ix = newTableIndex()
		t.kinds[kind] = ix
	}
	return ix
}

func (t *Tree) createNode(parent *Node, kind, staticID string) (*Node, error) {
	k := t.schema.Kind(kind)
	if k == nil {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	if staticID == "" {
		return nil, fmt.Errorf("empty static id")
	}
	if _, exists := t.nodes[staticID]; exists {
		return nil, fmt.Errorf("static id %q already exists", staticID)
	}
	parentKind := schema.RootParent
	if parent != nil {
		parentKind = parent.kind
	}
	if !k.AllowsParent(parentKind) {
		return nil, fmt.Errorf("kind %q cannot attach under %q", kind, parentKind)
	}

	t.ensureMutable()
	n := &Node{
		tree:     t,
		staticID: staticID,
		kind:     kind,
		fields:   make(map[string]string),
		children: make(map[string]struct{}),
		dirty:    true,
	}
	if parent != nil {
		n.parentID = parent.staticID
		parent.children[staticID] = struct{}{}
	} else {
		t.rootChildren[staticID] = struct{}{}
	}
	t.nodes[staticID] = n
	t.kindIndex(kind).add(n)
	// Recreating a static id deleted earlier in the same working copy
	// supersedes its tombstone.
	delete(t.deleted, staticID)
	return n, nil
}

// reachable reports whether the node is linked into the tree via parents
// all the way to the commit root. Detached subtrees are excluded from
// persistence, like any traversal.
func (t *Tree) reachable(n *Node) bool {
	for v := n; ; {
		if v.detached {
			return false
		}
		if v.parentID == "" {
			return true
		}
		parent := t.nodes[v.parentID]
		if parent == nil {
			return false
		}
		v = parent
	}
}
