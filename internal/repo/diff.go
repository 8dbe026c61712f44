package repo

import (
	"sort"

	apperrors "navifleet.io/navifleet/internal/pkg/errors"
)

// Diff computes the patch that transforms the viewer's visible slice of
// from into the viewer's visible slice of to. Applying the result to a
// copy of from yields a tree whose visible nodes match to exactly.
//
// Operation order is deterministic: deletes first (topmost node of each
// removed subtree only, sorted by static id), then creates in preorder of
// to with children sorted by static id, then field updates sorted by
// static id and field name. A re-parented node is expressed as a delete
// plus recreation of its surviving subtree. Equal inputs yield the empty
// patch, and equal inputs always serialize byte-identically.
//
// Diff rebinds both trees to the viewer ("" binds unrestricted); a viewer
// unknown to a tree sees nothing in it.
func Diff(from, to *Tree, viewer string) (*Patch, error) {
	if err := bindViewer(from, viewer); err != nil {
		return nil, err
	}
	if err := bindViewer(to, viewer); err != nil {
		return nil, err
	}

	fromNodes := visibleNodes(from)
	toNodes := visibleNodes(to)

	// Nodes the client must drop: gone from the visible slice, or moved
	// to a different parent.
	doomed := make(map[string]struct{})
	for id, fn := range fromNodes {
		tn, ok := toNodes[id]
		if !ok || tn.parentID != fn.parentID {
			doomed[id] = struct{}{}
		}
	}

	p := &Patch{}

	deleteIDs := make([]string, 0, len(doomed))
	for id := range doomed {
		if !ancestorDoomed(from, fromNodes[id], doomed) {
			deleteIDs = append(deleteIDs, id)
		}
	}
	sort.Strings(deleteIDs)
	for _, id := range deleteIDs {
		p.Ops = append(p.Ops, DeleteOp{StaticID: id})
	}

	// Creates in preorder so every parent exists before its children.
	// A node under a doomed ancestor was swept away by the delete above
	// and must be recreated even if it did not change itself.
	recreated := make(map[string]struct{})
	var walk func(n *Node, underCreate bool)
	walk = func(n *Node, underCreate bool) {
		if to.CheckPermission(n, FlagView) != nil {
			return
		}
		id := n.staticID
		_, existed := fromNodes[id]
		_, moved := doomed[id]
		create := underCreate || !existed || moved
		if create {
			recreated[id] = struct{}{}
			p.Ops = append(p.Ops, CreateOp{
				Kind:     n.kind,
				ParentID: n.parentID,
				StaticID: id,
				Fields:   nonEmptyFields(n),
			})
		}
		for _, c := range n.Children() {
			walk(c, create)
		}
	}
	for _, n := range to.RootChildren() {
		walk(n, false)
	}

	// Field updates on nodes that survived in place.
	survivors := make([]string, 0, len(toNodes))
	for id := range toNodes {
		if _, ok := fromNodes[id]; !ok {
			continue
		}
		if _, ok := recreated[id]; ok {
			continue
		}
		survivors = append(survivors, id)
	}
	sort.Strings(survivors)
	for _, id := range survivors {
		fn, tn := fromNodes[id], toNodes[id]
		names := make(map[string]struct{}, len(fn.fields)+len(tn.fields))
		for name := range fn.fields {
			names[name] = struct{}{}
		}
		for name := range tn.fields {
			names[name] = struct{}{}
		}
		sorted := make([]string, 0, len(names))
		for name := range names {
			sorted = append(sorted, name)
		}
		sort.Strings(sorted)
		for _, name := range sorted {
			fv := fn.fields[name]
			tv := tn.fields[name]
			if fv != tv {
				// tv is "" when the field was unset; the empty set op
				// clears it on the client.
				p.Ops = append(p.Ops, SetFieldOp{StaticID: id, Name: name, Value: tv})
			}
		}
	}

	return p, nil
}

func bindViewer(t *Tree, viewer string) error {
	if viewer == "" {
		t.SetRootPermissions()
		return nil
	}
	if err := t.SetUserPermissions(viewer); err != nil {
		if _, ok := apperrors.IsNotFound(err); ok {
			t.ClearPermissions()
			return nil
		}
		return err
	}
	return nil
}

// visibleNodes collects the reachable nodes the bound viewer may see,
// keyed by static id.
func visibleNodes(t *Tree) map[string]*Node {
	out := make(map[string]*Node)
	var walk func(n *Node)
	walk = func(n *Node) {
		if t.CheckPermission(n, FlagView) == nil {
			out[n.staticID] = n
		}
		for _, c := range n.Children() {
			walk(c)
		}
	}
	for _, n := range t.RootChildren() {
		walk(n)
	}
	return out
}

// ancestorDoomed reports whether any proper ancestor of n within the
// visible slice is also being deleted; the topmost delete covers the
// whole subtree.
func ancestorDoomed(t *Tree, n *Node, doomed map[string]struct{}) bool {
	for p := n.Parent(); p != nil; p = p.Parent() {
		if _, ok := doomed[p.staticID]; ok {
			// Only a delete the client can observe sweeps the subtree.
			if t.CheckPermission(p, FlagView) == nil {
				return true
			}
		}
	}
	return false
}

func nonEmptyFields(n *Node) map[string]string {
	if len(n.fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(n.fields))
	for k, v := range n.fields {
		out[k] = v
	}
	return out
}
