package repo

import "sort"

// TableIndex is the per-entity-kind lookup from static id to node within
// one commit. It always reflects the set of nodes created into the commit:
// create and delete maintain it, attach/detach never touch it.
type TableIndex struct {
	nodes map[string]*Node
}

func newTableIndex() *TableIndex {
	return &TableIndex{nodes: make(map[string]*Node)}
}

// FindStaticID returns the node with the given static id, or nil.
func (ix *TableIndex) FindStaticID(id string) *Node {
	return ix.nodes[id]
}

// Len returns the number of indexed nodes.
func (ix *TableIndex) Len() int { return len(ix.nodes) }

// All returns the indexed nodes sorted by static id.
func (ix *TableIndex) All() []*Node {
	out := make([]*Node, 0, len(ix.nodes))
	for _, n := range ix.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].staticID < out[j].staticID })
	return out
}

func (ix *TableIndex) add(n *Node)    { ix.nodes[n.staticID] = n }
func (ix *TableIndex) remove(id string) { delete(ix.nodes, id) }

// LoginIndex maps user login names to user nodes within one commit.
type LoginIndex struct {
	users map[string]*Node
}

func newLoginIndex() *LoginIndex {
	return &LoginIndex{users: make(map[string]*Node)}
}

// Find returns the user node with the given login, or nil.
func (ix *LoginIndex) Find(login string) *Node {
	return ix.users[login]
}

func (ix *LoginIndex) add(login string, n *Node) {
	ix.users[login] = n
}

// remove drops the mapping only if it still points at n: two users must
// not steal each other's entry during a login handover.
func (ix *LoginIndex) remove(login string, n *Node) {
	if login == "" {
		return
	}
	if cur, ok := ix.users[login]; ok && cur == n {
		delete(ix.users, login)
	}
}
