package repo

import (
	"context"
	"sort"
	"testing"

	"navifleet.io/navifleet/internal/repo/schema"
)

// fakeSource is an in-memory DataSource for tree tests.
type fakeSource struct {
	commits map[string][]NodeRecord
}

func (s *fakeSource) TaggedCommit(_ context.Context, tag string) (string, error) {
	return BaselineCommitID, nil
}

func (s *fakeSource) LoadCommit(_ context.Context, commitID string) ([]NodeRecord, error) {
	return s.commits[commitID], nil
}

// fakeCollector records everything a StoreUpdates pass writes.
type fakeCollector struct {
	commitID string
	parentID string
	nodes    []NodeRecord
	tags     map[string]string
}

func (c *fakeCollector) WriteCommit(_ context.Context, id, parentID string) error {
	c.commitID, c.parentID = id, parentID
	return nil
}

func (c *fakeCollector) WriteNode(_ context.Context, commitID string, rec NodeRecord) error {
	c.nodes = append(c.nodes, rec)
	return nil
}

func (c *fakeCollector) WriteTag(_ context.Context, tag, commitID string) error {
	if c.tags == nil {
		c.tags = map[string]string{}
	}
	c.tags[tag] = commitID
	return nil
}

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	return NewTree(schema.Default(), BaselineCommitID)
}

func mustCreate(t *testing.T, parent *Node, kind, id string) *Node {
	t.Helper()
	n, err := parent.CreateChild(kind, id)
	if err != nil {
		t.Fatalf("CreateChild(%s, %s): %v", kind, id, err)
	}
	return n
}

func mustCreateRoot(t *testing.T, tr *Tree, kind, id string) *Node {
	t.Helper()
	n, err := tr.CreateRootChild(kind, id)
	if err != nil {
		t.Fatalf("CreateRootChild(%s, %s): %v", kind, id, err)
	}
	return n
}

func TestLazyRebaseOnFirstMutation(t *testing.T) {
	tr := newTestTree(t)
	if tr.Mutated() {
		t.Fatal("fresh tree must be clean")
	}
	if tr.ID() != BaselineCommitID {
		t.Fatalf("ID() = %q, want %q", tr.ID(), BaselineCommitID)
	}

	mustCreateRoot(t, tr, schema.KindGroup, "g1")

	if !tr.Mutated() {
		t.Fatal("tree must be mutated after a create")
	}
	if tr.ID() == BaselineCommitID {
		t.Fatal("mutation must rebase onto a fresh commit id")
	}
	if tr.ParentID() != BaselineCommitID {
		t.Fatalf("ParentID() = %q, want %q", tr.ParentID(), BaselineCommitID)
	}

	id := tr.ID()
	mustCreateRoot(t, tr, schema.KindGroup, "g2")
	if tr.ID() != id {
		t.Fatal("second mutation must not rebase again")
	}
}

func TestCreateRejectsSchemaViolations(t *testing.T) {
	tr := newTestTree(t)
	g := mustCreateRoot(t, tr, schema.KindGroup, "g1")

	if _, err := tr.CreateRootChild("nonsense", "x"); err == nil {
		t.Error("unknown kind must be rejected")
	}
	if _, err := tr.CreateRootChild(schema.KindUser, "u1"); err == nil {
		t.Error("user as root child must be rejected")
	}
	if _, err := g.CreateChild(schema.KindGroup, "g1"); err == nil {
		t.Error("duplicate static id must be rejected")
	}
	if _, err := g.CreateChild(schema.KindUser, "u1"); err == nil {
		t.Error("user under group must be rejected")
	}
}

func TestDeleteTombstonesSubtree(t *testing.T) {
	tr := newTestTree(t)
	g := mustCreateRoot(t, tr, schema.KindGroup, "g1")
	sub := mustCreate(t, g, schema.KindGroup, "g2")
	mustCreate(t, sub, schema.KindDevice, "d1")

	if err := tr.Delete(g); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for _, id := range []string{"g1", "g2", "d1"} {
		if tr.Node(id) != nil {
			t.Errorf("node %q still in arena after delete", id)
		}
	}
	if tr.Index(schema.KindDevice).Len() != 0 {
		t.Error("device index not emptied by subtree delete")
	}

	coll := &fakeCollector{}
	if err := tr.StoreUpdates(context.Background(), coll); err != nil {
		t.Fatalf("StoreUpdates: %v", err)
	}
	var tombs []string
	for _, rec := range coll.nodes {
		if rec.Deleted {
			tombs = append(tombs, rec.StaticID)
		}
	}
	sort.Strings(tombs)
	want := []string{"d1", "g1", "g2"}
	if len(tombs) != len(want) {
		t.Fatalf("tombstones = %v, want %v", tombs, want)
	}
	for i := range want {
		if tombs[i] != want[i] {
			t.Fatalf("tombstones = %v, want %v", tombs, want)
		}
	}
}

func TestRecreateSupersedesTombstone(t *testing.T) {
	tr := newTestTree(t)
	g := mustCreateRoot(t, tr, schema.KindGroup, "g1")
	if err := tr.Delete(g); err != nil {
		t.Fatal(err)
	}
	mustCreateRoot(t, tr, schema.KindGroup, "g1")

	coll := &fakeCollector{}
	if err := tr.StoreUpdates(context.Background(), coll); err != nil {
		t.Fatal(err)
	}
	for _, rec := range coll.nodes {
		if rec.StaticID == "g1" && rec.Deleted {
			t.Error("recreated node must not carry a tombstone")
		}
	}
}

func TestStoreUpdatesIsNoOpOnCleanTree(t *testing.T) {
	tr := newTestTree(t)
	coll := &fakeCollector{}
	if err := tr.StoreUpdates(context.Background(), coll); err != nil {
		t.Fatal(err)
	}
	if coll.commitID != "" || len(coll.nodes) != 0 {
		t.Error("clean tree must write nothing")
	}
}

func TestStoreUpdatesSkipsDetachedSubtrees(t *testing.T) {
	tr := newTestTree(t)
	g := mustCreateRoot(t, tr, schema.KindGroup, "g1")
	sub := mustCreate(t, g, schema.KindGroup, "g2")
	mustCreate(t, sub, schema.KindDevice, "d1")
	if err := g.DetachChild(sub); err != nil {
		t.Fatal(err)
	}

	coll := &fakeCollector{}
	if err := tr.StoreUpdates(context.Background(), coll); err != nil {
		t.Fatal(err)
	}
	for _, rec := range coll.nodes {
		if rec.StaticID == "g2" || rec.StaticID == "d1" {
			t.Errorf("detached node %q must not be persisted", rec.StaticID)
		}
	}
}

func TestDetachAttachReparents(t *testing.T) {
	tr := newTestTree(t)
	g1 := mustCreateRoot(t, tr, schema.KindGroup, "g1")
	g2 := mustCreateRoot(t, tr, schema.KindGroup, "g2")
	d := mustCreate(t, g1, schema.KindDevice, "d1")

	if err := g1.DetachChild(d); err != nil {
		t.Fatal(err)
	}
	if !d.Detached() {
		t.Fatal("node must report detached")
	}
	if tr.Index(schema.KindDevice).FindStaticID("d1") == nil {
		t.Fatal("detach must not remove the node from its kind index")
	}
	if err := g2.AttachChild(d); err != nil {
		t.Fatal(err)
	}
	if d.Parent() != g2 {
		t.Error("attach did not relink the node")
	}
	if len(g2.ChildrenOfKind(schema.KindDevice)) != 1 {
		t.Error("g2 must list the reattached device")
	}
}

func TestLoadRebuildsIndexesAndLinks(t *testing.T) {
	src := &fakeSource{commits: map[string][]NodeRecord{
		"c1": {
			{StaticID: "g1", Kind: schema.KindGroup, Fields: map[string]string{"title": "fleet"}},
			{StaticID: "l1", Kind: schema.KindLicense, ParentID: "g1"},
			{StaticID: "u1", Kind: schema.KindUser, ParentID: "l1", Fields: map[string]string{"login": "driver1"}},
		},
	}}

	tr := NewTree(schema.Default(), "c1")
	if err := tr.Load(context.Background(), src); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tr.Mutated() {
		t.Fatal("loaded tree must be clean")
	}
	if got := tr.LoginIndex().Find("driver1"); got == nil || got.StaticID() != "u1" {
		t.Error("login index not rebuilt from loaded fields")
	}
	u := tr.Node("u1")
	if u == nil || u.Parent() == nil || u.Parent().StaticID() != "l1" {
		t.Error("parent links not rebuilt")
	}
	roots := tr.RootChildren()
	if len(roots) != 1 || roots[0].StaticID() != "g1" {
		t.Errorf("RootChildren() = %v nodes, want [g1]", len(roots))
	}
}

func TestLoadBaselineIsEmpty(t *testing.T) {
	src := &fakeSource{commits: map[string][]NodeRecord{}}
	tr := NewTree(schema.Default(), BaselineCommitID)
	if err := tr.Load(context.Background(), src); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(tr.RootChildren()) != 0 {
		t.Error("baseline commit must load as an empty tree")
	}
}

func TestSetFieldMaintainsLoginIndex(t *testing.T) {
	tr := newTestTree(t)
	g := mustCreateRoot(t, tr, schema.KindGroup, "g1")
	lic := mustCreate(t, g, schema.KindLicense, "l1")
	u := mustCreate(t, lic, schema.KindUser, "u1")

	if err := u.SetField("login", "alpha"); err != nil {
		t.Fatal(err)
	}
	if tr.LoginIndex().Find("alpha") != u {
		t.Fatal("login not indexed")
	}
	if err := u.SetField("login", "beta"); err != nil {
		t.Fatal(err)
	}
	if tr.LoginIndex().Find("alpha") != nil {
		t.Error("stale login entry kept after rename")
	}
	if tr.LoginIndex().Find("beta") != u {
		t.Error("new login not indexed")
	}
	if err := u.SetField("nickname", "x"); err == nil {
		t.Error("undeclared field must be rejected")
	}
}
