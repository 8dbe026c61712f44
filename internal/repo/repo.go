// Package repo implements the versioned entity tree: a git-like snapshot
// model over a typed schema, with role-based permission evaluation, a
// patch codec/applier and a per-viewer diff calculator.
//
// A Tree is one commit's worth of state: an arena of nodes keyed by
// static id, parent/child relationships stored as id references, plus a
// per-kind index and a login index. Mutating a loaded tree lazily rebases
// it onto a fresh commit id; StoreUpdates persists only dirtied nodes and
// tombstones through a Collector, leaving transaction bracketing and the
// head tag to the caller.
package repo

import (
	"context"

	"github.com/google/uuid"
)

// Well-known repository constants.
const (
	// HeadTag names the tag pointing at the current authoritative commit.
	HeadTag = "head"

	// BaselineCommitID is the reserved id of the empty seed commit. It is
	// always loadable, even when no rows exist for it.
	BaselineCommitID = "initial"

	// RootUserStaticID identifies the well-known bootstrap administrator.
	RootUserStaticID = "root_user"

	// RootLogin is the login of the bootstrap administrator.
	RootLogin = "root"
)

// NewStaticID allocates a globally unique static id for a new node.
func NewStaticID() string {
	return uuid.NewString()
}

// NewCommitID allocates a commit id.
func NewCommitID() string {
	return uuid.NewString()
}

// NodeRecord is the persisted shape of one node within one commit.
// A record with Deleted set is a tombstone hiding every older version of
// the same static id.
type NodeRecord struct {
	StaticID string
	Kind     string
	ParentID string // "" = direct child of the commit root
	Fields   map[string]string
	Deleted  bool
}

// DataSource resolves commits from storage. LoadCommit returns the
// resolved (ancestry-flattened) node set of a commit; the reserved
// baseline resolves to an empty set, any other unknown id fails with a
// NotFound condition.
type DataSource interface {
	TaggedCommit(ctx context.Context, tag string) (string, error)
	LoadCommit(ctx context.Context, commitID string) ([]NodeRecord, error)
}

// Collector receives the rows of one new commit. Implementations are
// expected to be transaction-scoped: every write between WriteCommit and
// WriteTag must land atomically or not at all.
type Collector interface {
	WriteCommit(ctx context.Context, id, parentID string) error
	WriteNode(ctx context.Context, commitID string, rec NodeRecord) error
	WriteTag(ctx context.Context, tag, commitID string) error
}
