// Package service orchestrates the sync/apply protocol, the startup
// root-invariant repair and the administrative conveniences on top of the
// repository engine. Validation and permission failures are converted to
// result values at this boundary; structural failures propagate.
package service

import (
	"context"

	"go.uber.org/zap"

	"navifleet.io/navifleet/internal/pkg/logger"
	"navifleet.io/navifleet/internal/repo"
	"navifleet.io/navifleet/internal/repo/schema"
	"navifleet.io/navifleet/internal/storage"
)

// HeadListener is notified after every successful head move. Listeners
// must not block; long work belongs on their own pool.
type HeadListener interface {
	HeadChanged(commitID string)
}

// RepoService is the engine facade the transport layer talks to.
type RepoService struct {
	store    storage.Store
	schema   *schema.Schema
	listener HeadListener
}

// NewRepoService creates the service. listener may be nil.
func NewRepoService(store storage.Store, sc *schema.Schema, listener HeadListener) *RepoService {
	return &RepoService{store: store, schema: sc, listener: listener}
}

// SyncResult is the response of one sync or apply call.
type SyncResult struct {
	NewCommit string
	OldCommit string
	Diff      string
}

// Sync reconciles one client against the head. The client sends the
// commit it last synced to plus its local edits; the response carries the
// new head id and the catch-up diff scoped to the acting user.
//
// A failing client patch is dropped wholesale: the working copy is
// discarded, a clean head is reloaded and the client is rolled back to
// the true state via the response diff.
func (s *RepoService) Sync(ctx context.Context, userID, oldCommit, diffDoc string) (*SyncResult, error) {
	head, err := s.store.TaggedCommit(ctx, repo.HeadTag)
	if err != nil {
		return nil, err
	}

	// No changes on either side.
	if (diffDoc == "" || diffDoc == "{}") && oldCommit == head {
		return &SyncResult{NewCommit: head, OldCommit: head, Diff: "{}"}, nil
	}

	patch, err := repo.ParsePatch(diffDoc)
	if err != nil {
		return nil, err
	}

	current, err := s.loadTree(ctx, head)
	if err != nil {
		return nil, err
	}

	// Engine conditions (permission, structure) reject the patch; a
	// failed persist is a storage fault and fails the call instead.
	if err := s.applyPatch(current, userID, patch); err != nil {
		logger.Warn("client patch rejected",
			zap.String("user", userID),
			zap.String("head", head),
			zap.Error(err))
		// Discard the working copy, answer from a clean head.
		if current, err = s.loadTree(ctx, head); err != nil {
			return nil, err
		}
	} else if current.Mutated() {
		if err := s.persist(ctx, current, nil); err != nil {
			return nil, err
		}
	}

	clientTree, err := s.loadTree(ctx, oldCommit)
	if err != nil {
		logger.Warn("client commit not loadable, answering from baseline",
			zap.String("commit", oldCommit),
			zap.Error(err))
		if clientTree, err = s.loadTree(ctx, repo.BaselineCommitID); err != nil {
			return nil, err
		}
	}

	diff, err := repo.Diff(clientTree, current, userID)
	if err != nil {
		return nil, err
	}
	doc, err := diff.Serialize()
	if err != nil {
		return nil, err
	}
	return &SyncResult{NewCommit: current.ID(), OldCommit: clientTree.ID(), Diff: doc}, nil
}

// Apply is the trusted-write variant: it applies the patch to head and,
// instead of an incremental catch-up, returns the full viewer-visible
// state as a diff from the baseline. Errors propagate; there is no
// silent-drop path.
func (s *RepoService) Apply(ctx context.Context, userID, diffDoc string) (*SyncResult, error) {
	patch, err := repo.ParsePatch(diffDoc)
	if err != nil {
		return nil, err
	}

	current, err := s.loadHead(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.applyPatch(current, userID, patch); err != nil {
		return nil, err
	}
	if current.Mutated() {
		if err := s.persist(ctx, current, nil); err != nil {
			return nil, err
		}
	}

	baseline, err := s.loadTree(ctx, repo.BaselineCommitID)
	if err != nil {
		return nil, err
	}
	diff, err := repo.Diff(baseline, current, userID)
	if err != nil {
		return nil, err
	}
	doc, err := diff.Serialize()
	if err != nil {
		return nil, err
	}
	return &SyncResult{NewCommit: current.ID(), Diff: doc}, nil
}

// applyPatch binds the user and applies the patch, leaving the tree
// dirty for the caller to persist.
func (s *RepoService) applyPatch(t *repo.Tree, userID string, patch *repo.Patch) error {
	if err := t.SetUserPermissions(userID); err != nil {
		return err
	}
	return t.ApplyPatch(patch)
}

// persist writes the tree's updates and retargets the head tag in one
// transaction, then fans out the head change.
func (s *RepoService) persist(ctx context.Context, t *repo.Tree, extra func(tx storage.Tx) error) error {
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := t.StoreUpdates(ctx, tx); err != nil {
			return err
		}
		if err := tx.WriteTag(ctx, repo.HeadTag, t.ID()); err != nil {
			return err
		}
		if extra != nil {
			return extra(tx)
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("head moved", zap.String("commit", t.ID()))
	if s.listener != nil {
		s.listener.HeadChanged(t.ID())
	}
	return nil
}

func (s *RepoService) loadHead(ctx context.Context) (*repo.Tree, error) {
	id, err := s.store.TaggedCommit(ctx, repo.HeadTag)
	if err != nil {
		return nil, err
	}
	return s.loadTree(ctx, id)
}

func (s *RepoService) loadTree(ctx context.Context, commitID string) (*repo.Tree, error) {
	t := repo.NewTree(s.schema, commitID)
	if err := t.Load(ctx, s.store); err != nil {
		return nil, err
	}
	return t, nil
}
