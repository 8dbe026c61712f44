// Package testutil holds test doubles shared across packages.
package testutil

import (
	"context"
	"sync"
	"time"

	apperrors "navifleet.io/navifleet/internal/pkg/errors"
	"navifleet.io/navifleet/internal/repo"
	"navifleet.io/navifleet/internal/storage"
)

// MemStore is an in-memory storage.Store with the same resolution
// semantics as the postgres store: ancestry walk, tombstone hiding, a
// missing head tag resolving to the baseline. Transactions buffer their
// writes and apply them atomically when the callback succeeds.
type MemStore struct {
	mu       sync.Mutex
	parents  map[string]string
	nodes    map[string][]repo.NodeRecord
	tags     map[string]string
	creds    map[string]string
	tokens   map[string]string // license static id -> token
	FailNext error             // next WithTx fails with this error
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		parents: make(map[string]string),
		nodes:   make(map[string][]repo.NodeRecord),
		tags:    make(map[string]string),
		creds:   make(map[string]string),
		tokens:  make(map[string]string),
	}
}

func (s *MemStore) TaggedCommit(_ context.Context, tag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.tags[tag]; ok {
		return id, nil
	}
	if tag == repo.HeadTag {
		return repo.BaselineCommitID, nil
	}
	return "", apperrors.NotFound("tag", tag)
}

func (s *MemStore) LoadCommit(_ context.Context, commitID string) ([]repo.NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var chain []string
	for id := commitID; id != "" && id != repo.BaselineCommitID; {
		parent, ok := s.parents[id]
		if !ok {
			return nil, apperrors.NotFound("commit", id)
		}
		chain = append(chain, id)
		id = parent
	}

	seen := make(map[string]struct{})
	var out []repo.NodeRecord
	for _, cid := range chain {
		for _, rec := range s.nodes[cid] {
			if _, dup := seen[rec.StaticID]; dup {
				continue
			}
			seen[rec.StaticID] = struct{}{}
			if !rec.Deleted {
				out = append(out, copyRecord(rec))
			}
		}
	}
	return out, nil
}

func (s *MemStore) CredentialHash(_ context.Context, userStaticID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.creds[userStaticID]
	if !ok {
		return "", apperrors.NotFound("credentials", userStaticID)
	}
	return hash, nil
}

func (s *MemStore) FindLicenseByToken(_ context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for lic, tok := range s.tokens {
		if tok == token {
			return lic, nil
		}
	}
	return "", apperrors.NotFound("license token", token)
}

func (s *MemStore) WithTx(_ context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	if err := s.FailNext; err != nil {
		s.FailNext = nil
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	tx := &memTx{store: s, nodes: make(map[string][]repo.NodeRecord)}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, parent := range tx.parents() {
		s.parents[id] = parent
	}
	for cid, recs := range tx.nodes {
		s.nodes[cid] = append(s.nodes[cid], recs...)
	}
	for tag, cid := range tx.tags() {
		s.tags[tag] = cid
	}
	for uid, hash := range tx.creds() {
		s.creds[uid] = hash
	}
	for lic, tok := range tx.tokens() {
		s.tokens[lic] = tok
	}
	return nil
}

func (s *MemStore) PruneCommits(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

// HeadCommit returns the current head tag target for assertions.
func (s *MemStore) HeadCommit() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.tags[repo.HeadTag]; ok {
		return id
	}
	return repo.BaselineCommitID
}

// Credential returns the stored hash for assertions, "" when absent.
func (s *MemStore) Credential(userStaticID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds[userStaticID]
}

// LicenseToken returns the stored token for assertions, "" when absent.
func (s *MemStore) LicenseToken(licenseStaticID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[licenseStaticID]
}

// CommitCount returns the number of stored commits.
func (s *MemStore) CommitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parents)
}

type memTx struct {
	store     *MemStore
	mu        sync.Mutex
	parentMap map[string]string
	nodes     map[string][]repo.NodeRecord
	tagMap    map[string]string
	credMap   map[string]string
	tokenMap  map[string]string
}

func (t *memTx) WriteCommit(_ context.Context, id, parentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.parentMap == nil {
		t.parentMap = make(map[string]string)
	}
	t.parentMap[id] = parentID
	return nil
}

func (t *memTx) WriteNode(_ context.Context, commitID string, rec repo.NodeRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[commitID] = append(t.nodes[commitID], copyRecord(rec))
	return nil
}

func (t *memTx) WriteTag(_ context.Context, tag, commitID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tagMap == nil {
		t.tagMap = make(map[string]string)
	}
	t.tagMap[tag] = commitID
	return nil
}

func (t *memTx) UpsertCredentials(_ context.Context, userStaticID, hash string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.credMap == nil {
		t.credMap = make(map[string]string)
	}
	t.credMap[userStaticID] = hash
	return nil
}

func (t *memTx) UpsertLicenseToken(_ context.Context, licenseStaticID, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tokenMap == nil {
		t.tokenMap = make(map[string]string)
	}
	t.tokenMap[licenseStaticID] = token
	return nil
}

func (t *memTx) parents() map[string]string { return t.parentMap }
func (t *memTx) tags() map[string]string    { return t.tagMap }
func (t *memTx) creds() map[string]string   { return t.credMap }
func (t *memTx) tokens() map[string]string  { return t.tokenMap }

func copyRecord(rec repo.NodeRecord) repo.NodeRecord {
	out := rec
	if rec.Fields != nil {
		out.Fields = make(map[string]string, len(rec.Fields))
		for k, v := range rec.Fields {
			out.Fields[k] = v
		}
	}
	return out
}
