package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	apperrors "navifleet.io/navifleet/internal/pkg/errors"
	"navifleet.io/navifleet/internal/pkg/logger"
	"navifleet.io/navifleet/internal/repo"
)

// PostgresStore implements Store on a shared pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema. Idempotent; meant for dev/test bootstrap,
// production deployments run the same DDL through their migration tool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS repo_commits (
			id         TEXT PRIMARY KEY,
			parent_id  TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS repo_nodes (
			commit_id TEXT NOT NULL REFERENCES repo_commits(id) ON DELETE CASCADE,
			static_id TEXT NOT NULL,
			kind      TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			fields    JSONB NOT NULL DEFAULT '{}',
			deleted   BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (commit_id, static_id)
		)`,
		`CREATE TABLE IF NOT EXISTS repo_tags (
			tag       TEXT PRIMARY KEY,
			commit_id TEXT NOT NULL REFERENCES repo_commits(id)
		)`,
		`CREATE TABLE IF NOT EXISTS repo_user_credentials (
			user_static_id TEXT PRIMARY KEY,
			pwd_hash       TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS license_tokens (
			license_static_id TEXT PRIMARY KEY,
			computerid_token  TEXT NOT NULL UNIQUE
		)`,
	}
	for _, stmt := range ddl {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	logger.Debug("storage schema ensured")
	return nil
}

// TaggedCommit resolves a tag to a commit id. A missing head tag resolves
// to the baseline so a fresh database is immediately syncable.
func (s *PostgresStore) TaggedCommit(ctx context.Context, tag string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT commit_id FROM repo_tags WHERE tag = $1`, tag).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		if tag == repo.HeadTag {
			return repo.BaselineCommitID, nil
		}
		return "", apperrors.NotFound("tag", tag)
	}
	if err != nil {
		return "", fmt.Errorf("tagged commit %q: %w", tag, err)
	}
	return id, nil
}

// LoadCommit resolves the full node set of a commit by walking its
// ancestry newest-first and keeping the first row seen per static id.
// Tombstones hide every older version of their static id.
func (s *PostgresStore) LoadCommit(ctx context.Context, commitID string) ([]repo.NodeRecord, error) {
	chain, err := s.ancestry(ctx, commitID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []repo.NodeRecord
	for _, cid := range chain {
		rows, err := s.pool.Query(ctx,
			`SELECT static_id, kind, parent_id, fields, deleted
			 FROM repo_nodes WHERE commit_id = $1`, cid)
		if err != nil {
			return nil, fmt.Errorf("load commit %q: %w", cid, err)
		}
		for rows.Next() {
			var rec repo.NodeRecord
			if err := rows.Scan(&rec.StaticID, &rec.Kind, &rec.ParentID, &rec.Fields, &rec.Deleted); err != nil {
				rows.Close()
				return nil, fmt.Errorf("load commit %q: %w", cid, err)
			}
			if _, dup := seen[rec.StaticID]; dup {
				continue
			}
			seen[rec.StaticID] = struct{}{}
			if !rec.Deleted {
				out = append(out, rec)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("load commit %q: %w", cid, err)
		}
	}
	return out, nil
}

// ancestry returns commitID followed by its parents up to the baseline.
// The baseline itself needs no row; any other unknown id is a not-found
// condition.
func (s *PostgresStore) ancestry(ctx context.Context, commitID string) ([]string, error) {
	var chain []string
	for id := commitID; id != "" && id != repo.BaselineCommitID; {
		var parent string
		err := s.pool.QueryRow(ctx,
			`SELECT parent_id FROM repo_commits WHERE id = $1`, id).Scan(&parent)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("commit", id)
		}
		if err != nil {
			return nil, fmt.Errorf("ancestry of %q: %w", commitID, err)
		}
		chain = append(chain, id)
		id = parent
	}
	return chain, nil
}

func (s *PostgresStore) CredentialHash(ctx context.Context, userStaticID string) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		`SELECT pwd_hash FROM repo_user_credentials WHERE user_static_id = $1`,
		userStaticID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperrors.NotFound("credentials", userStaticID)
	}
	if err != nil {
		return "", fmt.Errorf("credential hash: %w", err)
	}
	return hash, nil
}

func (s *PostgresStore) FindLicenseByToken(ctx context.Context, token string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT license_static_id FROM license_tokens WHERE computerid_token = $1`,
		token).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperrors.NotFound("license token", token)
	}
	if err != nil {
		return "", fmt.Errorf("find license by token: %w", err)
	}
	return id, nil
}

// WithTx brackets fn in one transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	if err := fn(&postgresTx{tx: pgtx}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// PruneCommits removes aged commits no tag can reach. Tagged ancestry is
// always kept whole; node rows go with their commit via the FK cascade.
func (s *PostgresStore) PruneCommits(ctx context.Context, keep time.Duration) (int64, error) {
	res, err := s.pool.Exec(ctx, `
		WITH RECURSIVE live(id) AS (
			SELECT commit_id FROM repo_tags
			UNION
			SELECT c.parent_id FROM repo_commits c
			JOIN live ON c.id = live.id
			WHERE c.parent_id <> ''
		)
		DELETE FROM repo_commits
		WHERE id NOT IN (SELECT id FROM live)
		  AND created_at < now() - make_interval(secs => $1)`,
		keep.Seconds())
	if err != nil {
		return 0, fmt.Errorf("prune commits: %w", err)
	}
	n := res.RowsAffected()
	if n > 0 {
		logger.Info("pruned unreachable commits", zap.Int64("count", n))
	}
	return n, nil
}

// postgresTx implements Tx over one pgx transaction.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) WriteCommit(ctx context.Context, id, parentID string) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO repo_commits (id, parent_id) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING`, id, parentID)
	if err != nil {
		return fmt.Errorf("write commit %q: %w", id, err)
	}
	return nil
}

func (t *postgresTx) WriteNode(ctx context.Context, commitID string, rec repo.NodeRecord) error {
	fields := rec.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO repo_nodes (commit_id, static_id, kind, parent_id, fields, deleted)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (commit_id, static_id) DO UPDATE
		 SET kind = EXCLUDED.kind, parent_id = EXCLUDED.parent_id,
		     fields = EXCLUDED.fields, deleted = EXCLUDED.deleted`,
		commitID, rec.StaticID, rec.Kind, rec.ParentID, fields, rec.Deleted)
	if err != nil {
		return fmt.Errorf("write node %q: %w", rec.StaticID, err)
	}
	return nil
}

func (t *postgresTx) WriteTag(ctx context.Context, tag, commitID string) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO repo_tags (tag, commit_id) VALUES ($1, $2)
		 ON CONFLICT (tag) DO UPDATE SET commit_id = EXCLUDED.commit_id`,
		tag, commitID)
	if err != nil {
		return fmt.Errorf("write tag %q: %w", tag, err)
	}
	return nil
}

func (t *postgresTx) UpsertCredentials(ctx context.Context, userStaticID, hash string) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO repo_user_credentials (user_static_id, pwd_hash) VALUES ($1, $2)
		 ON CONFLICT (user_static_id) DO UPDATE SET pwd_hash = EXCLUDED.pwd_hash`,
		userStaticID, hash)
	if err != nil {
		return fmt.Errorf("upsert credentials for %q: %w", userStaticID, err)
	}
	return nil
}

func (t *postgresTx) UpsertLicenseToken(ctx context.Context, licenseStaticID, token string) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO license_tokens (license_static_id, computerid_token) VALUES ($1, $2)
		 ON CONFLICT (license_static_id) DO UPDATE SET computerid_token = EXCLUDED.computerid_token`,
		licenseStaticID, token)
	if err != nil {
		return fmt.Errorf("upsert license token for %q: %w", licenseStaticID, err)
	}
	return nil
}
