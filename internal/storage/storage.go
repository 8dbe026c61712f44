// Package storage persists the commit graph. Commits are append-only;
// the only mutable rows are tags, user credentials and license tokens.
package storage

import (
	"context"
	"time"

	"navifleet.io/navifleet/internal/repo"
)

// Store is the persistence boundary of the repository engine. Reads run
// outside transactions; every write path goes through WithTx so node
// rows, tag moves and credential changes of one call land atomically.
type Store interface {
	repo.DataSource

	// CredentialHash returns the stored password hash for a user, or a
	// NotFound condition when the user has no credentials.
	CredentialHash(ctx context.Context, userStaticID string) (string, error)

	// FindLicenseByToken resolves a computer-id token to the license it
	// was registered under, or a NotFound condition.
	FindLicenseByToken(ctx context.Context, token string) (string, error)

	// WithTx runs fn inside one transaction. The transaction commits
	// when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// PruneCommits deletes commits older than keep that are unreachable
	// from every tag, returning the number of commits removed.
	PruneCommits(ctx context.Context, keep time.Duration) (int64, error)
}

// Tx is the write surface of one transaction.
type Tx interface {
	repo.Collector

	// UpsertCredentials stores the password hash for a user.
	UpsertCredentials(ctx context.Context, userStaticID, hash string) error

	// UpsertLicenseToken stores the computer-id token for a license.
	UpsertLicenseToken(ctx context.Context, licenseStaticID, token string) error
}
