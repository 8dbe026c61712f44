// Package deviceregistry maintains the Redis hash the tracker-ingestion
// frontends use to resolve a reporting device's hardware identity to its
// entity static id. The hash is rebuilt from the head commit after every
// head move; ingestion never reads the commit store directly.
package deviceregistry

import (
	"context"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"navifleet.io/navifleet/internal/pkg/logger"
	"navifleet.io/navifleet/internal/pkg/worker"
	"navifleet.io/navifleet/internal/repo"
	"navifleet.io/navifleet/internal/repo/schema"
)

const registryKey = "navifleet:active_devices"

// Registry is the active-device list. It implements service.HeadListener;
// refreshes run detached on the registry pool so a sync call never waits
// on Redis.
type Registry struct {
	client *redis.Client
	source repo.DataSource
	schema *schema.Schema
	pools  *worker.Pools
}

// New creates the registry. client connectivity is the caller's concern.
func New(client *redis.Client, source repo.DataSource, sc *schema.Schema, pools *worker.Pools) *Registry {
	return &Registry{client: client, source: source, schema: sc, pools: pools}
}

// HeadChanged schedules a refresh against the given commit.
func (r *Registry) HeadChanged(commitID string) {
	err := r.pools.SubmitDetached("registry", func(ctx context.Context) {
		if err := r.Refresh(ctx, commitID); err != nil {
			logger.Error("device registry refresh failed",
				zap.String("commit", commitID),
				zap.Error(err))
		}
	})
	if err != nil {
		logger.Error("device registry refresh not scheduled", zap.Error(err))
	}
}

// Refresh rewrites the registry hash from the commit's device nodes.
// Devices without a hardware identity are left out; stale entries vanish
// because the key is replaced, not merged.
func (r *Registry) Refresh(ctx context.Context, commitID string) error {
	tree := repo.NewTree(r.schema, commitID)
	if err := tree.Load(ctx, r.source); err != nil {
		return err
	}

	entries := make(map[string]interface{})
	for _, dev := range tree.Index(schema.KindDevice).All() {
		if ident, ok := dev.Field("deviceident"); ok && ident != "" {
			entries[ident] = dev.StaticID()
		}
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, registryKey)
	if len(entries) > 0 {
		pipe.HSet(ctx, registryKey, entries)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	logger.Debug("device registry refreshed",
		zap.String("commit", commitID),
		zap.Int("devices", len(entries)))
	return nil
}

// Resolve maps a hardware identity to a device static id. A miss returns
// redis.Nil.
func (r *Registry) Resolve(ctx context.Context, deviceIdent string) (string, error) {
	return r.client.HGet(ctx, registryKey, deviceIdent).Result()
}
