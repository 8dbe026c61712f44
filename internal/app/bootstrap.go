// Package app is the composition root: manual dependency wiring, route
// setup and process lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/riverqueue/river"

	"navifleet.io/navifleet/internal/api/handlers"
	"navifleet.io/navifleet/internal/api/middleware"
	"navifleet.io/navifleet/internal/config"
	"navifleet.io/navifleet/internal/deviceregistry"
	"navifleet.io/navifleet/internal/infrastructure"
	"navifleet.io/navifleet/internal/jobs"
	"navifleet.io/navifleet/internal/pkg/worker"
	"navifleet.io/navifleet/internal/repo"
	"navifleet.io/navifleet/internal/repo/schema"
	"navifleet.io/navifleet/internal/service"
	"navifleet.io/navifleet/internal/storage"
)

// Application holds composed application dependencies.
type Application struct {
	Config   *config.Config
	Router   *gin.Engine
	DB       *infrastructure.DatabaseClients
	Pools    *worker.Pools
	Redis    *redis.Client
	Registry *deviceregistry.Registry
	Service  *service.RepoService
}

// Bootstrap initializes all dependencies using manual DI. The startup
// sequence seeds the root tenant on an empty store and repairs the root
// permission invariant before the server accepts traffic.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	store := storage.NewPostgresStore(db.Pool)

	sc := schema.Default()
	if cfg.Repo.SchemaFile != "" {
		if sc, err = schema.LoadFile(cfg.Repo.SchemaFile); err != nil {
			db.Close()
			return nil, fmt.Errorf("load schema %s: %w", cfg.Repo.SchemaFile, err)
		}
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize:  cfg.Worker.GeneralPoolSize,
		RegistryPoolSize: cfg.Worker.RegistryPoolSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	// An empty Redis addr disables the active-device registry.
	var (
		redisClient *redis.Client
		registry    *deviceregistry.Registry
		listener    service.HeadListener
	)
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		registry = deviceregistry.New(redisClient, store, sc, pools)
		listener = registry
	}

	svc := service.NewRepoService(store, sc, listener)
	if err := svc.SeedRootTenant(ctx, cfg.Security.RootPassword); err != nil {
		pools.Shutdown()
		db.Close()
		return nil, fmt.Errorf("seed root tenant: %w", err)
	}
	if err := svc.EnsureRootPermission(ctx); err != nil {
		pools.Shutdown()
		db.Close()
		return nil, fmt.Errorf("root permission repair: %w", err)
	}
	if registry != nil {
		if head, err := store.TaggedCommit(ctx, repo.HeadTag); err == nil {
			registry.HeadChanged(head)
		}
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewCommitPruneWorker(store, cfg.Repo.CommitRetention))
	if err := db.InitRiverClient(workers, cfg.River); err != nil {
		pools.Shutdown()
		db.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}
	db.RiverClient.PeriodicJobs().Add(
		river.NewPeriodicJob(
			river.PeriodicInterval(24*time.Hour),
			func() (river.JobArgs, *river.InsertOpts) {
				return jobs.CommitPruneArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	)

	server := handlers.NewServer(handlers.ServerDeps{
		Service:  svc,
		Registry: registry,
		JWTCfg: middleware.JWTConfig{
			SigningKey: []byte(cfg.Security.JWTSecret),
			Issuer:     cfg.Security.TokenIssuer,
			ExpiresIn:  cfg.Security.TokenLifetime,
		},
	})

	return &Application{
		Config:   cfg,
		Router:   newRouter(cfg, server),
		DB:       db,
		Pools:    pools,
		Redis:    redisClient,
		Registry: registry,
		Service:  svc,
	}, nil
}
