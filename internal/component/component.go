// Package component wires the ambient stack's concrete implementations
// from config.Config, letting cmd/agentd pick a backend per concern
// without the rest of the codebase knowing which one.
package component

import (
	"context"
	"fmt"

	"github.com/forgehq/agentrunner/internal/cache"
	"github.com/forgehq/agentrunner/internal/cache/freecache"
	"github.com/forgehq/agentrunner/internal/cache/redis"
	"github.com/forgehq/agentrunner/internal/config"
	"github.com/forgehq/agentrunner/internal/queue"
	"github.com/forgehq/agentrunner/internal/queue/jetstream"
	"github.com/forgehq/agentrunner/internal/storage"
	"github.com/forgehq/agentrunner/internal/storage/minio"
)

func GetCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	switch cfg.CacheType {
	case "redis":
		redisCfg, err := config.GetRedisConfig()
		if err != nil {
			return nil, err
		}
		return redis.NewRedisClient(ctx, redisCfg)
	case "freecache":
		fcCfg, err := config.GetFreeCacheConfig()
		if err != nil {
			return nil, err
		}
		return freecache.NewFreeCache(fcCfg.SizeBytes, fcCfg.TTL), nil
	default:
		return nil, fmt.Errorf("component: unknown cache type %q", cfg.CacheType)
	}
}

func GetQueue(cfg *config.Config) (queue.Queue, error) {
	switch cfg.QueueType {
	case "jetstream":
		natsCfg, err := config.GetNatsConfig()
		if err != nil {
			return nil, err
		}
		return jetstream.NewJetStreamClient(natsCfg)
	default:
		return nil, fmt.Errorf("component: unknown queue type %q", cfg.QueueType)
	}
}

func GetStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageType {
	case "minio":
		minioCfg, err := config.GetMinioConfig()
		if err != nil {
			return nil, err
		}
		return minio.NewMinioClient(minioCfg)
	default:
		return nil, fmt.Errorf("component: unknown storage type %q", cfg.StorageType)
	}
}
