package storage

import (
	"context"
	"fmt"

	"github.com/exnus/points-miner/internal/config"
)

// Open builds the store selected by cfg.Backend
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	var (
		store Store
		err   error
	)

	switch cfg.Backend {
	case config.BackendMemory, "":
		return NewMemoryStore(), nil
	case config.BackendFile:
		var s *FileStore
		if s, err = NewFileStore(cfg.File); err == nil {
			store = s
		}
	case config.BackendRedis:
		var s *RedisStore
		if s, err = NewRedisStore(ctx, cfg.Redis); err == nil {
			store = s
		}
	case config.BackendGorm:
		var s *GormStore
		if s, err = NewGormStore(cfg.Gorm); err == nil {
			store = s
		}
	case config.BackendSQL:
		var s *SQLStore
		if s, err = NewSQLStore(ctx, cfg.SQL); err == nil {
			store = s
		}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	return store, nil
}
