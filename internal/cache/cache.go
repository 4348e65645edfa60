package cache

import (
	"context"
	"time"

	"warungpos/internal/domain"
)

// SnapshotCache holds per-store full product snapshots so terminal cold
// starts do not each re-run the products/inventory join. Delta requests
// bypass the cache.
type SnapshotCache interface {
	Get(ctx context.Context, key string) ([]domain.SyncProduct, bool, error)
	Set(ctx context.Context, key string, value []domain.SyncProduct, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopSnapshotCache struct{}

func (NoopSnapshotCache) Get(_ context.Context, _ string) ([]domain.SyncProduct, bool, error) {
	return nil, false, nil
}

func (NoopSnapshotCache) Set(_ context.Context, _ string, _ []domain.SyncProduct, _ time.Duration) error {
	return nil
}

func (NoopSnapshotCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
