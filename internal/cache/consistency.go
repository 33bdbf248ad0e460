package cache

import (
	"context"

	"github.com/rs/zerolog"

	"scada-core/internal/observability/metrics"
)

// Counted is implemented by every cache taking part in the startup check.
type Counted interface {
	Name() string
	Size() int
	StoreCount(ctx context.Context) (int, error)
}

// ConsistencyResult is one row of the startup consistency check.
type ConsistencyResult struct {
	Cache       string
	MemoryCount int
	StoreCount  int
	Err         error
}

// Consistent reports whether memory and store agree.
func (r ConsistencyResult) Consistent() bool {
	return r.Err == nil && r.MemoryCount == r.StoreCount
}

// CheckConsistency compares in-memory and store counts per cache. Mismatches
// are logged and counted; nothing is repaired.
func CheckConsistency(ctx context.Context, logger zerolog.Logger, caches ...Counted) []ConsistencyResult {
	results := make([]ConsistencyResult, 0, len(caches))
	for _, c := range caches {
		res := ConsistencyResult{Cache: c.Name(), MemoryCount: c.Size()}
		res.StoreCount, res.Err = c.StoreCount(ctx)
		switch {
		case res.Err != nil:
			logger.Error().Err(res.Err).Str("cache", res.Cache).Msg("consistency check: store count failed")
		case !res.Consistent():
			metrics.IncConsistencyMismatch(res.Cache)
			logger.Error().
				Str("cache", res.Cache).
				Int("memory", res.MemoryCount).
				Int("store", res.StoreCount).
				Msg("consistency check: cache size differs from store")
		default:
			logger.Info().Str("cache", res.Cache).Int("size", res.MemoryCount).Msg("consistency check ok")
		}
		results = append(results, res)
	}
	return results
}
