package application

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"scada-core/internal/cluster"
	"scada-core/internal/logging"
)

// FlagRuleParentIDsResolved marks that startup resolution already ran
// somewhere in the cluster.
const FlagRuleParentIDsResolved = "rule.parent_ids.resolved"

const (
	DefaultBatchSize = 500
	DefaultPoolSize  = 4
	DefaultMaxWait   = 5 * time.Minute
)

// StartupReport summarizes one startup resolution run.
type StartupReport struct {
	Skipped   bool
	Abandoned bool
	Resolved  int
	Failed    int
}

// StartupResolver resolves every unresolved rule tag once at startup on a
// bounded worker pool.
type StartupResolver struct {
	resolver  *DependencyResolver
	locker    cluster.Locker
	flags     cluster.FlagStore
	batchSize int
	poolSize  int
	maxWait   time.Duration
	logger    zerolog.Logger
}

// StartupOption customizes the startup resolver.
type StartupOption func(*StartupResolver)

// WithBatchSize sets how many rule keys one task handles.
func WithBatchSize(n int) StartupOption {
	return func(s *StartupResolver) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithPoolSize sets the number of concurrent tasks.
func WithPoolSize(n int) StartupOption {
	return func(s *StartupResolver) {
		if n > 0 {
			s.poolSize = n
		}
	}
}

// WithMaxWait bounds how long Run waits for the pool.
func WithMaxWait(d time.Duration) StartupOption {
	return func(s *StartupResolver) {
		if d > 0 {
			s.maxWait = d
		}
	}
}

// WithCluster coordinates the run through a cluster lock and flag store.
func WithCluster(locker cluster.Locker, flags cluster.FlagStore) StartupOption {
	return func(s *StartupResolver) {
		s.locker = locker
		s.flags = flags
	}
}

// NewStartupResolver constructs a startup resolver.
func NewStartupResolver(resolver *DependencyResolver, opts ...StartupOption) (*StartupResolver, error) {
	if resolver == nil {
		return nil, errors.New("tags: nil resolver")
	}
	s := &StartupResolver{
		resolver:  resolver,
		locker:    cluster.NewMemoryLock(),
		flags:     cluster.NewMemoryFlags(),
		batchSize: DefaultBatchSize,
		poolSize:  DefaultPoolSize,
		maxWait:   DefaultMaxWait,
		logger:    logging.With("rule_startup_resolver"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run resolves all rule tags unless another node already did. The flag is
// only set when every rule resolved.
func (s *StartupResolver) Run(ctx context.Context) (StartupReport, error) {
	var report StartupReport
	err := s.locker.WithLock(ctx, FlagRuleParentIDsResolved, func(ctx context.Context) error {
		done, err := s.flags.IsSet(ctx, FlagRuleParentIDsResolved)
		if err != nil {
			return err
		}
		if done {
			report.Skipped = true
			s.logger.Info().Msg("rule parent ids already resolved in cluster")
			return nil
		}
		report = s.resolveAll(ctx)
		if report.Abandoned || report.Failed > 0 {
			return nil
		}
		return s.flags.Set(ctx, FlagRuleParentIDsResolved)
	})
	return report, err
}

func (s *StartupResolver) resolveAll(ctx context.Context) StartupReport {
	keys := s.resolver.rules.GetKeys()
	start := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var resolved, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.poolSize)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for lo := 0; lo < len(keys); lo += s.batchSize {
			if runCtx.Err() != nil {
				break
			}
			batch := keys[lo:min(lo+s.batchSize, len(keys))]
			g.Go(func() error {
				for _, id := range batch {
					if runCtx.Err() != nil {
						return nil
					}
					if _, err := s.resolver.Resolve(runCtx, id); err != nil {
						failed.Add(1)
						continue
					}
					resolved.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	timer := time.NewTimer(s.maxWait)
	defer timer.Stop()

	report := StartupReport{}
	select {
	case <-finished:
	case <-timer.C:
		report.Abandoned = true
		cancel()
		s.logger.Warn().Dur("max_wait", s.maxWait).Msg("rule parent resolution did not finish in time, remaining rules left unresolved")
	case <-ctx.Done():
		report.Abandoned = true
	}
	report.Resolved = int(resolved.Load())
	report.Failed = int(failed.Load())
	s.logger.Info().
		Int("rules", len(keys)).
		Int("resolved", report.Resolved).
		Int("failed", report.Failed).
		Dur("took", time.Since(start)).
		Msg("rule parent resolution finished")
	return report
}
