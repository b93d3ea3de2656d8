package deadletter

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pruner deletes journal entries older than the retention period
type Pruner struct {
	store     *Store
	logger    *zap.Logger
	interval  time.Duration
	retention time.Duration
}

// NewPruner creates a pruner. A zero retention keeps entries forever.
func NewPruner(store *Store, retention time.Duration, logger *zap.Logger) *Pruner {
	return &Pruner{
		store:     store,
		logger:    logger,
		interval:  time.Minute,
		retention: retention,
	}
}

// Run prunes on every tick until ctx is cancelled
func (p *Pruner) Run(ctx context.Context) error {
	if p.retention <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Prune(ctx); err != nil {
				p.logger.Error("failed to prune dead letters", zap.Error(err))
				// Retried on the next tick
			}
		}
	}
}

// Prune deletes expired entries once
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	cutoff := p.store.now().Add(-p.retention)
	n, err := p.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info("pruned dead letters",
			zap.Int64("deleted", n),
			zap.Time("cutoff", cutoff),
		)
	}
	return n, nil
}
