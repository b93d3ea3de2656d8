package chaos

import (
	"context"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Chaos provides seeded failure injection for broker operations
type Chaos struct {
	cfg    *Config
	logger *zap.Logger
	rng    *rand.Rand
	mu     sync.Mutex
	start  time.Time

	drops  int64
	delays int64
}

// New creates a new Chaos instance
func New(cfg *Config, logger *zap.Logger) *Chaos {
	c := &Chaos{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		start:  time.Now(),
	}

	// Apply profile if set
	if cfg.Profile != "" {
		dropPct, delayMin, delayMax, err := ParseProfile(cfg.Profile)
		if err != nil {
			logger.Warn("failed to parse chaos profile", zap.Error(err))
		} else {
			if dropPct > 0 {
				cfg.DropPct = dropPct
			}
			if delayMin > 0 || delayMax > 0 {
				cfg.DelayMsMin = delayMin
				cfg.DelayMsMax = delayMax
			}
		}
	}

	return c
}

// EnabledFor checks if chaos applies to an operation on a queue
func (c *Chaos) EnabledFor(queue, op string) bool {
	if !c.cfg.Enabled {
		return false
	}

	// Check if window expired
	if c.cfg.WindowMs > 0 {
		elapsed := time.Since(c.start).Milliseconds()
		if elapsed > int64(c.cfg.WindowMs) {
			return false
		}
	}

	// If a target queue is set, only apply to that queue
	if c.cfg.TargetQueue != "" && c.cfg.TargetQueue != queue {
		return false
	}

	// An empty op list covers every operation
	if len(c.cfg.Ops) > 0 && !slices.Contains(c.cfg.Ops, op) {
		return false
	}

	return true
}

// MaybeDelay injects a random delay if chaos is enabled
func (c *Chaos) MaybeDelay(ctx context.Context, queue, op string) error {
	if !c.EnabledFor(queue, op) {
		return nil
	}

	if c.cfg.DelayMsMin == 0 && c.cfg.DelayMsMax == 0 {
		return nil
	}

	c.mu.Lock()
	var delayMs int
	if c.cfg.DelayMsMin == c.cfg.DelayMsMax {
		delayMs = c.cfg.DelayMsMin
	} else {
		delayMs = c.cfg.DelayMsMin + c.rng.Intn(c.cfg.DelayMsMax-c.cfg.DelayMsMin+1)
	}
	c.mu.Unlock()

	if delayMs > 0 {
		atomic.AddInt64(&c.delays, 1)
		c.logger.Debug("chaos delay injected",
			zap.String("queue", queue),
			zap.String("op", op),
			zap.Int("delay_ms", delayMs),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
			return nil
		}
	}

	return nil
}

// MaybeDrop returns true if the request should be dropped
func (c *Chaos) MaybeDrop(queue, op string) bool {
	if !c.EnabledFor(queue, op) {
		return false
	}

	if c.cfg.DropPct == 0 {
		return false
	}

	c.mu.Lock()
	drop := c.rng.Intn(100) < c.cfg.DropPct
	c.mu.Unlock()

	if drop {
		atomic.AddInt64(&c.drops, 1)
		c.logger.Info("chaos drop injected",
			zap.String("queue", queue),
			zap.String("op", op),
			zap.Bool("dropped", true),
		)
	}

	return drop
}

// Stats returns the number of injected drops and delays
func (c *Chaos) Stats() (drops, delays int64) {
	return atomic.LoadInt64(&c.drops), atomic.LoadInt64(&c.delays)
}
