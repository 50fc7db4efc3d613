package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pruner periodically removes journal records older than a retention window.
type Pruner struct {
	journal   *Journal
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewPruner creates a pruner. The interval string is parsed with
// time.ParseDuration (e.g. "1h", "30m").
func NewPruner(j *Journal, interval string, retention time.Duration, logger *slog.Logger) (*Pruner, error) {
	d, err := time.ParseDuration(interval)
	if err != nil {
		return nil, fmt.Errorf("invalid prune interval %q: %w (use Go duration format: 1h, 30m, etc.)", interval, err)
	}
	if d < 1*time.Minute {
		return nil, fmt.Errorf("prune interval must be at least 1m, got %s", d)
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	return &Pruner{
		journal:   j,
		interval:  d,
		retention: retention,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start prunes once, then on every tick until Stop is called or ctx ends.
func (p *Pruner) Start(ctx context.Context) {
	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.logger.Info("journal pruner started", "interval", p.interval.String(), "retention", p.retention.String())
		p.pruneOnce(ctx)

		for {
			select {
			case <-ticker.C:
				p.pruneOnce(ctx)
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the pruner and waits for it to finish.
func (p *Pruner) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Pruner) pruneOnce(ctx context.Context) {
	n, err := p.journal.Prune(ctx, time.Now().Add(-p.retention))
	if err != nil {
		p.logger.Error("journal prune failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("pruned journal", "removed", n)
	}
}
