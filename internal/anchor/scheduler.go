package anchor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/carbon-dna/ledger/internal/ledger"
)

// Config holds anchor scheduler configuration.
type Config struct {
	Interval time.Duration // how often to sweep partitions
	Timeout  time.Duration // per-sweep deadline
}

// Anchorer is the ledger surface the scheduler needs, satisfied by any
// ledger.Ledger implementation.
type Anchorer interface {
	Partitions(ctx context.Context) ([]string, error)
	AnchorPeriod(ctx context.Context, partition, period string) (*ledger.Anchor, error)
}

// MetricsRecordFunc is an optional callback for recording written anchors.
type MetricsRecordFunc func()

// Scheduler periodically closes the previous UTC calendar day of every
// partition under a Merkle anchor. Anchoring is idempotent, so overlapping
// runs and restarts are harmless.
type Scheduler struct {
	anchorer  Anchorer
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	now func() time.Time
}

// New creates a Scheduler.
func New(anchorer Anchorer, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Minute
	}
	return &Scheduler{
		anchorer: anchorer,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetMetricsRecord configures the metrics callback.
func (s *Scheduler) SetMetricsRecord(fn MetricsRecordFunc) {
	s.onMetrics = fn
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweep anchors yesterday's period for every partition. The current day is
// left open: its records are still arriving.
func (s *Scheduler) sweep(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.Timeout)
	defer cancel()

	period := ledger.PeriodOf(s.now().UTC().AddDate(0, 0, -1))

	partitions, err := s.anchorer.Partitions(ctx)
	if err != nil {
		s.logger.Error("anchor sweep: list partitions", zap.Error(err))
		return
	}

	for _, partition := range partitions {
		a, err := s.anchorer.AnchorPeriod(ctx, partition, period)
		switch {
		case err == nil:
			s.logger.Info("period anchored",
				zap.String("partition", partition),
				zap.String("period", period),
				zap.Int("record_count", a.RecordCount),
			)
			if s.onMetrics != nil {
				s.onMetrics()
			}
		case errors.Is(err, ledger.ErrEmptyPeriod):
			s.logger.Debug("no records to anchor",
				zap.String("partition", partition),
				zap.String("period", period),
			)
		case errors.Is(err, ledger.ErrAnchorClosed):
			// The stored anchor no longer matches the period's records.
			s.logger.Error("anchored period diverged from stored records",
				zap.String("partition", partition),
				zap.String("period", period),
			)
		default:
			s.logger.Error("anchor sweep",
				zap.String("partition", partition),
				zap.String("period", period),
				zap.Error(err),
			)
		}
	}
}
