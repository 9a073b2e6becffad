package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/bizdash-realtime/internal/observability"
)

// DefaultRetentionInterval is how often the offline queue is pruned.
const DefaultRetentionInterval = time.Hour

// QueueCleaner deletes queue records older than a number of days.
type QueueCleaner interface {
	ClearOld(ctx context.Context, daysOld int) int64
}

// QueueRetention prunes the offline notification queue on a fixed cadence.
type QueueRetention struct {
	cleaner  QueueCleaner
	days     int
	interval time.Duration
	logger   zerolog.Logger
}

// NewQueueRetention creates a retention job. days <= 0 disables pruning.
func NewQueueRetention(cleaner QueueCleaner, days int, interval time.Duration, logger zerolog.Logger) *QueueRetention {
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}
	return &QueueRetention{
		cleaner:  cleaner,
		days:     days,
		interval: interval,
		logger:   logger.With().Str("component", "queue_retention").Logger(),
	}
}

// PruneOnce removes expired records and returns how many were deleted.
func (r *QueueRetention) PruneOnce(ctx context.Context) int64 {
	if r.cleaner == nil || r.days <= 0 {
		return 0
	}
	removed := r.cleaner.ClearOld(ctx, r.days)
	if removed > 0 {
		observability.QueueOperations().WithLabelValues("retention", "ok").Inc()
		r.logger.Info().Int64("removed", removed).Int("days", r.days).Msg("pruned notification queue")
	}
	return removed
}

// Run prunes immediately and then every interval until ctx is done.
func (r *QueueRetention) Run(ctx context.Context) {
	if r.cleaner == nil || r.days <= 0 {
		return
	}
	r.PruneOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.PruneOnce(ctx)
		}
	}
}
