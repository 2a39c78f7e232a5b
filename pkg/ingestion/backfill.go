package ingestion

import "context"

// BackfillSource yields raw message payloads for the bulk backfill path,
// with no offset tracking (spec §4.6 Backfill).
type BackfillSource interface {
	// Next returns the next payload, or ok=false when exhausted.
	Next(ctx context.Context) (payload []byte, ok bool, err error)
}

// BackfillRunner drives Processor over a BackfillSource. It relies on the
// event store's (esp, event_id, campaign_id) dedup view for idempotence,
// so a restarted or overlapping backfill run is always safe to re-run.
type BackfillRunner struct {
	processor *Processor
}

// NewBackfillRunner creates a BackfillRunner.
func NewBackfillRunner(p *Processor) *BackfillRunner {
	return &BackfillRunner{processor: p}
}

// BackfillStats summarizes a completed backfill run.
type BackfillStats struct {
	Inserted   int
	DeadLetter int
}

// Run drains source until exhaustion or ctx cancellation, processing each
// message through the same per-message pipeline as the live path. The
// backfill path has no partition/offset concept, so every message is
// attributed to a synthetic partition 0 with its ordinal position as the
// offset (used only for DLQ bookkeeping, never for resume).
func (r *BackfillRunner) Run(ctx context.Context, source BackfillSource) (BackfillStats, error) {
	var stats BackfillStats
	var ordinal int64

	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		payload, ok, err := source.Next(ctx)
		if err != nil {
			return stats, err
		}
		if !ok {
			return stats, nil
		}

		result, err := r.processor.Process(ctx, 0, ordinal, payload)
		if err != nil {
			return stats, err
		}
		switch result {
		case ResultInserted:
			stats.Inserted++
		case ResultDeadLetter:
			stats.DeadLetter++
		}
		ordinal++
	}
}
