package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DeadLetterBackoffBase is the base delay for dead-letter retry backoff
// (base * 2^retry_count, spec §3).
const DeadLetterBackoffBase = 30 * time.Second

// DeadLetterBackoffMax caps how far a single retry can be pushed out.
const DeadLetterBackoffMax = 30 * time.Minute

// RetryDeadLetters replays every pending dead-letter entry whose
// next_retry_at has elapsed. On success the entry is marked resolved; on
// failure its retry_count and next_retry_at advance with exponential
// backoff until MaxDeadLetterRetry is reached, at which point it is marked
// exhausted (spec §4.6: "a periodic task selects entries with status=pending
// and next_retry_at <= now, replays the original request, and on repeated
// failure updates retry_count and either schedules the next attempt or
// marks exhausted").
func (h *Handler) RetryDeadLetters(ctx context.Context) (int, error) {
	if h.deadLetters == nil {
		return 0, nil
	}

	due, err := h.deadLetters.Due(ctx, h.now())
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, entry := range due {
		h.replayDeadLetter(ctx, entry)
		replayed++
	}
	return replayed, nil
}

func (h *Handler) replayDeadLetter(ctx context.Context, entry DeadLetterEntry) {
	_, err := h.process(ctx, entry.ID, entry.OriginalRequest, h.now())
	if err == nil {
		entry.Status = DeadLetterResolved
		if uerr := h.deadLetters.Update(ctx, entry); uerr != nil {
			h.logger.Warn("failed to mark dead letter resolved", zap.Error(uerr), zap.String("id", entry.ID))
		}
		return
	}

	entry.RetryCount++
	entry.Error = err.Error()
	if entry.RetryCount >= h.cfg.MaxDeadLetterRetry {
		entry.Status = DeadLetterExhausted
	} else {
		entry.Status = DeadLetterPending
		entry.NextRetryAt = h.now().Add(deadLetterBackoff(entry.RetryCount))
	}
	if uerr := h.deadLetters.Update(ctx, entry); uerr != nil {
		h.logger.Warn("failed to update dead letter after retry", zap.Error(uerr), zap.String("id", entry.ID))
	}
}

func deadLetterBackoff(retryCount int) time.Duration {
	d := DeadLetterBackoffBase << retryCount
	if d > DeadLetterBackoffMax || d <= 0 {
		return DeadLetterBackoffMax
	}
	return d
}
