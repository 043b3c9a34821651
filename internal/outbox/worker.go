package outbox

import (
	"context"
	"log/slog"
	"time"
)

// SavedFunc is called when the retry worker finished delivering every
// pending exchange of a local conversation.
type SavedFunc func(localKey string, conversationID int64)

// StartRetryWorker runs a background goroutine that periodically retries
// journaled exchanges until ctx is cancelled.
func (o *Outbox) StartRetryWorker(ctx context.Context, interval time.Duration, onSaved SavedFunc) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Outbox retry worker started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				o.retry(ctx, onSaved)
			case <-ctx.Done():
				slog.Info("Outbox retry worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (o *Outbox) retry(ctx context.Context, onSaved SavedFunc) {
	results, err := o.DrainAll(ctx)
	if err != nil {
		slog.Warn("Outbox retry incomplete", "error", err)
	}
	for _, res := range results {
		if res.Saved() && onSaved != nil {
			onSaved(res.LocalKey, res.ConversationID)
		}
	}
}
