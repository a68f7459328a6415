package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/ent0n29/fieldwatch/internal/events"
)

const appendTimeout = 5 * time.Second

// Recorder drains lifecycle events into a Store. Write failures are logged
// and dropped; history never blocks or fails the monitoring path.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger.With("component", "audit", "store", store.Mode())}
}

// Run consumes events until the channel closes or ctx is done.
func (r *Recorder) Run(ctx context.Context, in <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			r.record(ctx, e)
		}
	}
}

func (r *Recorder) record(ctx context.Context, e events.Event) {
	writeCtx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()
	if err := r.store.Append(writeCtx, recordFromEvent(e)); err != nil {
		r.logger.Warn("failed to persist monitoring event",
			"type", e.Type,
			"session_id", e.SessionID,
			"err", err,
		)
	}
}
