package drain

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/HookFox/internal/pkg/env"
	"github.com/ManuelReschke/HookFox/internal/pkg/queue"
)

const (
	// MaxErrorChars caps the failure text appended to a row's audit trail
	MaxErrorChars = 500

	DefaultStaleAfter = 30 * time.Minute
)

// Summary reports one drain run
type Summary struct {
	RunID   string `json:"run_id"`
	Picked  int    `json:"picked"`
	Deduped int    `json:"deduped"`
	Review  int    `json:"review"`
	Errored int    `json:"errored"`
	Skipped int    `json:"skipped"`
}

// Worker drains the queue: it pulls New rows oldest-first, advances each
// through the status state machine and isolates failures per row.
type Worker struct {
	store      *queue.Store
	registry   *Registry
	pageSize   int
	staleAfter time.Duration
}

func NewWorker(store *queue.Store, registry *Registry) *Worker {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Worker{
		store:      store,
		registry:   registry,
		pageSize:   env.GetEnvInt("DRAIN_PAGE_SIZE", queue.DefaultPageSize),
		staleAfter: env.GetEnvDuration("DRAIN_STALE_AFTER", DefaultStaleAfter),
	}
}

// RunOnce processes one batch. One row's failure never prevents the others
// from being attempted; the batch always completes and reports a summary.
func (w *Worker) RunOnce(ctx context.Context) Summary {
	summary := Summary{RunID: uuid.New().String()}

	rows, err := w.store.ListByStatus(ctx, queue.StatusNew, w.pageSize)
	if err != nil {
		log.Errorf("[Drain] Run %s: listing queue failed: %v", summary.RunID, err)
		return summary
	}
	summary.Picked = len(rows)

	for i := range rows {
		w.processRow(ctx, &rows[i], &summary)
	}

	log.Infof("[Drain] Run %s done: picked=%d deduped=%d review=%d errored=%d skipped=%d",
		summary.RunID, summary.Picked, summary.Deduped, summary.Review, summary.Errored, summary.Skipped)
	return summary
}

func (w *Worker) processRow(ctx context.Context, rec *queue.Record, summary *Summary) {
	// Mark in progress first. Not transactional: a crash here leaves the row
	// for the stuck sweeper or an operator to reset.
	if err := w.store.Pickup(ctx, rec,
		queue.LogLine("picked up by worker run %s", summary.RunID)); err != nil {
		log.Errorf("[Drain] Run %s: marking %s in progress failed, skipping row: %v", summary.RunID, rec.ID, err)
		summary.Skipped++
		return
	}

	if err := w.triage(ctx, rec, summary); err != nil {
		summary.Errored++
		msg := queue.Truncate(err.Error(), MaxErrorChars)
		if terr := w.store.Transition(ctx, rec, queue.StatusError, true,
			queue.LogLine("processing failed: %s", msg)); terr != nil {
			log.Errorf("[Drain] Run %s: recording error on %s failed: %v", summary.RunID, rec.ID, terr)
		}
	}
}

// triage runs the defensive dedup re-check and then dispatches the keeper
func (w *Worker) triage(ctx context.Context, rec *queue.Record, summary *Summary) error {
	dups, err := w.store.FindByEventID(ctx, rec.EventID)
	if err != nil {
		return err
	}

	// Two concurrent writers can both pass the receiver's existence check;
	// the earliest-created row is the keeper and the rest collapse here.
	if len(dups) >= 2 && dups[0].ID != rec.ID {
		if err := w.store.Transition(ctx, rec, queue.StatusDeduped, false,
			queue.LogLine("duplicate of %s, collapsed", dups[0].ID)); err != nil {
			return err
		}
		summary.Deduped++
		return nil
	}

	outcome, err := w.registry.For(rec.Type).Handle(ctx, *rec)
	if err != nil {
		return err
	}
	if err := w.store.Transition(ctx, rec, outcome.Status, outcome.NeedsReview, outcome.LogLine); err != nil {
		return err
	}
	if outcome.Status == queue.StatusNeedsReview {
		summary.Review++
	}
	return nil
}

// SweepStuck requeues rows stranded in In Progress past the staleness
// threshold, e.g. after a crash between pickup and triage. Age is judged
// from the pickup stamp, falling back to the row's creation time for rows
// picked up before the stamp existed.
func (w *Worker) SweepStuck(ctx context.Context) (int, error) {
	rows, err := w.store.ListByStatus(ctx, queue.StatusInProgress, w.pageSize)
	if err != nil {
		return 0, err
	}

	recovered := 0
	cutoff := time.Now().Add(-w.staleAfter)
	for i := range rows {
		rec := &rows[i]
		pickedAt := rec.PickedAt
		if pickedAt.IsZero() {
			pickedAt = rec.CreatedAt
		}
		if pickedAt.IsZero() || pickedAt.After(cutoff) {
			continue
		}
		if err := w.store.Transition(ctx, rec, queue.StatusNew, rec.NeedsHumanReview,
			queue.LogLine("recovered by sweeper after %s in progress", w.staleAfter)); err != nil {
			log.Errorf("[Drain] Sweeper: requeueing %s failed: %v", rec.ID, err)
			continue
		}
		log.Warnf("[Drain] Sweeper recovered stuck row %s (event %s)", rec.ID, rec.EventID)
		recovered++
	}
	return recovered, nil
}
