package drain

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/HookFox/internal/pkg/queue"
	"github.com/ManuelReschke/HookFox/internal/pkg/queue/queuetest"
)

func TestRunOnceRoutesUniqueEventToReview(t *testing.T) {
	fake := queuetest.NewFakeUpstream(t)
	row := fake.AddRow("evt_1", queue.StatusNew, time.Now().Add(-time.Minute))

	worker := NewWorker(fake.Store(t), NewRegistry())
	summary := worker.RunOnce(context.Background())

	assert.Equal(t, 1, summary.Picked)
	assert.Equal(t, 1, summary.Review)
	assert.Equal(t, 0, summary.Errored)

	got := fake.Get(row.ID)
	assert.Equal(t, string(queue.StatusNeedsReview), got.Props["status"])
	assert.Equal(t, true, got.Props["needsHumanReview"])
	log, _ := got.Props["log"].(string)
	assert.Contains(t, log, "picked up by worker run")
	assert.Contains(t, log, `no handler for event type "page.updated"`)
}

func TestRunOnceDedupTieBreak(t *testing.T) {
	fake := queuetest.NewFakeUpstream(t)
	base := time.Now().Add(-time.Hour)
	keeper := fake.AddRow("evt_dup", queue.StatusNew, base)
	second := fake.AddRow("evt_dup", queue.StatusNew, base.Add(time.Second))
	third := fake.AddRow("evt_dup", queue.StatusNew, base.Add(2*time.Second))

	worker := NewWorker(fake.Store(t), NewRegistry())
	summary := worker.RunOnce(context.Background())

	assert.Equal(t, 3, summary.Picked)
	assert.Equal(t, 1, summary.Review)
	assert.Equal(t, 2, summary.Deduped)

	assert.Equal(t, string(queue.StatusNeedsReview), fake.Get(keeper.ID).Props["status"])
	assert.Equal(t, true, fake.Get(keeper.ID).Props["needsHumanReview"])

	for _, dup := range []*queuetest.Row{second, third} {
		got := fake.Get(dup.ID)
		assert.Equal(t, string(queue.StatusDeduped), got.Props["status"])
		assert.Equal(t, false, got.Props["needsHumanReview"])
		log, _ := got.Props["log"].(string)
		assert.Contains(t, log, keeper.ID)
	}
}

func TestRunOnceIsolatesRowFailures(t *testing.T) {
	fake := queuetest.NewFakeUpstream(t)
	base := time.Now().Add(-time.Hour)
	rows := make([]*queuetest.Row, 0, 5)
	for i := 0; i < 5; i++ {
		rows = append(rows, fake.AddRow(fmt.Sprintf("evt_%d", i+1), queue.StatusNew, base.Add(time.Duration(i)*time.Second)))
	}

	// Row 3's terminal patch fails with an oversized error body; the Error
	// transition itself still succeeds
	fake.FailBody = `{"message":"` + strings.Repeat("x", 600) + `ZZZTAIL"}`
	fake.FailPatch = func(id string, props map[string]any) bool {
		return id == rows[2].ID && props["status"] == string(queue.StatusNeedsReview)
	}

	worker := NewWorker(fake.Store(t), NewRegistry())
	summary := worker.RunOnce(context.Background())

	assert.Equal(t, 5, summary.Picked)
	assert.Equal(t, 4, summary.Review)
	assert.Equal(t, 1, summary.Errored)

	for i, row := range rows {
		if i == 2 {
			continue
		}
		assert.Equal(t, string(queue.StatusNeedsReview), fake.Get(row.ID).Props["status"], "row %d must reach a terminal status", i+1)
	}

	failed := fake.Get(rows[2].ID)
	assert.Equal(t, string(queue.StatusError), failed.Props["status"])
	assert.Equal(t, true, failed.Props["needsHumanReview"])
	log, _ := failed.Props["log"].(string)
	assert.Contains(t, log, "processing failed:")
	assert.Contains(t, log, "status 500")
	assert.NotContains(t, log, "ZZZTAIL", "failure text must be truncated to 500 characters")
}

func TestRunOnceSkipsRowWhenPickupFails(t *testing.T) {
	fake := queuetest.NewFakeUpstream(t)
	row := fake.AddRow("evt_1", queue.StatusNew, time.Now().Add(-time.Minute))
	other := fake.AddRow("evt_2", queue.StatusNew, time.Now().Add(-30*time.Second))

	fake.FailBody = `{"message":"write denied"}`
	fake.FailPatch = func(id string, props map[string]any) bool {
		return id == row.ID && props["status"] == string(queue.StatusInProgress)
	}

	worker := NewWorker(fake.Store(t), NewRegistry())
	summary := worker.RunOnce(context.Background())

	assert.Equal(t, 2, summary.Picked)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Review)

	// The skipped row stays New for the next run
	assert.Equal(t, string(queue.StatusNew), fake.Get(row.ID).Props["status"])
	assert.Equal(t, string(queue.StatusNeedsReview), fake.Get(other.ID).Props["status"])
}

func TestSweepStuckRequeuesStaleRows(t *testing.T) {
	fake := queuetest.NewFakeUpstream(t)
	stale := fake.AddRow("evt_stale", queue.StatusInProgress, time.Now().Add(-2*time.Hour))
	stale.Props["pickedAt"] = time.Now().Add(-90 * time.Minute).UTC().Format(time.RFC3339Nano)
	fresh := fake.AddRow("evt_fresh", queue.StatusInProgress, time.Now().Add(-time.Minute))

	// Old row the drain loop picked up moments ago: in work, not stuck
	backlogged := fake.AddRow("evt_backlog", queue.StatusInProgress, time.Now().Add(-3*time.Hour))
	backlogged.Props["pickedAt"] = time.Now().UTC().Format(time.RFC3339Nano)

	worker := NewWorker(fake.Store(t), NewRegistry())
	recovered, err := worker.SweepStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got := fake.Get(stale.ID)
	assert.Equal(t, string(queue.StatusNew), got.Props["status"])
	log, _ := got.Props["log"].(string)
	assert.Contains(t, log, "recovered by sweeper")

	assert.Equal(t, string(queue.StatusInProgress), fake.Get(fresh.ID).Props["status"])
	assert.Equal(t, string(queue.StatusInProgress), fake.Get(backlogged.ID).Props["status"])
}

func TestSweepStuckFallsBackToCreationTime(t *testing.T) {
	fake := queuetest.NewFakeUpstream(t)
	// No pickup stamp on the row, e.g. reset by an operator
	stale := fake.AddRow("evt_stale", queue.StatusInProgress, time.Now().Add(-2*time.Hour))

	worker := NewWorker(fake.Store(t), NewRegistry())
	recovered, err := worker.SweepStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, string(queue.StatusNew), fake.Get(stale.ID).Props["status"])
}

func TestRegistryDispatch(t *testing.T) {
	registry := NewRegistry()
	registry.Register("page.deleted", handlerFunc(func(_ context.Context, rec queue.Record) (Outcome, error) {
		return Outcome{Status: queue.StatusDeduped, LogLine: "dropped"}, nil
	}))

	assert.IsType(t, UnhandledReview{}, registry.For("page.updated"))
	assert.NotNil(t, registry.For("page.deleted"))

	outcome, err := registry.For("page.updated").Handle(context.Background(), queue.Record{Type: "page.updated"})
	require.NoError(t, err)
	assert.Equal(t, queue.StatusNeedsReview, outcome.Status)
	assert.True(t, outcome.NeedsReview)
	assert.Contains(t, outcome.LogLine, `"page.updated"`)
}

type handlerFunc func(ctx context.Context, rec queue.Record) (Outcome, error)

func (f handlerFunc) Handle(ctx context.Context, rec queue.Record) (Outcome, error) {
	return f(ctx, rec)
}
