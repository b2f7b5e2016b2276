package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ManuelReschke/HookFox/internal/pkg/env"
	"github.com/ManuelReschke/HookFox/internal/pkg/upstream"
)

const DefaultPageSize = 25

// Store reads and writes event rows through the upstream tabular API. It
// never deletes rows; dedup collapses duplicates by status instead.
type Store struct {
	client      *upstream.Client
	containerID string
}

func NewStore(client *upstream.Client, containerID string) *Store {
	return &Store{client: client, containerID: containerID}
}

// NewStoreFromEnv fails with ErrConfiguration when the queue container id is absent
func NewStoreFromEnv(client *upstream.Client) (*Store, error) {
	containerID := env.GetEnv("QUEUE_CONTAINER_ID", "")
	if containerID == "" {
		return nil, fmt.Errorf("%w: QUEUE_CONTAINER_ID", upstream.ErrConfiguration)
	}
	return NewStore(client, containerID), nil
}

func (s *Store) dataSourceID(ctx context.Context) (string, error) {
	return s.client.ResolveDataSourceID(ctx, s.containerID)
}

// FindByEventID returns every row sharing the given dedup key, earliest first
func (s *Store) FindByEventID(ctx context.Context, eventID string) ([]Record, error) {
	dsID, err := s.dataSourceID(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.client.QueryDataSource(ctx, dsID, DefaultPageSize,
		map[string]any{"property": "eventId", "equals": eventID},
		[]map[string]any{{"property": "createdAt", "direction": "ascending"}},
	)
	if err != nil {
		return nil, err
	}
	return sortedRecords(rows), nil
}

// ListByStatus returns up to pageSize rows in the given status, earliest first
func (s *Store) ListByStatus(ctx context.Context, status Status, pageSize int) ([]Record, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	dsID, err := s.dataSourceID(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.client.QueryDataSource(ctx, dsID, pageSize,
		map[string]any{"property": "status", "equals": string(status)},
		[]map[string]any{{"property": "createdAt", "direction": "ascending"}},
	)
	if err != nil {
		return nil, err
	}
	return sortedRecords(rows), nil
}

// Create appends a new row for the record and returns it with the
// store-assigned id and creation time filled in
func (s *Store) Create(ctx context.Context, rec Record) (Record, error) {
	dsID, err := s.dataSourceID(ctx)
	if err != nil {
		return Record{}, err
	}

	row, err := s.client.CreateItem(ctx, dsID, rec.Properties())
	if err != nil {
		return Record{}, err
	}
	created := RecordFromRow(row)
	if created.EventID == "" {
		// Store echoed no properties; keep what we sent
		created.EventID = rec.EventID
	}
	return created, nil
}

// Pickup moves a row to In Progress and stamps the pickup time; the sweeper
// judges staleness from that stamp, so a backlogged-but-fresh row is safe.
func (s *Store) Pickup(ctx context.Context, rec *Record, logLine string) error {
	newLog := rec.AppendLog(logLine)
	now := time.Now().UTC()
	_, err := s.client.PatchItem(ctx, rec.ID, map[string]any{
		"status":   string(StatusInProgress),
		"pickedAt": now.Format(time.RFC3339Nano),
		"log":      newLog,
	})
	if err != nil {
		return err
	}
	rec.Status = StatusInProgress
	rec.PickedAt = now
	rec.Log = newLog
	return nil
}

// Transition patches a row to a new status, updating the review flag and
// appending one audit line. The in-memory record is updated on success.
func (s *Store) Transition(ctx context.Context, rec *Record, status Status, needsReview bool, logLine string) error {
	newLog := rec.AppendLog(logLine)
	_, err := s.client.PatchItem(ctx, rec.ID, map[string]any{
		"status":           string(status),
		"needsHumanReview": needsReview,
		"log":              newLog,
	})
	if err != nil {
		return err
	}
	rec.Status = status
	rec.NeedsHumanReview = needsReview
	rec.Log = newLog
	return nil
}

// sortedRecords maps rows to records ordered by creation time ascending,
// regardless of the store's own sort behavior
func sortedRecords(rows []map[string]any) []Record {
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, RecordFromRow(row))
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}
