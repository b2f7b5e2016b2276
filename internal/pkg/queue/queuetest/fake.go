// Package queuetest provides an in-memory stand-in for the hosted tabular
// store, speaking the same container/data-source/query/items surface the
// real upstream API exposes.
package queuetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/HookFox/internal/pkg/queue"
	"github.com/ManuelReschke/HookFox/internal/pkg/ratelimit"
	"github.com/ManuelReschke/HookFox/internal/pkg/upstream"
)

const (
	ContainerID  = "qc-1"
	DataSourceID = "ds-1"
)

type Row struct {
	ID        string
	CreatedAt time.Time
	Props     map[string]any
}

type FakeUpstream struct {
	mu     sync.Mutex
	rows   []*Row
	nextID int

	// FailPatch rejects matching PATCH calls with a 500 and FailBody
	FailPatch func(id string, props map[string]any) bool
	FailBody  string

	Server *httptest.Server
}

func NewFakeUpstream(t *testing.T) *FakeUpstream {
	t.Helper()
	f := &FakeUpstream{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /containers/"+ContainerID, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"dataSources": []map[string]any{{"id": DataSourceID}}})
	})
	mux.HandleFunc("POST /containers/"+DataSourceID+"/query", f.handleQuery)
	mux.HandleFunc("POST /items", f.handleCreate)
	mux.HandleFunc("PATCH /items/{id}", f.handlePatch)

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// Store returns a queue store wired to this fake, with throttling disabled
func (f *FakeUpstream) Store(t *testing.T) *queue.Store {
	t.Helper()
	client := upstream.New(f.Server.URL, "test-key", "", ratelimit.New(nil, nil))
	return queue.NewStore(client, ContainerID)
}

// AddRow seeds one row with an explicit creation time
func (f *FakeUpstream) AddRow(eventID string, status queue.Status, createdAt time.Time) *Row {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	row := &Row{
		ID:        fmt.Sprintf("row-%d", f.nextID),
		CreatedAt: createdAt,
		Props: map[string]any{
			"eventId":          eventID,
			"type":             "page.updated",
			"status":           string(status),
			"needsHumanReview": false,
		},
	}
	f.rows = append(f.rows, row)
	return row
}

// Get returns the row with the given id, or nil
func (f *FakeUpstream) Get(id string) *Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			return row
		}
	}
	return nil
}

// ByEvent returns every row sharing the dedup key, earliest first
func (f *FakeUpstream) ByEvent(eventID string) []*Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	matched := make([]*Row, 0)
	for _, row := range f.rows {
		if row.Props["eventId"] == eventID {
			matched = append(matched, row)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	return matched
}

func (f *FakeUpstream) handleQuery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PageSize int            `json:"pageSize"`
		Filter   map[string]any `json:"filter"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	matched := make([]*Row, 0)
	for _, row := range f.rows {
		if body.Filter != nil {
			prop, _ := body.Filter["property"].(string)
			if row.Props[prop] != body.Filter["equals"] {
				continue
			}
		}
		matched = append(matched, row)
	}
	f.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	if body.PageSize > 0 && len(matched) > body.PageSize {
		matched = matched[:body.PageSize]
	}

	results := make([]map[string]any, 0, len(matched))
	for _, row := range matched {
		results = append(results, rowJSON(row))
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
}

func (f *FakeUpstream) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Properties map[string]any `json:"properties"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.nextID++
	row := &Row{
		ID:        fmt.Sprintf("row-%d", f.nextID),
		CreatedAt: time.Now().Add(time.Duration(f.nextID) * time.Millisecond),
		Props:     body.Properties,
	}
	f.rows = append(f.rows, row)
	f.mu.Unlock()

	_ = json.NewEncoder(w).Encode(rowJSON(row))
}

func (f *FakeUpstream) handlePatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Properties map[string]any `json:"properties"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if f.FailPatch != nil && f.FailPatch(id, body.Properties) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(f.FailBody))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			for k, v := range body.Properties {
				row.Props[k] = v
			}
			_ = json.NewEncoder(w).Encode(rowJSON(row))
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(`{"message":"no such item"}`))
}

func rowJSON(row *Row) map[string]any {
	return map[string]any{
		"id":         row.ID,
		"createdAt":  row.CreatedAt.UTC().Format(time.RFC3339Nano),
		"properties": row.Props,
	}
}
