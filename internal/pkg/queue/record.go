package queue

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Status is the lifecycle state of a queued event row
type Status string

const (
	StatusNew         Status = "New"
	StatusInProgress  Status = "In Progress"
	StatusDeduped     Status = "Deduped"
	StatusNeedsReview Status = "Needs human review"
	StatusError       Status = "Error"
)

const (
	// TypeOther is the fallback category for events with no recognizable type
	TypeOther = "Other"

	// MaxPayloadChars caps the raw payload snapshot stored on a row
	MaxPayloadChars = 1900
)

// Record is one row in the event queue data source. One row per external
// event; EventID is the dedup key.
type Record struct {
	ID               string
	EventID          string
	Type             string
	ObjectType       string
	ObjectID         string
	SourceURL        string
	Payload          string
	Status           Status
	NeedsHumanReview bool
	Log              string
	CreatedAt        time.Time
	PickedAt         time.Time
}

// Properties builds the property map for a create request. Absent optional
// values are omitted entirely; the store rejects explicit nulls.
func (r Record) Properties() map[string]any {
	props := map[string]any{
		"eventId":          r.EventID,
		"type":             r.Type,
		"status":           string(r.Status),
		"needsHumanReview": r.NeedsHumanReview,
	}
	if r.Type == "" {
		props["type"] = TypeOther
	}
	if r.ObjectType != "" {
		props["objectType"] = r.ObjectType
	}
	if r.ObjectID != "" {
		props["objectId"] = r.ObjectID
	}
	if r.SourceURL != "" {
		props["sourceUrl"] = r.SourceURL
	}
	if r.Payload != "" {
		props["payload"] = Truncate(r.Payload, MaxPayloadChars)
	}
	if r.Log != "" {
		props["log"] = r.Log
	}
	return props
}

// AppendLog returns the row's audit trail with one more line appended
func (r Record) AppendLog(line string) string {
	if r.Log == "" {
		return line
	}
	return r.Log + "\n" + line
}

// LogLine formats a timestamped audit entry
func LogLine(format string, args ...any) string {
	return fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

// Truncate limits s to at most max bytes, cutting back to a rune boundary so
// the result stays valid UTF-8
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// RecordFromRow maps a query-result row onto a Record
func RecordFromRow(row map[string]any) Record {
	rec := Record{}
	rec.ID, _ = row["id"].(string)
	if raw, ok := row["createdAt"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			rec.CreatedAt = ts
		}
	}

	props, _ := row["properties"].(map[string]any)
	rec.EventID = stringProp(props, "eventId")
	rec.Type = stringProp(props, "type")
	rec.ObjectType = stringProp(props, "objectType")
	rec.ObjectID = stringProp(props, "objectId")
	rec.SourceURL = stringProp(props, "sourceUrl")
	rec.Payload = stringProp(props, "payload")
	rec.Log = stringProp(props, "log")
	rec.Status = Status(stringProp(props, "status"))
	if flag, ok := props["needsHumanReview"].(bool); ok {
		rec.NeedsHumanReview = flag
	}
	if raw := stringProp(props, "pickedAt"); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			rec.PickedAt = ts
		}
	}
	return rec
}

func stringProp(props map[string]any, key string) string {
	if props == nil {
		return ""
	}
	val, _ := props[key].(string)
	return val
}
