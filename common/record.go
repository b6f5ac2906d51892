package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Record kinds. Unknown kinds are forwarded untouched so new trigger
// payloads don't require a router deploy.
const (
	KindInsert = "insert"
	KindUpdate = "update"
	KindEvent  = "event"
)

// ErrMissingPlant marks a payload with no routing key. Such records are
// undeliverable and must be dropped by the bridge, never forwarded.
var ErrMissingPlant = errors.New("change record has no plant id")

// ChangeRecord is the normalized representation of a single row-level
// change as produced by the readings notify triggers. Records are
// immutable once parsed and safe to share across consumers.
type ChangeRecord struct {
	Kind      string                 `json:"type"`
	PlantID   string                 `json:"plantId"`
	EntityID  string                 `json:"id"`
	Fields    map[string]interface{} `json:"-"`
	Timestamp time.Time              `json:"-"`
}

// ParseRecord decodes a NOTIFY payload into a ChangeRecord.
// The payload shape is fixed by the trigger functions: a flat JSON object
// with "type", "plantId", "id" and kind-specific row fields.
func ParseRecord(payload []byte) (*ChangeRecord, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("malformed change payload: %w", err)
	}

	rec := &ChangeRecord{
		Fields: make(map[string]interface{}, len(raw)),
	}

	for k, v := range raw {
		switch k {
		case "type":
			rec.Kind, _ = v.(string)
		case "plantId":
			rec.PlantID = stringify(v)
		case "id":
			rec.EntityID = stringify(v)
		default:
			rec.Fields[k] = v
		}
	}

	if rec.PlantID == "" {
		return nil, ErrMissingPlant
	}
	if rec.Kind == "" {
		rec.Kind = KindEvent
	}

	rec.Timestamp = extractTimestamp(rec.Fields)

	return rec, nil
}

// EventName maps a record kind to the wire event pushed to subscribers.
func (r *ChangeRecord) EventName() string {
	switch r.Kind {
	case KindInsert:
		return "record:new"
	case KindUpdate:
		return "record:update"
	default:
		return "record:" + r.Kind
	}
}

// MarshalJSON flattens the record back into the trigger payload shape so
// subscribers see the same object the database emitted.
func (r *ChangeRecord) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(r.Fields)+3)
	for k, v := range r.Fields {
		flat[k] = v
	}
	flat["type"] = r.Kind
	flat["plantId"] = r.PlantID
	if r.EntityID != "" {
		flat["id"] = r.EntityID
	}
	return json.Marshal(flat)
}

// UnmarshalJSON mirrors MarshalJSON so records survive a trip through
// the websocket wire format intact.
func (r *ChangeRecord) UnmarshalJSON(data []byte) error {
	rec, err := ParseRecord(data)
	if err != nil {
		return err
	}
	*r = *rec
	return nil
}

// extractTimestamp pulls the row timestamp out of the payload fields.
// Inserts carry createdAt, updates carry updatedAt.
func extractTimestamp(fields map[string]interface{}) time.Time {
	for _, key := range []string{"updatedAt", "createdAt"} {
		s, ok := fields[key].(string)
		if !ok {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// stringify normalizes scalar JSON values to strings. Trigger payloads
// carry numeric row ids while clients compare them as strings.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
