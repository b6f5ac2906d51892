package client

import (
	"strconv"
	"time"

	"github.com/gridfeed/gridfeed/common"
)

// Outcome reports what Apply did with a change record.
type Outcome int

const (
	// OutcomeApplied means the record changed the view
	OutcomeApplied Outcome = iota
	// OutcomeIgnored means the record was a duplicate or for another plant
	OutcomeIgnored
	// OutcomeStale means an update older than the entry it targets was discarded
	OutcomeStale
	// OutcomeNeedBackfill means an update arrived for an entity the view
	// has never seen; the caller should backfill from the cursor
	OutcomeNeedBackfill
)

// Entry is one reading as the view knows it.
type Entry struct {
	EntityID  string
	Fields    map[string]interface{}
	Timestamp time.Time // Last applied change
}

// View is the client's reconciled copy of one plant's readings, newest
// first. Views are immutable: Apply and Merge return a new View and
// never touch the receiver, so callers can hand snapshots to render
// code without locking.
type View struct {
	PlantID string
	Entries []Entry
	Cursor  time.Time // High-water mark across snapshot and live records

	index map[string]int
}

// NewView creates an empty view for a plant.
func NewView(plantID string) View {
	return View{PlantID: plantID, index: map[string]int{}}
}

// Snapshot builds a view from a REST snapshot response. Readings are
// served newest first and are kept in that order.
func Snapshot(plantID string, readings []common.Reading) View {
	v := NewView(plantID)
	v.Entries = make([]Entry, 0, len(readings))

	for _, r := range readings {
		if _, seen := v.index[readingEntityID(r)]; seen {
			continue
		}
		e := readingEntry(r)
		v.index[e.EntityID] = len(v.Entries)
		v.Entries = append(v.Entries, e)
		v.Cursor = laterOf(v.Cursor, e.Timestamp)
	}

	return v
}

// Apply folds one live change record into the view.
func (v View) Apply(rec *common.ChangeRecord) (View, Outcome) {
	if rec.PlantID != v.PlantID {
		return v, OutcomeIgnored
	}

	switch rec.Kind {
	case common.KindInsert:
		return v.applyInsert(rec)
	case common.KindUpdate:
		return v.applyUpdate(rec)
	default:
		return v, OutcomeIgnored
	}
}

// Merge folds backfilled readings into the view: new entities are
// inserted, known ones are merged with the same timestamp rules as
// live updates. Used to close gaps after an outage.
func (v View) Merge(readings []common.Reading) View {
	out := v
	for _, r := range readings {
		e := readingEntry(r)
		pos, seen := out.index[e.EntityID]
		if !seen {
			out = out.prepend(e)
			out.Cursor = laterOf(out.Cursor, e.Timestamp)
			continue
		}
		if e.Timestamp.Before(out.Entries[pos].Timestamp) {
			continue
		}
		out = out.replace(pos, e)
		out.Cursor = laterOf(out.Cursor, e.Timestamp)
	}
	return out
}

func (v View) applyInsert(rec *common.ChangeRecord) (View, Outcome) {
	if _, seen := v.index[rec.EntityID]; seen {
		// Snapshot already delivered this row
		return v, OutcomeIgnored
	}

	out := v.prepend(Entry{
		EntityID:  rec.EntityID,
		Fields:    copyFields(rec.Fields),
		Timestamp: rec.Timestamp,
	})
	out.Cursor = laterOf(out.Cursor, rec.Timestamp)
	return out, OutcomeApplied
}

func (v View) applyUpdate(rec *common.ChangeRecord) (View, Outcome) {
	pos, seen := v.index[rec.EntityID]
	if !seen {
		return v, OutcomeNeedBackfill
	}

	current := v.Entries[pos]
	if !rec.Timestamp.IsZero() && rec.Timestamp.Before(current.Timestamp) {
		return v, OutcomeStale
	}

	// Updates carry only the fields that changed; keep the rest.
	merged := Entry{
		EntityID:  current.EntityID,
		Fields:    copyFields(current.Fields),
		Timestamp: laterOf(current.Timestamp, rec.Timestamp),
	}
	for k, val := range rec.Fields {
		merged.Fields[k] = val
	}

	out := v.replace(pos, merged)
	out.Cursor = laterOf(out.Cursor, rec.Timestamp)
	return out, OutcomeApplied
}

// prepend returns a view with the entry at the newest position.
func (v View) prepend(e Entry) View {
	out := v
	out.Entries = make([]Entry, 0, len(v.Entries)+1)
	out.Entries = append(out.Entries, e)
	out.Entries = append(out.Entries, v.Entries...)

	out.index = make(map[string]int, len(v.index)+1)
	out.index[e.EntityID] = 0
	for id, pos := range v.index {
		out.index[id] = pos + 1
	}
	return out
}

// replace returns a view with the entry at pos swapped out.
func (v View) replace(pos int, e Entry) View {
	out := v
	out.Entries = make([]Entry, len(v.Entries))
	copy(out.Entries, v.Entries)
	out.Entries[pos] = e
	return out
}

func readingEntityID(r common.Reading) string {
	return strconv.FormatInt(r.ID, 10)
}

func readingEntry(r common.Reading) Entry {
	return Entry{
		EntityID: readingEntityID(r),
		Fields: map[string]interface{}{
			"plantId":   r.PlantID,
			"value":     r.Value,
			"status":    r.Status,
			"createdAt": r.CreatedAt.Format(time.RFC3339Nano),
			"updatedAt": r.UpdatedAt.Format(time.RFC3339Nano),
		},
		Timestamp: laterOf(r.CreatedAt, r.UpdatedAt),
	}
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
