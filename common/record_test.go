package common

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecordInsert(t *testing.T) {
	payload := `{"type":"insert","id":42,"plantId":"p1","value":3.14,"status":"ok","createdAt":"2026-08-30T10:00:00Z"}`

	rec, err := ParseRecord([]byte(payload))
	require.NoError(t, err)

	assert.Equal(t, KindInsert, rec.Kind)
	assert.Equal(t, "p1", rec.PlantID)
	assert.Equal(t, "42", rec.EntityID)
	assert.Equal(t, 3.14, rec.Fields["value"])
	assert.Equal(t, "ok", rec.Fields["status"])
	assert.Equal(t, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), rec.Timestamp)
}

func TestParseRecordUpdateUsesUpdatedAt(t *testing.T) {
	payload := `{"type":"update","id":"42","plantId":"p1","status":"alarm","updatedAt":"2026-08-30T11:30:00Z"}`

	rec, err := ParseRecord([]byte(payload))
	require.NoError(t, err)

	assert.Equal(t, KindUpdate, rec.Kind)
	assert.Equal(t, time.Date(2026, 8, 30, 11, 30, 0, 0, time.UTC), rec.Timestamp)
	// Only row fields end up in Fields, never the envelope keys.
	assert.NotContains(t, rec.Fields, "type")
	assert.NotContains(t, rec.Fields, "plantId")
	assert.NotContains(t, rec.Fields, "id")
}

func TestParseRecordUnknownKindForwarded(t *testing.T) {
	payload := `{"type":"maintenance","id":7,"plantId":"p2","note":"pump swap"}`

	rec, err := ParseRecord([]byte(payload))
	require.NoError(t, err)

	assert.Equal(t, "maintenance", rec.Kind)
	assert.Equal(t, "record:maintenance", rec.EventName())
}

func TestParseRecordMissingKindDefaultsToEvent(t *testing.T) {
	rec, err := ParseRecord([]byte(`{"id":1,"plantId":"p1"}`))
	require.NoError(t, err)
	assert.Equal(t, KindEvent, rec.Kind)
}

func TestParseRecordMissingPlant(t *testing.T) {
	_, err := ParseRecord([]byte(`{"type":"insert","id":1}`))
	assert.ErrorIs(t, err, ErrMissingPlant)
}

func TestParseRecordMalformed(t *testing.T) {
	_, err := ParseRecord([]byte(`{"type":`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMissingPlant)
}

func TestEventNames(t *testing.T) {
	assert.Equal(t, "record:new", (&ChangeRecord{Kind: KindInsert}).EventName())
	assert.Equal(t, "record:update", (&ChangeRecord{Kind: KindUpdate}).EventName())
	assert.Equal(t, "record:event", (&ChangeRecord{Kind: KindEvent}).EventName())
}

func TestMarshalRoundTrip(t *testing.T) {
	rec, err := ParseRecord([]byte(`{"type":"insert","id":9,"plantId":"p3","value":1.5}`))
	require.NoError(t, err)

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var flat map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "insert", flat["type"])
	assert.Equal(t, "p3", flat["plantId"])
	assert.Equal(t, "9", flat["id"])
	assert.Equal(t, 1.5, flat["value"])
}

func TestUnmarshalPreservesFieldsAndTimestamp(t *testing.T) {
	rec, err := ParseRecord([]byte(`{"type":"update","id":9,"plantId":"p3","status":"alarm","updatedAt":"2026-08-30T11:30:00Z"}`))
	require.NoError(t, err)

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded ChangeRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, rec.Kind, decoded.Kind)
	assert.Equal(t, rec.EntityID, decoded.EntityID)
	assert.Equal(t, "alarm", decoded.Fields["status"])
	assert.Equal(t, rec.Timestamp, decoded.Timestamp)
}
