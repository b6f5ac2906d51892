package store

import (
	"context"
	"fmt"
	"regexp"
)

// Channel names end up inside the trigger function bodies, so only
// plain identifiers are accepted.
var channelPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS readings (
    id BIGSERIAL PRIMARY KEY,
    plant_id TEXT NOT NULL,
    value NUMERIC NOT NULL,
    status TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_readings_plant_created ON readings (plant_id, created_at DESC);
`

// The trigger payloads are the wire format of the change feed: a flat
// JSON object with type, plantId, id and the row fields each kind
// carries. Inserts ship the full row; updates ship only what a client
// needs to patch its copy.
const triggerDDL = `
CREATE OR REPLACE FUNCTION notify_readings_insert() RETURNS trigger AS $$
DECLARE payload TEXT;
BEGIN
  payload := json_build_object(
    'type','insert','id', NEW.id,'plantId', NEW.plant_id,'value', NEW.value,'status', NEW.status,'createdAt', NEW.created_at
  )::text;
  PERFORM pg_notify('%[1]s', payload);
  RETURN NULL;
END; $$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION notify_readings_update() RETURNS trigger AS $$
DECLARE payload TEXT;
BEGIN
  payload := json_build_object(
    'type','update','id', NEW.id,'plantId', NEW.plant_id,'status', NEW.status,'updatedAt', NEW.updated_at
  )::text;
  PERFORM pg_notify('%[1]s', payload);
  RETURN NULL;
END; $$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_readings_insert ON readings;
CREATE TRIGGER trg_readings_insert AFTER INSERT ON readings
FOR EACH ROW EXECUTE FUNCTION notify_readings_insert();

DROP TRIGGER IF EXISTS trg_readings_update ON readings;
CREATE TRIGGER trg_readings_update AFTER UPDATE ON readings
FOR EACH ROW EXECUTE FUNCTION notify_readings_update();
`

// EnsureSchema creates the readings table and installs the notify
// triggers on the given channel. Idempotent; safe to run at every boot.
func EnsureSchema(ctx context.Context, s *Store, channel string) error {
	if !channelPattern.MatchString(channel) {
		return fmt.Errorf("invalid notify channel name: %q", channel)
	}

	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create readings schema: %w", err)
	}

	if _, err := s.pool.Exec(ctx, fmt.Sprintf(triggerDDL, channel)); err != nil {
		return fmt.Errorf("failed to install notify triggers: %w", err)
	}

	return nil
}
