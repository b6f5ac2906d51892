package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/gridfeed/gridfeed/common"
)

// ErrNotFound is returned when a reading id does not exist.
var ErrNotFound = errors.New("reading not found")

const readingsTable = "readings"

var readingColumns = []interface{}{
	"id", "plant_id", "value", "status", "created_at", "updated_at",
}

// Store executes snapshot, backfill and CRUD queries against the
// readings table. Writes go through the same table the notify triggers
// watch, so every accepted write eventually surfaces on the change feed.
type Store struct {
	pool    *pgxpool.Pool
	dialect goqu.DialectWrapper
}

// Open creates the connection pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	return &Store{
		pool:    pool,
		dialect: goqu.Dialect("postgres"),
	}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ListByPlant returns the newest readings for a plant, newest first.
func (s *Store) ListByPlant(ctx context.Context, plantID string, limit int) ([]common.Reading, error) {
	query, args, err := s.dialect.
		From(readingsTable).
		Select(readingColumns...).
		Where(goqu.C("plant_id").Eq(plantID)).
		Order(goqu.C("created_at").Desc()).
		Limit(uint(limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot query: %w", err)
	}

	return s.queryReadings(ctx, query, args)
}

// ListByPlantSince returns readings strictly newer than the cursor,
// newest first. Used by clients to close gaps after a disconnection.
func (s *Store) ListByPlantSince(ctx context.Context, plantID string, since time.Time) ([]common.Reading, error) {
	query, args, err := s.dialect.
		From(readingsTable).
		Select(readingColumns...).
		Where(
			goqu.C("plant_id").Eq(plantID),
			goqu.C("created_at").Gt(since),
		).
		Order(goqu.C("created_at").Desc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build backfill query: %w", err)
	}

	return s.queryReadings(ctx, query, args)
}

// InsertReading persists a new reading. The insert trigger emits the
// matching change record on the notify channel.
func (s *Store) InsertReading(ctx context.Context, plantID string, value float64, status string) (*common.Reading, error) {
	query, args, err := s.dialect.
		Insert(readingsTable).
		Rows(goqu.Record{
			"plant_id": plantID,
			"value":    value,
			"status":   status,
		}).
		Returning(readingColumns...).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build insert query: %w", err)
	}

	reading, err := s.queryOneReading(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reading: %w", err)
	}
	return reading, nil
}

// UpdateReadingStatus updates one reading's status. The update trigger
// emits the matching change record on the notify channel.
func (s *Store) UpdateReadingStatus(ctx context.Context, id int64, status string) (*common.Reading, error) {
	query, args, err := s.dialect.
		Update(readingsTable).
		Set(goqu.Record{
			"status":     status,
			"updated_at": goqu.L("now()"),
		}).
		Where(goqu.C("id").Eq(id)).
		Returning(readingColumns...).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build update query: %w", err)
	}

	reading, err := s.queryOneReading(ctx, query, args)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update reading %d: %w", id, err)
	}
	return reading, nil
}

func (s *Store) queryReadings(ctx context.Context, query string, args []interface{}) ([]common.Reading, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	readings := make([]common.Reading, 0)
	for rows.Next() {
		var r common.Reading
		if err := rows.Scan(&r.ID, &r.PlantID, &r.Value, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	return readings, nil
}

func (s *Store) queryOneReading(ctx context.Context, query string, args []interface{}) (*common.Reading, error) {
	var r common.Reading
	err := s.pool.QueryRow(ctx, query, args...).
		Scan(&r.ID, &r.PlantID, &r.Value, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Ping verifies the pool is healthy; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("Store ping failed")
		return err
	}
	return nil
}
