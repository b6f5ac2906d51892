package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridfeed/gridfeed/cfg"
	"github.com/gridfeed/gridfeed/common"
	"github.com/gridfeed/gridfeed/store"
)

// ReadingStore is the store surface the REST handlers need.
type ReadingStore interface {
	ListByPlant(ctx context.Context, plantID string, limit int) ([]common.Reading, error)
	ListByPlantSince(ctx context.Context, plantID string, since time.Time) ([]common.Reading, error)
	InsertReading(ctx context.Context, plantID string, value float64, status string) (*common.Reading, error)
	UpdateReadingStatus(ctx context.Context, id int64, status string) (*common.Reading, error)
	Ping(ctx context.Context) error
}

// Handlers implements the snapshot/backfill and CRUD endpoints.
type Handlers struct {
	store    ReadingStore
	snapshot cfg.SnapshotConfiguration
}

// NewHandlers creates the REST handlers.
func NewHandlers(s ReadingStore, snapshot cfg.SnapshotConfiguration) *Handlers {
	return &Handlers{store: s, snapshot: snapshot}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses the limit parameter, clamping to the configured cap.
func (h *Handlers) parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return h.snapshot.DefaultLimit, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > h.snapshot.MaxLimit {
		limit = h.snapshot.MaxLimit
	}

	return limit, nil
}

// handleListReadings serves the point-in-time snapshot: newest readings
// for a plant, newest first.
func (h *Handlers) handleListReadings(w http.ResponseWriter, r *http.Request, plantID string) {
	limit, err := h.parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	readings, err := h.store.ListByPlant(r.Context(), plantID, limit)
	if err != nil {
		log.Error().Err(err).Str("plant", plantID).Msg("Snapshot query failed")
		writeErrorResponse(w, http.StatusInternalServerError, "snapshot query failed")
		return
	}

	writeJSONResponse(w, http.StatusOK, readings)
}

// handleListReadingsSince serves the backfill query: readings strictly
// newer than the client's cursor, newest first.
func (h *Handlers) handleListReadingsSince(w http.ResponseWriter, r *http.Request, plantID string) {
	sinceStr := r.URL.Query().Get("since")
	if sinceStr == "" {
		writeErrorResponse(w, http.StatusBadRequest, "since parameter is required")
		return
	}

	since, err := time.Parse(time.RFC3339Nano, sinceStr)
	if err != nil {
		since, err = time.Parse(time.RFC3339, sinceStr)
	}
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid since timestamp")
		return
	}

	readings, err := h.store.ListByPlantSince(r.Context(), plantID, since)
	if err != nil {
		log.Error().Err(err).Str("plant", plantID).Msg("Backfill query failed")
		writeErrorResponse(w, http.StatusInternalServerError, "backfill query failed")
		return
	}

	writeJSONResponse(w, http.StatusOK, readings)
}

type createReadingRequest struct {
	Value  *float64 `json:"value"`
	Status string   `json:"status"`
}

// handleCreateReading accepts a write; the insert trigger turns it into
// a change record on the notify channel.
func (h *Handlers) handleCreateReading(w http.ResponseWriter, r *http.Request, plantID string) {
	var req createReadingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Value == nil {
		writeErrorResponse(w, http.StatusBadRequest, "value is required")
		return
	}

	reading, err := h.store.InsertReading(r.Context(), plantID, *req.Value, req.Status)
	if err != nil {
		log.Error().Err(err).Str("plant", plantID).Msg("Failed to insert reading")
		writeErrorResponse(w, http.StatusInternalServerError, "failed to insert reading")
		return
	}

	writeJSONResponse(w, http.StatusCreated, reading)
}

type updateReadingRequest struct {
	Status *string `json:"status"`
}

// handleUpdateReading patches a reading's status; the update trigger
// emits the matching change record.
func (h *Handlers) handleUpdateReading(w http.ResponseWriter, r *http.Request, idStr string) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid reading id")
		return
	}

	var req updateReadingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status == nil {
		writeErrorResponse(w, http.StatusBadRequest, "status is required")
		return
	}

	reading, err := h.store.UpdateReadingStatus(r.Context(), id, *req.Status)
	if errors.Is(err, store.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "reading not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Int64("id", id).Msg("Failed to update reading")
		writeErrorResponse(w, http.StatusInternalServerError, "failed to update reading")
		return
	}

	writeJSONResponse(w, http.StatusOK, reading)
}

// handleHealth reports process and store health.
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}
