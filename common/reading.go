package common

import "time"

// Reading is one telemetry row for a plant. Shared between the store,
// the REST handlers and the client reconciliation layer.
type Reading struct {
	ID        int64     `json:"id"`
	PlantID   string    `json:"plantId"`
	Value     float64   `json:"value"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
