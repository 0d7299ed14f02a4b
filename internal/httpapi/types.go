// Package httpapi exposes the reservation engine over a JSON REST API.
package httpapi

import (
	"time"

	"reservo/internal/domain"
)

// OwnerHeader carries the requesting owner. Every reservation route is
// scoped to it.
const OwnerHeader = "X-Owner"

// ReserveRequest is the body of POST /api/reservations.
type ReserveRequest struct {
	Ticker       string     `json:"ticker"`
	Side         string     `json:"side"`
	Seed         float64    `json:"seed"`
	AvgPrice     float64    `json:"avg_price"`
	ExecuteAfter *time.Time `json:"execute_after,omitempty"` // nil = next market open
	RepeatDays   int        `json:"repeat_days,omitempty"`   // > 0 fans out over sessions
}

// ReserveResponse lists the queued order ids.
type ReserveResponse struct {
	IDs         []string `json:"ids"`
	RepeatGroup string   `json:"repeat_group,omitempty"`
}

// ListResponse wraps a reservation listing.
type ListResponse struct {
	Orders []domain.QueuedOrder `json:"orders"`
}

// CancelResponse is returned by DELETE /api/reservations/{id}.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
