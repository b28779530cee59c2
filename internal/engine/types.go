package engine

import (
	"time"

	"venue-gateway/internal/gateway"
	"venue-gateway/internal/monitor"
)

// SystemStatus represents overall gateway health.
type SystemStatus struct {
	VenueMode     string           `json:"venue_mode"`
	Gateway       gateway.Status   `json:"gateway"`
	Sessions      int              `json:"sessions"`
	ActiveSymbols []string         `json:"active_symbols"`
	Metrics       monitor.Snapshot `json:"metrics"`
	StartedAt     time.Time        `json:"started_at"`
	Uptime        string           `json:"uptime"`
}
