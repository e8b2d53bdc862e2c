package http

import "github.com/fyrsmithlabs/sessionbridge/internal/serializer"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Uptime   string `json:"uptime"`
	Sessions int    `json:"sessions"` // -1 when not tracked
	Locks    int    `json:"locks"`    // -1 when not tracked
}

// UnknownKeysResponse is the response body for GET /diagnostics/unknown-keys.
type UnknownKeysResponse struct {
	Keys    []serializer.UnknownKey `json:"keys"`
	Dropped int                     `json:"dropped"`
}
