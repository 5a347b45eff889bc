package models

import "time"

// AlertKind classifies operator alerts
type AlertKind string

const (
	AlertInsufficientBalance AlertKind = "insufficient_balance"
	AlertBlacklisted         AlertKind = "blacklisted"
	AlertComponentError      AlertKind = "component_error"
)

// Alert is a human-readable operator message
type Alert struct {
	ID        string    `json:"id"`
	Kind      AlertKind `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
