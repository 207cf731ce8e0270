package models

import (
	"encoding/json"
	"time"
)

// Event is the append-only audit record of every accepted webhook. Rows are
// never updated or deleted.
type Event struct {
	ID        int             `json:"id"`
	TenantID  string          `json:"tenant_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// WebhookEnvelope is the inbound webhook body.
type WebhookEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}
