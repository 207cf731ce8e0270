package models

import "time"

// Tenant is the isolation boundary. Every entity row is scoped to exactly
// one tenant; secret and token stay empty until provisioning completes.
type Tenant struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	StoreDomain   string    `json:"store_domain,omitempty"`
	WebhookSecret string    `json:"-"`
	AccessToken   string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type CreateTenantRequest struct {
	Name          string `json:"name" binding:"required"`
	StoreDomain   string `json:"store_domain"`
	WebhookSecret string `json:"webhook_secret"`
}
