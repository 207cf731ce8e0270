package models

import "time"

// Order keeps two timestamps: CreatedAtShop is when the store created the
// order, CreatedAt is when this service first ingested it.
type Order struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	CustomerID    *string    `json:"customer_id"`
	TotalPrice    float64    `json:"total_price"`
	CreatedAtShop *time.Time `json:"created_at_shop"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// OrderWithCustomer is the list/recent response row, order columns joined
// with the owning customer's display fields.
type OrderWithCustomer struct {
	Order
	CustomerEmail     *string `json:"customer_email,omitempty"`
	CustomerFirstName *string `json:"customer_first_name,omitempty"`
	CustomerLastName  *string `json:"customer_last_name,omitempty"`
}
