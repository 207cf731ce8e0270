package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"insights-svc/middleware"

	"go.uber.org/zap"
)

var ErrInvalidEnvelope = errors.New("event type and data are required")

// EventKind is the closed set of webhook event types this service reacts to.
// Anything else is KindUnknown: still audited, never written to entity tables.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindCustomerCreated
	KindProductCreated
	KindOrderCreated
)

// KindOf maps both the demo event names and the Shopify webhook topic names
// onto the same kinds.
func KindOf(eventType string) EventKind {
	switch eventType {
	case "customer.created", "customers/create":
		return KindCustomerCreated
	case "product.created", "products/create":
		return KindProductCreated
	case "order.created", "orders/create":
		return KindOrderCreated
	default:
		return KindUnknown
	}
}

type Ingestor struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewIngestor(db *sql.DB, logger *zap.Logger) *Ingestor {
	return &Ingestor{db: db, logger: logger}
}

// Ingest applies one verified webhook event atomically: the audit row and all
// entity mutations commit together or not at all.
func (in *Ingestor) Ingest(ctx context.Context, tenantID, eventType string, payload json.RawMessage) error {
	if eventType == "" || len(payload) == 0 {
		return ErrInvalidEnvelope
	}

	tx, err := in.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Audit row first, unconditionally. No accepted event is ever dropped
	// from the trail, recognized type or not.
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO events (tenant_id, event_type, payload) VALUES ($1, $2, $3)",
		tenantID, eventType, []byte(payload),
	); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	switch KindOf(eventType) {
	case KindCustomerCreated:
		var data customerPayload
		if err := json.Unmarshal(payload, &data); err != nil {
			return fmt.Errorf("invalid customer payload: %w", err)
		}
		if err := upsertCustomer(ctx, tx, tenantID, &data); err != nil {
			return err
		}

	case KindProductCreated:
		var data productPayload
		if err := json.Unmarshal(payload, &data); err != nil {
			return fmt.Errorf("invalid product payload: %w", err)
		}
		if err := upsertProduct(ctx, tx, tenantID, &data); err != nil {
			return err
		}

	case KindOrderCreated:
		var data orderPayload
		if err := json.Unmarshal(payload, &data); err != nil {
			return fmt.Errorf("invalid order payload: %w", err)
		}
		if err := ingestOrder(ctx, tx, tenantID, &data); err != nil {
			return err
		}

	default:
		in.logger.Info("Unknown event type audited",
			zap.String("tenant_id", tenantID),
			zap.String("event_type", eventType),
		)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ingestion: %w", err)
	}

	middleware.RecordEventIngested(eventType)
	return nil
}

// ingestOrder upserts the embedded customer (when present), then the order,
// then adds the order total to the customer's running total_spent. The
// increment is additive on every (re)ingestion of the same order id; replaying
// an order counts its revenue again.
func ingestOrder(ctx context.Context, tx execer, tenantID string, data *orderPayload) error {
	if data.ID == "" {
		return fmt.Errorf("invalid order payload: %w", ErrInvalidEnvelope)
	}

	var customerID *string
	if data.Customer != nil && data.Customer.ID != "" {
		id := string(data.Customer.ID)
		customerID = &id
		if err := upsertCustomer(ctx, tx, tenantID, data.Customer); err != nil {
			return err
		}
	}

	createdAtShop := data.createdAtShop()
	total := data.totalPrice()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id, tenant_id, customer_id, total_price, created_at_shop)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, id) DO UPDATE SET
		   customer_id = EXCLUDED.customer_id,
		   total_price = EXCLUDED.total_price,
		   created_at_shop = EXCLUDED.created_at_shop,
		   updated_at = CURRENT_TIMESTAMP`,
		string(data.ID), tenantID, customerID, total, createdAtShop,
	); err != nil {
		return fmt.Errorf("failed to upsert order: %w", err)
	}

	if customerID != nil {
		// Atomic increment, no read-modify-write, so concurrent orders for
		// the same customer cannot lose updates.
		if _, err := tx.ExecContext(ctx,
			`UPDATE customers SET total_spent = total_spent + $1, updated_at = CURRENT_TIMESTAMP
			 WHERE tenant_id = $2 AND id = $3`,
			total, tenantID, *customerID,
		); err != nil {
			return fmt.Errorf("failed to update customer total_spent: %w", err)
		}
	}

	return nil
}

// execer is satisfied by both *sql.Tx and *sql.DB.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// upsertCustomer inserts or updates a customer without touching total_spent;
// that column is owned by order ingestion.
func upsertCustomer(ctx context.Context, tx execer, tenantID string, data *customerPayload) error {
	if data.ID == "" {
		return fmt.Errorf("invalid customer payload: %w", ErrInvalidEnvelope)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO customers (id, tenant_id, email, first_name, last_name)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, id) DO UPDATE SET
		   email = EXCLUDED.email,
		   first_name = EXCLUDED.first_name,
		   last_name = EXCLUDED.last_name,
		   updated_at = CURRENT_TIMESTAMP`,
		string(data.ID), tenantID, data.email(), data.firstName(), data.lastName(),
	); err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}
	return nil
}

// upsertCustomerSnapshot is the backfill variant: the source already knows the
// customer's lifetime spend, so the snapshot overwrites total_spent.
func upsertCustomerSnapshot(ctx context.Context, tx execer, tenantID string, data *customerPayload) error {
	if data.ID == "" {
		return fmt.Errorf("invalid customer payload: %w", ErrInvalidEnvelope)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO customers (id, tenant_id, email, first_name, last_name, total_spent)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, id) DO UPDATE SET
		   email = EXCLUDED.email,
		   first_name = EXCLUDED.first_name,
		   last_name = EXCLUDED.last_name,
		   total_spent = EXCLUDED.total_spent,
		   updated_at = CURRENT_TIMESTAMP`,
		string(data.ID), tenantID, data.email(), data.firstName(), data.lastName(), float64(data.TotalSpent),
	); err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}
	return nil
}

func upsertProduct(ctx context.Context, tx execer, tenantID string, data *productPayload) error {
	if data.ID == "" {
		return fmt.Errorf("invalid product payload: %w", ErrInvalidEnvelope)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO products (id, tenant_id, title, price)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, id) DO UPDATE SET
		   title = EXCLUDED.title,
		   price = EXCLUDED.price,
		   updated_at = CURRENT_TIMESTAMP`,
		string(data.ID), tenantID, data.Title, data.price(),
	); err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}

// flexString accepts a JSON string or number. External ids look numeric but
// are treated as opaque strings to avoid precision loss on 64-bit ids.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = flexString(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

// flexFloat accepts a JSON number or numeric string; anything unparseable
// coerces to 0 rather than failing the ingestion.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(str, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}

type customerPayload struct {
	ID           flexString `json:"id"`
	Email        string     `json:"email"`
	EmailAddress string     `json:"email_address"`
	FirstName    string     `json:"first_name"`
	FirstNameAlt string     `json:"firstName"`
	LastName     string     `json:"last_name"`
	LastNameAlt  string     `json:"lastName"`
	TotalSpent   flexFloat  `json:"total_spent"`
}

func (c *customerPayload) email() string {
	if c.Email != "" {
		return c.Email
	}
	return c.EmailAddress
}

func (c *customerPayload) firstName() string {
	if c.FirstName != "" {
		return c.FirstName
	}
	return c.FirstNameAlt
}

func (c *customerPayload) lastName() string {
	if c.LastName != "" {
		return c.LastName
	}
	return c.LastNameAlt
}

type productPayload struct {
	ID       flexString `json:"id"`
	Title    string     `json:"title"`
	Price    flexFloat  `json:"price"`
	Variants []struct {
		Price flexFloat `json:"price"`
	} `json:"variants"`
}

// price prefers the first variant's price, the top-level price otherwise.
func (p *productPayload) price() float64 {
	if len(p.Variants) > 0 && p.Variants[0].Price != 0 {
		return float64(p.Variants[0].Price)
	}
	return float64(p.Price)
}

type orderPayload struct {
	ID            flexString       `json:"id"`
	Customer      *customerPayload `json:"customer"`
	TotalPrice    flexFloat        `json:"total_price"`
	TotalPriceAlt flexFloat        `json:"totalPrice"`
	CreatedAt     string           `json:"created_at"`
}

func (o *orderPayload) totalPrice() float64 {
	if o.TotalPrice != 0 {
		return float64(o.TotalPrice)
	}
	return float64(o.TotalPriceAlt)
}

// createdAtShop parses the store-side timestamp, falling back to ingestion
// time when it is missing or malformed.
func (o *orderPayload) createdAtShop() time.Time {
	if o.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, o.CreatedAt); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}
