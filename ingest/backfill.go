package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"insights-svc/cache"
	"insights-svc/middleware"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrBackfillLocked      = errors.New("backfill already running for tenant")
	ErrTenantNotConfigured = errors.New("tenant not configured with store domain and access token")
)

// Counts reports how many records a backfill pulled per entity.
type Counts struct {
	Customers int `json:"customers"`
	Products  int `json:"products"`
	Orders    int `json:"orders"`
}

// StoreAPI is the slice of the Shopify client the backfill needs.
type StoreAPI interface {
	GetAll(ctx context.Context, shop, token, path string, params url.Values) ([]json.RawMessage, error)
}

type Backfiller struct {
	db     *sql.DB
	api    StoreAPI
	rdb    *redis.Client
	logger *zap.Logger

	// Fallback per-tenant locks when Redis is not configured.
	mu    sync.Mutex
	local map[string]bool
}

func NewBackfiller(db *sql.DB, api StoreAPI, rdb *redis.Client, logger *zap.Logger) *Backfiller {
	return &Backfiller{
		db:     db,
		api:    api,
		rdb:    rdb,
		logger: logger,
		local:  make(map[string]bool),
	}
}

// Backfill pulls the tenant's full customer, product and order history from
// the external store and upserts everything. The first failed page aborts the
// whole run; there is no partial resume.
func (b *Backfiller) Backfill(ctx context.Context, tenantID string) (Counts, error) {
	var counts Counts

	var shop, token sql.NullString
	err := b.db.QueryRowContext(ctx,
		"SELECT store_domain, access_token FROM tenants WHERE id = $1", tenantID,
	).Scan(&shop, &token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return counts, ErrTenantNotConfigured
		}
		return counts, fmt.Errorf("failed to load tenant: %w", err)
	}
	if !shop.Valid || shop.String == "" || !token.Valid || token.String == "" {
		return counts, ErrTenantNotConfigured
	}

	unlock, err := b.lock(ctx, tenantID)
	if err != nil {
		return counts, err
	}
	defer unlock()

	customers, err := b.api.GetAll(ctx, shop.String, token.String, "customers", nil)
	if err != nil {
		return counts, err
	}
	for _, raw := range customers {
		var data customerPayload
		if err := json.Unmarshal(raw, &data); err != nil {
			return counts, fmt.Errorf("invalid customer record: %w", err)
		}
		if err := upsertCustomerSnapshot(ctx, b.db, tenantID, &data); err != nil {
			return counts, err
		}
	}
	counts.Customers = len(customers)
	middleware.RecordBackfillRecords("customers", counts.Customers)

	products, err := b.api.GetAll(ctx, shop.String, token.String, "products", nil)
	if err != nil {
		return counts, err
	}
	for _, raw := range products {
		var data productPayload
		if err := json.Unmarshal(raw, &data); err != nil {
			return counts, fmt.Errorf("invalid product record: %w", err)
		}
		if err := upsertProduct(ctx, b.db, tenantID, &data); err != nil {
			return counts, err
		}
	}
	counts.Products = len(products)
	middleware.RecordBackfillRecords("products", counts.Products)

	orders, err := b.api.GetAll(ctx, shop.String, token.String, "orders", url.Values{"status": {"any"}})
	if err != nil {
		return counts, err
	}
	for _, raw := range orders {
		var data orderPayload
		if err := json.Unmarshal(raw, &data); err != nil {
			return counts, fmt.Errorf("invalid order record: %w", err)
		}
		if err := ingestOrder(ctx, b.db, tenantID, &data); err != nil {
			return counts, err
		}
	}
	counts.Orders = len(orders)
	middleware.RecordBackfillRecords("orders", counts.Orders)

	b.logger.Info("Backfill completed",
		zap.String("tenant_id", tenantID),
		zap.Int("customers", counts.Customers),
		zap.Int("products", counts.Products),
		zap.Int("orders", counts.Orders),
	)

	return counts, nil
}

// lock acquires the per-tenant advisory lock, Redis-backed when available.
// The returned func releases it on every exit path.
func (b *Backfiller) lock(ctx context.Context, tenantID string) (func(), error) {
	if b.rdb != nil {
		ok, err := cache.AcquireBackfillLock(ctx, b.rdb, tenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire backfill lock: %w", err)
		}
		if !ok {
			return nil, ErrBackfillLocked
		}
		return func() {
			if err := cache.ReleaseBackfillLock(context.Background(), b.rdb, tenantID); err != nil {
				b.logger.Error("Failed to release backfill lock", zap.String("tenant_id", tenantID), zap.Error(err))
			}
		}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.local[tenantID] {
		return nil, ErrBackfillLocked
	}
	b.local[tenantID] = true
	return func() {
		b.mu.Lock()
		delete(b.local, tenantID)
		b.mu.Unlock()
	}, nil
}
