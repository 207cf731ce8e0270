package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"

	"insights-svc/shopify"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakeStoreAPI struct {
	records map[string][]json.RawMessage
	errs    map[string]error
	calls   []string
	mu      sync.Mutex
}

func (f *fakeStoreAPI) GetAll(ctx context.Context, shop, token, path string, params url.Values) ([]json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	f.mu.Unlock()
	if err := f.errs[path]; err != nil {
		return nil, err
	}
	return f.records[path], nil
}

func setupBackfillTest(t *testing.T, api StoreAPI) (*Backfiller, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	return NewBackfiller(db, api, nil, logger), mock
}

func expectTenantLookup(mock sqlmock.Sqlmock, tenantID string) {
	mock.ExpectQuery("SELECT store_domain, access_token FROM tenants WHERE id = \\$1").
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"store_domain", "access_token"}).
			AddRow("demo.myshopify.com", "shpat_token"))
}

func TestBackfill_AllEntities(t *testing.T) {
	api := &fakeStoreAPI{
		records: map[string][]json.RawMessage{
			"customers": {
				json.RawMessage(`{"id": 1, "email": "a@x.com", "first_name": "A", "last_name": "One", "total_spent": "250.00"}`),
				json.RawMessage(`{"id": 2, "email": "b@x.com", "first_name": "B", "last_name": "Two", "total_spent": "0.00"}`),
			},
			"products": {
				json.RawMessage(`{"id": 10, "title": "Mug", "variants": [{"price": "12.50"}]}`),
			},
			"orders": {
				json.RawMessage(`{"id": 100, "total_price": "50.00", "created_at": "2024-05-01T10:00:00Z", "customer": {"id": 1}}`),
				json.RawMessage(`{"id": 101, "total_price": "25.00", "created_at": "2024-05-02T10:00:00Z"}`),
			},
		},
	}
	b, mock := setupBackfillTest(t, api)

	expectTenantLookup(mock, "t1")

	mock.ExpectExec("INSERT INTO customers").
		WithArgs("1", "t1", "a@x.com", "A", "One", 250.00).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO customers").
		WithArgs("2", "t1", "b@x.com", "B", "Two", 0.00).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("INSERT INTO products").
		WithArgs("10", "t1", "Mug", 12.50).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// order 100 carries an embedded customer, order 101 does not
	mock.ExpectExec("INSERT INTO customers").
		WithArgs("1", "t1", "", "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO orders").
		WithArgs("100", "t1", "1", 50.00, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE customers SET total_spent = total_spent \\+").
		WithArgs(50.00, "t1", "1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO orders").
		WithArgs("101", "t1", nil, 25.00, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	counts, err := b.Backfill(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}

	if counts.Customers != 2 || counts.Products != 1 || counts.Orders != 2 {
		t.Errorf("Unexpected counts: %+v", counts)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestBackfill_TenantNotConfigured(t *testing.T) {
	b, mock := setupBackfillTest(t, &fakeStoreAPI{})

	mock.ExpectQuery("SELECT store_domain, access_token FROM tenants WHERE id = \\$1").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"store_domain", "access_token"}).AddRow(nil, nil))

	if _, err := b.Backfill(context.Background(), "t1"); !errors.Is(err, ErrTenantNotConfigured) {
		t.Errorf("Expected ErrTenantNotConfigured, got %v", err)
	}
}

// The first upstream failure aborts the run with no further pulls.
func TestBackfill_FailFast(t *testing.T) {
	api := &fakeStoreAPI{
		records: map[string][]json.RawMessage{},
		errs:    map[string]error{"customers": shopify.ErrUpstream},
	}
	b, mock := setupBackfillTest(t, api)

	expectTenantLookup(mock, "t1")

	if _, err := b.Backfill(context.Background(), "t1"); !errors.Is(err, shopify.ErrUpstream) {
		t.Errorf("Expected upstream error, got %v", err)
	}

	if len(api.calls) != 1 {
		t.Errorf("Expected a single upstream call before aborting, got %v", api.calls)
	}
}

func TestBackfill_LocalLockBlocksConcurrentRun(t *testing.T) {
	b, _ := setupBackfillTest(t, &fakeStoreAPI{})

	unlock, err := b.lock(context.Background(), "t1")
	if err != nil {
		t.Fatalf("First lock failed: %v", err)
	}

	if _, err := b.lock(context.Background(), "t1"); !errors.Is(err, ErrBackfillLocked) {
		t.Errorf("Expected ErrBackfillLocked, got %v", err)
	}

	// A different tenant is unaffected
	unlock2, err := b.lock(context.Background(), "t2")
	if err != nil {
		t.Errorf("Lock for other tenant failed: %v", err)
	}
	unlock2()

	unlock()
	unlock3, err := b.lock(context.Background(), "t1")
	if err != nil {
		t.Errorf("Relock after release failed: %v", err)
	}
	unlock3()
}
