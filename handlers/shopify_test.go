package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"insights-svc/config"
	"insights-svc/ingest"
	"insights-svc/shopify"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type stubStoreAPI struct {
	records map[string][]json.RawMessage
	err     error
}

func (s *stubStoreAPI) GetAll(ctx context.Context, shop, token, path string, params url.Values) ([]json.RawMessage, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.records[path], nil
}

func setupShopifyTest(t *testing.T, api ingest.StoreAPI, client *shopify.Client) (sqlmock.Sqlmock, *gin.Engine) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	cfg := &config.Config{
		ShopifyAPIKey:    "key",
		ShopifyAPISecret: "secret",
		ShopifyScopes:    "read_products,read_customers,read_orders",
		AppURL:           "http://localhost:8080",
	}
	if client == nil {
		client = shopify.NewClient(logger)
	}
	backfiller := ingest.NewBackfiller(db, api, nil, logger)
	handler := NewShopifyHandler(db, client, backfiller, cfg, logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/shopify/install", handler.Install)
	router.GET("/api/shopify/callback", handler.Callback)
	router.POST("/api/shopify/backfill", handler.Backfill)

	return mock, router
}

func TestInstall_RedirectsWithState(t *testing.T) {
	_, router := setupShopifyTest(t, &stubStoreAPI{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/shopify/install?shop=demo.myshopify.com", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("Expected status %d, got %d", http.StatusFound, w.Code)
	}

	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Bad redirect location: %v", err)
	}
	if loc.Host != "demo.myshopify.com" || loc.Path != "/admin/oauth/authorize" {
		t.Errorf("Unexpected redirect target: %s", loc)
	}
	q := loc.Query()
	if q.Get("client_id") != "key" {
		t.Errorf("Expected client_id in redirect, got %q", q.Get("client_id"))
	}
	if q.Get("state") == "" {
		t.Error("Expected a random state parameter in the redirect")
	}
	if !strings.Contains(q.Get("redirect_uri"), "/api/shopify/callback") {
		t.Errorf("Unexpected redirect_uri: %q", q.Get("redirect_uri"))
	}
}

func TestInstall_MissingShop(t *testing.T) {
	_, router := setupShopifyTest(t, &stubStoreAPI{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/shopify/install", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestCallback_NewTenant(t *testing.T) {
	exchange := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"shpat_fresh"}`)
	}))
	defer exchange.Close()

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	client := shopify.NewClient(logger)
	client.BaseURL = exchange.URL

	mock, router := setupShopifyTest(t, &stubStoreAPI{}, client)

	mock.ExpectQuery("SELECT id FROM tenants WHERE store_domain = \\$1").
		WithArgs("demo.myshopify.com").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO tenants").
		WithArgs(sqlmock.AnyArg(), "demo.myshopify.com", "demo.myshopify.com", "shpat_fresh").
		WillReturnResult(sqlmock.NewResult(1, 1))

	req := httptest.NewRequest(http.MethodGet, "/api/shopify/callback?shop=demo.myshopify.com&code=abc", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestCallback_ExistingTenantTokenRotated(t *testing.T) {
	exchange := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"shpat_rotated"}`)
	}))
	defer exchange.Close()

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	client := shopify.NewClient(logger)
	client.BaseURL = exchange.URL

	mock, router := setupShopifyTest(t, &stubStoreAPI{}, client)

	mock.ExpectQuery("SELECT id FROM tenants WHERE store_domain = \\$1").
		WithArgs("demo.myshopify.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("t1"))
	mock.ExpectExec("UPDATE tenants SET access_token = \\$1").
		WithArgs("shpat_rotated", "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodGet, "/api/shopify/callback?shop=demo.myshopify.com&code=abc", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestBackfillEndpoint_TenantNotConfigured(t *testing.T) {
	mock, router := setupShopifyTest(t, &stubStoreAPI{}, nil)

	mock.ExpectQuery("SELECT store_domain, access_token FROM tenants WHERE id = \\$1").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"store_domain", "access_token"}).AddRow(nil, nil))

	req := httptest.NewRequest(http.MethodPost, "/api/shopify/backfill?tenantId=t1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d: %s", http.StatusBadRequest, w.Code, w.Body.String())
	}
}

func TestBackfillEndpoint_UpstreamFailure(t *testing.T) {
	mock, router := setupShopifyTest(t, &stubStoreAPI{err: shopify.ErrUpstream}, nil)

	mock.ExpectQuery("SELECT store_domain, access_token FROM tenants WHERE id = \\$1").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"store_domain", "access_token"}).
			AddRow("demo.myshopify.com", "shpat_token"))

	req := httptest.NewRequest(http.MethodPost, "/api/shopify/backfill?tenantId=t1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d: %s", http.StatusInternalServerError, w.Code, w.Body.String())
	}
}

func TestBackfillEndpoint_Success(t *testing.T) {
	api := &stubStoreAPI{
		records: map[string][]json.RawMessage{
			"customers": {json.RawMessage(`{"id": 1, "email": "a@x.com", "total_spent": "10.00"}`)},
			"products":  {json.RawMessage(`{"id": 2, "title": "Mug", "price": "5.00"}`)},
			"orders":    {},
		},
	}
	mock, router := setupShopifyTest(t, api, nil)

	mock.ExpectQuery("SELECT store_domain, access_token FROM tenants WHERE id = \\$1").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"store_domain", "access_token"}).
			AddRow("demo.myshopify.com", "shpat_token"))
	mock.ExpectExec("INSERT INTO customers").
		WithArgs("1", "t1", "a@x.com", "", "", 10.00).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO products").
		WithArgs("2", "t1", "Mug", 5.00).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/shopify/backfill?tenantId=t1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp struct {
		Status string        `json:"status"`
		Counts ingest.Counts `json:"counts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Counts.Customers != 1 || resp.Counts.Products != 1 || resp.Counts.Orders != 0 {
		t.Errorf("Unexpected counts: %+v", resp.Counts)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}
