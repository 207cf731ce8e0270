package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"insights-svc/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func setupTenantsTest(t *testing.T) (sqlmock.Sqlmock, *gin.Engine) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	handler := NewTenantsHandler(db, logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/tenants", handler.Create)
	router.GET("/api/tenants", handler.List)

	return mock, router
}

func TestCreateTenant(t *testing.T) {
	mock, router := setupTenantsTest(t)

	now := time.Now()
	mock.ExpectQuery("INSERT INTO tenants").
		WithArgs(sqlmock.AnyArg(), "Acme Store", "acme.myshopify.com", "whsec_abc").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "store_domain", "created_at", "updated_at"}).
			AddRow("t1", "Acme Store", "acme.myshopify.com", now, now))

	body, _ := json.Marshal(models.CreateTenantRequest{
		Name:          "Acme Store",
		StoreDomain:   "acme.myshopify.com",
		WebhookSecret: "whsec_abc",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/tenants", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}

	var resp struct {
		Tenant models.Tenant `json:"tenant"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Tenant.ID != "t1" || resp.Tenant.Name != "Acme Store" {
		t.Errorf("Unexpected tenant in response: %+v", resp.Tenant)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestCreateTenant_MissingName(t *testing.T) {
	_, router := setupTenantsTest(t)

	req := httptest.NewRequest(http.MethodPost, "/api/tenants", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestListTenants(t *testing.T) {
	mock, router := setupTenantsTest(t)

	now := time.Now()
	mock.ExpectQuery("SELECT id, name, COALESCE\\(store_domain, ''\\), created_at, updated_at FROM tenants").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "store_domain", "created_at", "updated_at"}).
			AddRow("t1", "Acme Store", "acme.myshopify.com", now, now).
			AddRow("t2", "Manual Tenant", "", now, now))

	req := httptest.NewRequest(http.MethodGet, "/api/tenants", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp struct {
		Tenants []models.Tenant `json:"tenants"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Tenants) != 2 {
		t.Fatalf("Expected 2 tenants, got %d", len(resp.Tenants))
	}
	if resp.Tenants[1].StoreDomain != "" {
		t.Errorf("Expected empty store domain on manual tenant, got %q", resp.Tenants[1].StoreDomain)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}
