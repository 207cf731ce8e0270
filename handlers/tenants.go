package handlers

import (
	"database/sql"
	"net/http"

	"insights-svc/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type TenantsHandler struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewTenantsHandler(db *sql.DB, logger *zap.Logger) *TenantsHandler {
	return &TenantsHandler{db: db, logger: logger}
}

// Create handles POST /api/tenants: manual onboarding with an optional
// webhook secret. Store-installed tenants come through the OAuth callback.
func (h *TenantsHandler) Create(c *gin.Context) {
	var req models.CreateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var tenant models.Tenant
	err := h.db.QueryRowContext(c.Request.Context(),
		`INSERT INTO tenants (id, name, store_domain, webhook_secret)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, name, COALESCE(store_domain, ''), created_at, updated_at`,
		uuid.NewString(), req.Name, nullable(req.StoreDomain), nullable(req.WebhookSecret),
	).Scan(&tenant.ID, &tenant.Name, &tenant.StoreDomain, &tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		h.logger.Error("Failed to create tenant", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	h.logger.Info("Tenant created", zap.String("tenant_id", tenant.ID), zap.String("name", tenant.Name))
	c.JSON(http.StatusCreated, gin.H{"tenant": tenant})
}

// List handles GET /api/tenants.
func (h *TenantsHandler) List(c *gin.Context) {
	rows, err := h.db.QueryContext(c.Request.Context(),
		`SELECT id, name, COALESCE(store_domain, ''), created_at, updated_at FROM tenants ORDER BY created_at`)
	if err != nil {
		h.logger.Error("Failed to list tenants", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	tenants := []models.Tenant{}
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.StoreDomain, &t.CreatedAt, &t.UpdatedAt); err != nil {
			h.logger.Error("Failed to scan tenant", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		h.logger.Error("Failed to read tenants", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tenants": tenants})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
