package handlers

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"insights-svc/config"
	"insights-svc/ingest"
	"insights-svc/middleware"
	"insights-svc/shopify"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type ShopifyHandler struct {
	db         *sql.DB
	client     *shopify.Client
	backfiller *ingest.Backfiller
	cfg        *config.Config
	logger     *zap.Logger
}

func NewShopifyHandler(
	db *sql.DB,
	client *shopify.Client,
	backfiller *ingest.Backfiller,
	cfg *config.Config,
	logger *zap.Logger,
) *ShopifyHandler {
	return &ShopifyHandler{
		db:         db,
		client:     client,
		backfiller: backfiller,
		cfg:        cfg,
		logger:     logger,
	}
}

// Install handles GET /api/shopify/install: redirect the merchant to the
// store's authorize URL with a random anti-forgery state.
func (h *ShopifyHandler) Install(c *gin.Context) {
	shop := c.Query("shop")
	if shop == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing shop query param (e.g. dev-store.myshopify.com)"})
		return
	}

	state := uuid.NewString()
	redirect := fmt.Sprintf(
		"https://%s/admin/oauth/authorize?client_id=%s&scope=%s&redirect_uri=%s&state=%s",
		shop,
		h.cfg.ShopifyAPIKey,
		url.QueryEscape(h.cfg.ShopifyScopes),
		url.QueryEscape(h.cfg.AppURL+"/api/shopify/callback"),
		state,
	)

	c.Redirect(http.StatusFound, redirect)
}

// Callback handles GET /api/shopify/callback: exchange the code for an
// access token and create or update the tenant for the store.
func (h *ShopifyHandler) Callback(c *gin.Context) {
	ctx, span := otel.Tracer("insights-svc").Start(c.Request.Context(), "ShopifyCallback")
	defer span.End()

	shop := c.Query("shop")
	code := c.Query("code")
	if shop == "" || code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing shop or code"})
		return
	}
	span.SetAttributes(attribute.String("shop", shop))

	token, err := h.client.ExchangeToken(ctx, shop, h.cfg.ShopifyAPIKey, h.cfg.ShopifyAPISecret, code)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Token exchange failed", zap.String("shop", shop), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token exchange failed"})
		return
	}

	var tenantID string
	err = h.db.QueryRowContext(ctx, "SELECT id FROM tenants WHERE store_domain = $1", shop).Scan(&tenantID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		tenantID = uuid.NewString()
		_, err = h.db.ExecContext(ctx,
			"INSERT INTO tenants (id, name, store_domain, access_token) VALUES ($1, $2, $3, $4)",
			tenantID, shop, shop, token,
		)
	case err == nil:
		_, err = h.db.ExecContext(ctx,
			"UPDATE tenants SET access_token = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2",
			token, tenantID,
		)
	}
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to persist tenant token", zap.String("shop", shop), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	h.logger.Info("Store installed", zap.String("shop", shop), zap.String("tenant_id", tenantID))
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK,
		"<h3>App installed for %s</h3><p>Tenant id: %s</p><p>Close this window and return to the dashboard.</p>",
		shop, tenantID,
	)
}

// Backfill handles POST /api/shopify/backfill: pull the tenant's history
// from the store and upsert everything.
func (h *ShopifyHandler) Backfill(c *gin.Context) {
	ctx, span := otel.Tracer("insights-svc").Start(c.Request.Context(), "Backfill")
	defer span.End()

	tenantID := tenantIDFrom(c)
	if tenantID == "" {
		var body struct {
			TenantID string `json:"tenantId"`
		}
		if err := c.ShouldBindJSON(&body); err == nil {
			tenantID = body.TenantID
		}
	}
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenantId required"})
		return
	}
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	counts, err := h.backfiller.Backfill(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, ingest.ErrTenantNotConfigured):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, ingest.ErrBackfillLocked):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, shopify.ErrUpstreamTimeout):
			h.logger.Error("Backfill timed out", zap.String("tenant_id", tenantID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upstream timeout"})
		default:
			h.logger.Error("Backfill failed",
				zap.String("trace_id", middleware.GetTraceID(ctx)),
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "backfill failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "counts": counts})
}
