package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"insights-svc/cache"
	"insights-svc/config"
	"insights-svc/ingest"
	"insights-svc/kafka"
	"insights-svc/middleware"
	"insights-svc/models"
	"insights-svc/webhook"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type WebhookHandler struct {
	db       *sql.DB
	ingestor *ingest.Ingestor
	producer sarama.SyncProducer
	rdb      *redis.Client
	cfg      *config.Config
	logger   *zap.Logger
}

func NewWebhookHandler(
	db *sql.DB,
	ingestor *ingest.Ingestor,
	producer sarama.SyncProducer,
	rdb *redis.Client,
	cfg *config.Config,
	logger *zap.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		db:       db,
		ingestor: ingestor,
		producer: producer,
		rdb:      rdb,
		cfg:      cfg,
		logger:   logger,
	}
}

// Receive handles POST /api/webhooks/receive: resolve tenant, verify the
// HMAC signature against the raw body, then ingest.
func (h *WebhookHandler) Receive(c *gin.Context) {
	ctx, span := otel.Tracer("insights-svc").Start(c.Request.Context(), "ReceiveWebhook")
	defer span.End()

	tenantID := c.GetHeader("x-tenant-id")
	if tenantID == "" {
		tenantID = c.Query("tenantId")
	}
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenantId required in header x-tenant-id or query"})
		return
	}
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	rawBody, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	var secret sql.NullString
	err = h.db.QueryRowContext(ctx, "SELECT webhook_secret FROM tenants WHERE id = $1", tenantID).Scan(&secret)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenantId"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to load tenant", zap.String("trace_id", middleware.GetTraceID(ctx)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	// The simulation bypass is a transport-level flag, never part of the
	// body, and is disabled entirely in strict mode.
	allowSim := c.GetHeader("x-allow-sim") == "true" && !h.cfg.WebhookRequireSecret

	if secret.Valid && secret.String != "" && !allowSim {
		signature := c.GetHeader("x-webhook-signature")
		if signature == "" {
			signature = c.GetHeader("x-shopify-hmac-sha256")
		}
		if !webhook.Verify(rawBody, signature, secret.String) {
			span.SetAttributes(attribute.Bool("signature_valid", false))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
			return
		}
	} else if h.cfg.WebhookRequireSecret {
		// Strict mode: a tenant without a provisioned secret cannot
		// receive webhooks at all.
		c.JSON(http.StatusUnauthorized, gin.H{"error": "tenant has no webhook secret configured"})
		return
	}

	var envelope models.WebhookEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if envelope.Type == "" || len(envelope.Data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type and data required"})
		return
	}
	span.SetAttributes(attribute.String("event.type", envelope.Type))

	if err := h.ingestor.Ingest(ctx, tenantID, envelope.Type, envelope.Data); err != nil {
		if errors.Is(err, ingest.ErrInvalidEnvelope) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		span.RecordError(err)
		h.logger.Error("Ingestion failed",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("tenant_id", tenantID),
			zap.String("event_type", envelope.Type),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if h.rdb != nil {
		if err := cache.InvalidateSummary(ctx, h.rdb, tenantID); err != nil {
			h.logger.Error("Failed to invalidate summary cache", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}

	if h.producer != nil {
		event := models.Event{
			TenantID:  tenantID,
			EventType: envelope.Type,
			Payload:   envelope.Data,
		}
		if err := kafka.PublishWebhookEvent(ctx, h.producer, h.cfg.KafkaTopic, event, h.logger); err != nil {
			// Fan-out is best effort; the event is already audited.
			h.logger.Error("Failed to publish event", zap.Error(err))
		}
	}

	h.logger.Info("Webhook ingested",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("tenant_id", tenantID),
		zap.String("event_type", envelope.Type),
	)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
