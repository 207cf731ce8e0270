package handlers

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"insights-svc/cache"
	"insights-svc/models"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type MetricsHandler struct {
	db     *sql.DB
	rdb    *redis.Client
	logger *zap.Logger
}

func NewMetricsHandler(db *sql.DB, rdb *redis.Client, logger *zap.Logger) *MetricsHandler {
	return &MetricsHandler{db: db, rdb: rdb, logger: logger}
}

type DateBucket struct {
	Date    string  `json:"date"`
	Count   int     `json:"count"`
	Revenue float64 `json:"revenue"`
}

type SummaryResponse struct {
	TotalCustomers int               `json:"totalCustomers"`
	TotalOrders    int               `json:"totalOrders"`
	Revenue        float64           `json:"revenue"`
	OrdersByDate   []DateBucket      `json:"ordersByDate"`
	TopCustomers   []models.Customer `json:"topCustomers"`
}

// Summary handles GET /api/metrics/summary: tenant-scoped aggregates for the
// dashboard. Unfiltered responses are served from a short-lived Redis cache.
// The optional start/end range narrows totalOrders, revenue and ordersByDate;
// totalCustomers and topCustomers are lifetime figures and ignore it.
func (h *MetricsHandler) Summary(c *gin.Context) {
	ctx, span := otel.Tracer("insights-svc").Start(c.Request.Context(), "MetricsSummary")
	defer span.End()

	tenantID := tenantIDFrom(c)
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenantId required"})
		return
	}
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	start, end, err := dateRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	filtered := start != nil || end != nil

	if h.rdb != nil && !filtered {
		if data, err := cache.GetSummary(ctx, h.rdb, tenantID); err == nil {
			var cached SummaryResponse
			if err := json.Unmarshal(data, &cached); err == nil {
				span.SetAttributes(attribute.Bool("cache_hit", true))
				c.JSON(http.StatusOK, cached)
				return
			}
		}
	}

	var resp SummaryResponse

	if err := h.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM customers WHERE tenant_id = $1", tenantID,
	).Scan(&resp.TotalCustomers); err != nil {
		span.RecordError(err)
		h.fail(c, err, "failed to count customers")
		return
	}

	totalsQuery := "SELECT COUNT(*), COALESCE(SUM(total_price), 0) FROM orders WHERE tenant_id = $1"
	totalsArgs := []any{tenantID}
	if start != nil {
		totalsArgs = append(totalsArgs, *start)
		totalsQuery += fmt.Sprintf(" AND created_at_shop >= $%d", len(totalsArgs))
	}
	if end != nil {
		totalsArgs = append(totalsArgs, *end)
		totalsQuery += fmt.Sprintf(" AND created_at_shop <= $%d", len(totalsArgs))
	}
	if err := h.db.QueryRowContext(ctx, totalsQuery, totalsArgs...).Scan(&resp.TotalOrders, &resp.Revenue); err != nil {
		span.RecordError(err)
		h.fail(c, err, "failed to aggregate orders")
		return
	}

	bucketQuery := `SELECT DATE(created_at_shop) AS date, COUNT(*), COALESCE(SUM(total_price), 0)
		FROM orders WHERE tenant_id = $1 AND created_at_shop IS NOT NULL`
	args := []any{tenantID}
	if start != nil {
		args = append(args, *start)
		bucketQuery += fmt.Sprintf(" AND created_at_shop >= $%d", len(args))
	}
	if end != nil {
		args = append(args, *end)
		bucketQuery += fmt.Sprintf(" AND created_at_shop <= $%d", len(args))
	}
	bucketQuery += " GROUP BY DATE(created_at_shop) ORDER BY date ASC LIMIT 100"

	rows, err := h.db.QueryContext(ctx, bucketQuery, args...)
	if err != nil {
		span.RecordError(err)
		h.fail(c, err, "failed to bucket orders by date")
		return
	}
	defer rows.Close()

	resp.OrdersByDate = []DateBucket{}
	for rows.Next() {
		var date time.Time
		var bucket DateBucket
		if err := rows.Scan(&date, &bucket.Count, &bucket.Revenue); err != nil {
			span.RecordError(err)
			h.fail(c, err, "failed to scan date bucket")
			return
		}
		bucket.Date = date.Format("2006-01-02")
		resp.OrdersByDate = append(resp.OrdersByDate, bucket)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		h.fail(c, err, "failed to read date buckets")
		return
	}

	topRows, err := h.db.QueryContext(ctx,
		`SELECT id, tenant_id, COALESCE(email, ''), COALESCE(first_name, ''), COALESCE(last_name, ''), total_spent
		 FROM customers WHERE tenant_id = $1 ORDER BY total_spent DESC LIMIT 5`, tenantID)
	if err != nil {
		span.RecordError(err)
		h.fail(c, err, "failed to load top customers")
		return
	}
	defer topRows.Close()

	resp.TopCustomers = []models.Customer{}
	for topRows.Next() {
		var cust models.Customer
		if err := topRows.Scan(&cust.ID, &cust.TenantID, &cust.Email, &cust.FirstName, &cust.LastName, &cust.TotalSpent); err != nil {
			span.RecordError(err)
			h.fail(c, err, "failed to scan customer")
			return
		}
		resp.TopCustomers = append(resp.TopCustomers, cust)
	}
	if err := topRows.Err(); err != nil {
		span.RecordError(err)
		h.fail(c, err, "failed to read top customers")
		return
	}

	if h.rdb != nil && !filtered {
		if data, err := json.Marshal(resp); err == nil {
			if err := cache.SetSummary(ctx, h.rdb, tenantID, data); err != nil {
				h.logger.Error("Failed to cache summary", zap.String("tenant_id", tenantID), zap.Error(err))
			}
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (h *MetricsHandler) fail(c *gin.Context, err error, msg string) {
	h.logger.Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}
