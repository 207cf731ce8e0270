package handlers

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"insights-svc/models"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type OrdersHandler struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewOrdersHandler(db *sql.DB, logger *zap.Logger) *OrdersHandler {
	return &OrdersHandler{db: db, logger: logger}
}

const orderColumns = `o.id, o.tenant_id, o.customer_id, o.total_price, o.created_at_shop, o.created_at, o.updated_at,
	c.email, c.first_name, c.last_name`

// List handles GET /api/orders: tenant-scoped, paginated, newest store-side
// date first, optional start/end range on the store-side timestamp.
func (h *OrdersHandler) List(c *gin.Context) {
	ctx, span := otel.Tracer("insights-svc").Start(c.Request.Context(), "ListOrders")
	defer span.End()

	tenantID := tenantIDFrom(c)
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenantId required"})
		return
	}
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	limit := clampInt(c.Query("limit"), 100, 5000)
	offset, _ := strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}

	start, end, err := dateRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	query := `SELECT ` + orderColumns + `
		FROM orders o
		LEFT JOIN customers c ON c.tenant_id = o.tenant_id AND c.id = o.customer_id
		WHERE o.tenant_id = $1`
	args := []any{tenantID}
	if start != nil {
		args = append(args, *start)
		query += fmt.Sprintf(" AND o.created_at_shop >= $%d", len(args))
	}
	if end != nil {
		args = append(args, *end)
		query += fmt.Sprintf(" AND o.created_at_shop <= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY o.created_at_shop DESC LIMIT $%d", len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	orders, err := h.queryOrders(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to list orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// Recent handles GET /api/orders/recent: most recently ingested orders.
func (h *OrdersHandler) Recent(c *gin.Context) {
	ctx, span := otel.Tracer("insights-svc").Start(c.Request.Context(), "RecentOrders")
	defer span.End()

	tenantID := tenantIDFrom(c)
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenantId required"})
		return
	}
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	limit := clampInt(c.Query("limit"), 10, 100)

	query := `SELECT ` + orderColumns + `
		FROM orders o
		LEFT JOIN customers c ON c.tenant_id = o.tenant_id AND c.id = o.customer_id
		WHERE o.tenant_id = $1
		ORDER BY o.created_at DESC LIMIT $2`

	orders, err := h.queryOrders(ctx, query, tenantID, limit)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to list recent orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// ExportCSV handles GET /api/export/orders.csv: streams the tenant's orders
// as CSV with proper quoting.
func (h *OrdersHandler) ExportCSV(c *gin.Context) {
	ctx, span := otel.Tracer("insights-svc").Start(c.Request.Context(), "ExportOrdersCSV")
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

	query := `SELECT o.id, o.customer_id, o.total_price, o.created_at_shop, o.created_at
		FROM orders o WHERE o.tenant_id = $1`
	args := []any{tenantID}
	if start != nil {
		args = append(args, *start)
		query += fmt.Sprintf(" AND o.created_at_shop >= $%d", len(args))
	}
	if end != nil {
		args = append(args, *end)
		query += fmt.Sprintf(" AND o.created_at_shop <= $%d", len(args))
	}
	query += " ORDER BY o.created_at_shop DESC LIMIT 5000"

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to export orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="orders_%s.csv"`, tenantID))
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	if err := w.Write([]string{"id", "customerId", "totalPrice", "createdAtShop", "createdAt"}); err != nil {
		h.logger.Error("Failed to write CSV header", zap.Error(err))
		return
	}

	for rows.Next() {
		var (
			id            string
			customerID    sql.NullString
			totalPrice    float64
			createdAtShop sql.NullTime
			createdAt     time.Time
		)
		if err := rows.Scan(&id, &customerID, &totalPrice, &createdAtShop, &createdAt); err != nil {
			h.logger.Error("Failed to scan order row for export", zap.Error(err))
			return
		}

		shopDate := ""
		if createdAtShop.Valid {
			shopDate = createdAtShop.Time.UTC().Format(time.RFC3339)
		}
		record := []string{
			id,
			customerID.String,
			strconv.FormatFloat(totalPrice, 'f', 2, 64),
			shopDate,
			createdAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			h.logger.Error("Failed to write CSV row", zap.Error(err))
			return
		}
	}
	if err := rows.Err(); err != nil {
		h.logger.Error("Failed to read order rows for export", zap.Error(err))
	}

	w.Flush()
}

func (h *OrdersHandler) queryOrders(ctx context.Context, query string, args ...any) ([]models.OrderWithCustomer, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []models.OrderWithCustomer{}
	for rows.Next() {
		var o models.OrderWithCustomer
		var customerID sql.NullString
		var createdAtShop sql.NullTime
		var email, firstName, lastName sql.NullString
		if err := rows.Scan(
			&o.ID, &o.TenantID, &customerID, &o.TotalPrice, &createdAtShop,
			&o.CreatedAt, &o.UpdatedAt, &email, &firstName, &lastName,
		); err != nil {
			return nil, err
		}
		if customerID.Valid {
			o.CustomerID = &customerID.String
		}
		if createdAtShop.Valid {
			o.CreatedAtShop = &createdAtShop.Time
		}
		if email.Valid {
			o.CustomerEmail = &email.String
		}
		if firstName.Valid {
			o.CustomerFirstName = &firstName.String
		}
		if lastName.Valid {
			o.CustomerLastName = &lastName.String
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func clampInt(raw string, def, max int) int {
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
