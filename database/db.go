package database

import (
	"database/sql"
	"fmt"

	"insights-svc/config"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func InitDB(cfg *config.Config, logger *zap.Logger) (*sql.DB, error) {
	psqlInfo := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Create tables if they don't exist. External ids are opaque strings,
	// unique per tenant, so every entity key is (tenant_id, id).
	createTableQuery := `
	CREATE TABLE IF NOT EXISTS tenants (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		store_domain VARCHAR(255),
		webhook_secret VARCHAR(255),
		access_token VARCHAR(255),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS customers (
		id VARCHAR(64) NOT NULL,
		tenant_id VARCHAR(64) NOT NULL REFERENCES tenants(id),
		email VARCHAR(255),
		first_name VARCHAR(255),
		last_name VARCHAR(255),
		total_spent DECIMAL(12, 2) NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE IF NOT EXISTS products (
		id VARCHAR(64) NOT NULL,
		tenant_id VARCHAR(64) NOT NULL REFERENCES tenants(id),
		title VARCHAR(255),
		price DECIMAL(12, 2) NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE IF NOT EXISTS orders (
		id VARCHAR(64) NOT NULL,
		tenant_id VARCHAR(64) NOT NULL REFERENCES tenants(id),
		customer_id VARCHAR(64),
		total_price DECIMAL(12, 2) NOT NULL DEFAULT 0,
		created_at_shop TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE IF NOT EXISTS events (
		id SERIAL PRIMARY KEY,
		tenant_id VARCHAR(64) NOT NULL REFERENCES tenants(id),
		event_type VARCHAR(128) NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS users (
		id SERIAL PRIMARY KEY,
		name VARCHAR(255),
		email VARCHAR(255) UNIQUE NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_orders_tenant_shop_date ON orders (tenant_id, created_at_shop);
	CREATE INDEX IF NOT EXISTS idx_customers_tenant_spent ON customers (tenant_id, total_spent DESC);
	`

	if _, err := db.Exec(createTableQuery); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info("Database connection established")
	return db, nil
}
