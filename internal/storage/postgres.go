package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"golang-tick-hub/internal/orders"
	"golang-tick-hub/internal/tick"

	_ "github.com/lib/pq"
)

const maxRecentOrders = 500

// Migrations create the order journal schema. They are idempotent.
var Migrations = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY,
		session_id VARCHAR(64) NOT NULL,
		instrument_token BIGINT NOT NULL,
		tradingsymbol VARCHAR(64) NOT NULL,
		exchange VARCHAR(10) NOT NULL,
		transaction_type VARCHAR(4) NOT NULL,
		quantity INTEGER NOT NULL,
		price DECIMAL(14,4) NOT NULL DEFAULT 0,
		order_type VARCHAR(10) NOT NULL,
		product VARCHAR(10) NOT NULL,
		broker_order_id VARCHAR(64) NOT NULL,
		placed_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);`,

	`CREATE INDEX IF NOT EXISTS idx_orders_placed_at
		ON orders (placed_at DESC);`,

	`CREATE INDEX IF NOT EXISTS idx_orders_instrument
		ON orders (instrument_token, placed_at DESC);`,

	`CREATE INDEX IF NOT EXISTS idx_orders_session
		ON orders (session_id);`,
}

// OpenPostgres opens and pings a Postgres connection
func OpenPostgres(ctx context.Context, connectionString string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open Postgres connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping Postgres: %w", err)
	}
	return db, nil
}

// Migrate applies Migrations in order
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, migration := range Migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration %d: %w", i+1, err)
		}
	}

	log.Printf("✅ Postgres migrations completed successfully")
	return nil
}

// PostgresJournal is the durable order journal
type PostgresJournal struct {
	db *sql.DB
}

// NewPostgresJournal connects, migrates and returns the journal
func NewPostgresJournal(ctx context.Context, connectionString string) (*PostgresJournal, error) {
	db, err := OpenPostgres(ctx, connectionString)
	if err != nil {
		return nil, err
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Printf("✅ Postgres order journal initialized successfully")
	return &PostgresJournal{db: db}, nil
}

// SetPoolLimits bounds the connection pool
func (j *PostgresJournal) SetPoolLimits(maxOpen, maxIdle int) {
	if maxOpen > 0 {
		j.db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		j.db.SetMaxIdleConns(maxIdle)
	}
}

// Save stores an order. Saving the same order id twice is a no-op.
func (j *PostgresJournal) Save(ctx context.Context, order orders.Order) error {
	query := `
		INSERT INTO orders (
			id, session_id, instrument_token, tradingsymbol, exchange,
			transaction_type, quantity, price, order_type, product,
			broker_order_id, placed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING;`

	_, err := j.db.ExecContext(ctx, query,
		order.ID,
		order.SessionID,
		int64(order.InstrumentToken),
		order.Tradingsymbol,
		order.Exchange,
		order.TransactionType,
		order.Quantity,
		order.Price,
		order.OrderType,
		order.Product,
		order.BrokerOrderID,
		order.PlacedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store order: %w", err)
	}
	return nil
}

// Recent returns up to limit orders, newest first
func (j *PostgresJournal) Recent(ctx context.Context, limit int) ([]orders.Order, error) {
	query := `
		SELECT id, session_id, instrument_token, tradingsymbol, exchange,
		       transaction_type, quantity, price, order_type, product,
		       broker_order_id, placed_at
		FROM orders
		ORDER BY placed_at DESC
		LIMIT $1;`

	rows, err := j.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []orders.Order
	for rows.Next() {
		var (
			order orders.Order
			token int64
		)
		if err := rows.Scan(
			&order.ID,
			&order.SessionID,
			&token,
			&order.Tradingsymbol,
			&order.Exchange,
			&order.TransactionType,
			&order.Quantity,
			&order.Price,
			&order.OrderType,
			&order.Product,
			&order.BrokerOrderID,
			&order.PlacedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		order.InstrumentToken = tick.Token(token)
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}
	return out, nil
}

// GetStats returns journal statistics
func (j *PostgresJournal) GetStats(ctx context.Context) (map[string]interface{}, error) {
	var total, today int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders").Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}
	if err := j.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM orders WHERE placed_at >= date_trunc('day', NOW())").Scan(&today); err != nil {
		return nil, fmt.Errorf("failed to count today's orders: %w", err)
	}

	return map[string]interface{}{
		"total_orders": total,
		"orders_today": today,
	}, nil
}

// Close closes the database connection
func (j *PostgresJournal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("failed to close Postgres connection: %w", err)
	}

	log.Printf("✅ Postgres order journal closed")
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxRecentOrders {
		return maxRecentOrders
	}
	return limit
}
