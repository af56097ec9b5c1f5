package main

import (
	"context"
	"database/sql"
	"log"
	"time"

	"golang-tick-hub/internal/config"
	"golang-tick-hub/internal/storage"
)

func main() {
	log.Printf("🔧 MIGRATING ORDER JOURNAL DATABASE")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Database.Postgres.URL == "" {
		log.Fatalf("POSTGRES_URL is not set, nothing to migrate")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := storage.OpenPostgres(ctx, cfg.Database.Postgres.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	log.Printf("🔄 Applying %d migrations...", len(storage.Migrations))
	if err := storage.Migrate(ctx, db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	// Verify the journal table
	if err := printColumns(ctx, db, "orders"); err != nil {
		log.Fatalf("Failed to verify table info: %v", err)
	}

	log.Printf("✅ MIGRATION COMPLETED!")
}

func printColumns(ctx context.Context, db *sql.DB, table string) error {
	rows, err := db.QueryContext(ctx, `
		SELECT ordinal_position, column_name, data_type
		FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return err
	}
	defer rows.Close()

	log.Printf("📋 %s columns:", table)
	for rows.Next() {
		var position int
		var name, dataType string
		if err := rows.Scan(&position, &name, &dataType); err != nil {
			return err
		}
		log.Printf("   %d: %s (%s)", position, name, dataType)
	}
	return rows.Err()
}
