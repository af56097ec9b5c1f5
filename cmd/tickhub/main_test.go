package main

import (
	"context"
	"testing"
)

func TestStorageStatsWithoutBackingStores(t *testing.T) {
	app := &Application{}
	stats := app.storageStats(context.Background())
	if stats["status_cache"] != "memory" || stats["journal"] != "memory" {
		t.Fatalf("expected in-memory storage stats, got %v", stats)
	}
}
