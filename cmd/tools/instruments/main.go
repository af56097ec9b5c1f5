package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"golang-tick-hub/internal/config"
	"golang-tick-hub/internal/instrument"
)

func main() {
	log.Printf("🚀 UPDATING INSTRUMENT DATABASE")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	dbPath := flag.String("db", cfg.Database.SQLite.Path, "instrument SQLite database")
	source := flag.String("source", cfg.Database.SQLite.InstrumentsURL, "instrument CSV file or http(s) URL")
	flag.Parse()

	if *source == "" {
		log.Fatalf("No instrument source given (use -source or INSTRUMENTS_URL)")
	}

	startTime := time.Now()

	db, err := instrument.NewDatabase(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open instrument database: %v", err)
	}
	defer db.Close()

	before := db.GetStats()
	log.Printf("📊 Current status: %v instruments", before["total_instruments"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var imported int
	if strings.HasPrefix(*source, "http://") || strings.HasPrefix(*source, "https://") {
		log.Printf("🔄 Fetching instruments from %s...", *source)
		imported, err = db.Fetch(ctx, *source)
	} else {
		log.Printf("🔄 Importing instruments from %s...", *source)
		var f *os.File
		f, err = os.Open(*source)
		if err == nil {
			imported, err = db.ImportCSV(ctx, f)
			f.Close()
		}
	}
	if err != nil {
		log.Fatalf("Failed to import instruments: %v", err)
	}

	after := db.GetStats()
	log.Printf("\n✅ INSTRUMENT UPDATE COMPLETED!")
	log.Printf("⏱️  Total time taken: %v", time.Since(startTime))
	log.Printf("📊 Final statistics:")
	log.Printf("   Imported: %d", imported)
	log.Printf("   Total instruments: %v", after["total_instruments"])
	log.Printf("   By exchange: %v", after["by_exchange"])
}
