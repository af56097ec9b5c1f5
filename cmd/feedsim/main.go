package main

import (
	"flag"
	"log"
	"net/http"
	"strings"
	"time"

	"golang-tick-hub/internal/simulator"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  Warning: .env file not found, using system environment variables")
	}

	addr := flag.String("addr", "127.0.0.1:9000", "listen address")
	apiKey := flag.String("api-key", "", "required api_key on ticker connections (empty accepts any)")
	apiSecret := flag.String("api-secret", "", "secret used to verify token exchange checksums (empty skips the check)")
	interval := flag.Duration("interval", time.Second, "tick interval per connection")
	revoked := flag.String("revoked", "", "comma-separated access tokens to reject")
	flag.Parse()

	var revokedTokens []string
	for _, token := range strings.Split(*revoked, ",") {
		if token = strings.TrimSpace(token); token != "" {
			revokedTokens = append(revokedTokens, token)
		}
	}

	sim := simulator.New(simulator.Options{
		APIKey:       *apiKey,
		APISecret:    *apiSecret,
		TickInterval: *interval,
		Revoked:      revokedTokens,
	})

	log.Printf("🚀 Broker simulator listening on %s", *addr)
	log.Printf("🌐 Ticker: ws://%s/  REST: http://%s/api/session/status", *addr, *addr)
	if err := http.ListenAndServe(*addr, sim.Handler()); err != nil {
		log.Fatalf("❌ Simulator failed: %v", err)
	}
}
