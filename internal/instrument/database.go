package instrument

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang-tick-hub/internal/tick"

	_ "github.com/mattn/go-sqlite3"
)

// Instrument is one row of the broker's instrument master
type Instrument struct {
	Token          tick.Token `json:"instrumentToken"`
	ExchangeToken  uint32     `json:"exchangeToken"`
	Tradingsymbol  string     `json:"tradingsymbol"`
	Name           string     `json:"name"`
	LastPrice      float64    `json:"lastPrice"`
	Expiry         string     `json:"expiry,omitempty"`
	Strike         float64    `json:"strike"`
	TickSize       float64    `json:"tickSize"`
	LotSize        int        `json:"lotSize"`
	InstrumentType string     `json:"instrumentType"`
	Segment        string     `json:"segment"`
	Exchange       string     `json:"exchange"`
}

// Database is the SQLite-backed instrument store with in-memory indexes
type Database struct {
	db          *sql.DB
	mutex       sync.RWMutex
	lastUpdated time.Time

	// In-memory maps for instant lookups
	byToken  map[tick.Token]Instrument
	bySymbol map[string]tick.Token // EXCHANGE:SYMBOL -> token
}

// NewDatabase opens (or creates) the instrument database and loads it into memory
func NewDatabase(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// sqlite allows one writer; serialize through a single connection
	db.SetMaxOpenConns(1)

	idb := &Database{
		db:       db,
		byToken:  make(map[tick.Token]Instrument),
		bySymbol: make(map[string]tick.Token),
	}

	if err := idb.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := idb.loadIntoMemory(); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("✅ Instrument database initialized: %s (%d instruments)", dbPath, idb.Len())
	return idb, nil
}

func (idb *Database) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS instruments (
		instrument_token INTEGER PRIMARY KEY,
		exchange_token INTEGER NOT NULL DEFAULT 0,
		tradingsymbol TEXT NOT NULL,
		name TEXT,
		last_price REAL DEFAULT 0,
		expiry TEXT DEFAULT '',
		strike REAL DEFAULT 0,
		tick_size REAL DEFAULT 0,
		lot_size INTEGER DEFAULT 0,
		instrument_type TEXT NOT NULL DEFAULT '',
		segment TEXT NOT NULL DEFAULT '',
		exchange TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_instruments_symbol ON instruments(exchange, tradingsymbol);
	CREATE INDEX IF NOT EXISTS idx_instruments_type ON instruments(instrument_type);

	CREATE TABLE IF NOT EXISTS database_metadata (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := idb.db.Exec(query)
	return err
}

// loadIntoMemory rebuilds the lookup maps from SQLite
func (idb *Database) loadIntoMemory() error {
	rows, err := idb.db.Query(`
		SELECT instrument_token, exchange_token, tradingsymbol, COALESCE(name, ''),
		       last_price, expiry, strike, tick_size, lot_size,
		       instrument_type, segment, exchange
		FROM instruments`)
	if err != nil {
		return fmt.Errorf("failed to query instruments: %w", err)
	}
	defer rows.Close()

	byToken := make(map[tick.Token]Instrument)
	bySymbol := make(map[string]tick.Token)

	for rows.Next() {
		var inst Instrument
		if err := rows.Scan(&inst.Token, &inst.ExchangeToken, &inst.Tradingsymbol, &inst.Name,
			&inst.LastPrice, &inst.Expiry, &inst.Strike, &inst.TickSize, &inst.LotSize,
			&inst.InstrumentType, &inst.Segment, &inst.Exchange); err != nil {
			log.Printf("⚠️ Error scanning instrument row: %v", err)
			continue
		}
		byToken[inst.Token] = inst
		bySymbol[symbolKey(inst.Exchange, inst.Tradingsymbol)] = inst.Token
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read instruments: %w", err)
	}

	var lastUpdated time.Time
	var updated string
	if err := idb.db.QueryRow(`SELECT value FROM database_metadata WHERE key = 'last_import'`).Scan(&updated); err == nil {
		lastUpdated, _ = time.Parse(time.RFC3339, updated)
	}

	idb.mutex.Lock()
	idb.byToken = byToken
	idb.bySymbol = bySymbol
	idb.lastUpdated = lastUpdated
	idb.mutex.Unlock()

	log.Printf("⚡ Loaded %d instruments into memory", len(byToken))
	return nil
}

// Replace swaps the whole instrument table for the given set in one transaction
func (idb *Database) Replace(ctx context.Context, instruments []Instrument) error {
	tx, err := idb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM instruments"); err != nil {
		return fmt.Errorf("failed to clear existing instruments: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO instruments
		(instrument_token, exchange_token, tradingsymbol, name, last_price, expiry,
		 strike, tick_size, lot_size, instrument_type, segment, exchange)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, inst := range instruments {
		if _, err := stmt.ExecContext(ctx, uint32(inst.Token), inst.ExchangeToken, inst.Tradingsymbol,
			inst.Name, inst.LastPrice, inst.Expiry, inst.Strike, inst.TickSize, inst.LotSize,
			inst.InstrumentType, inst.Segment, inst.Exchange); err != nil {
			return fmt.Errorf("failed to insert instrument %s: %w", inst.Token, err)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO database_metadata (key, value, updated_at) VALUES ('last_import', ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, now); err != nil {
		return fmt.Errorf("failed to record import time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit instruments: %w", err)
	}

	log.Printf("📦 Stored %d instruments", len(instruments))
	return idb.loadIntoMemory()
}

// Lookup returns the instrument for a token (in-memory)
func (idb *Database) Lookup(token tick.Token) (Instrument, bool) {
	idb.mutex.RLock()
	defer idb.mutex.RUnlock()
	inst, ok := idb.byToken[token]
	return inst, ok
}

// LookupSymbol resolves an exchange and trading symbol to its instrument
func (idb *Database) LookupSymbol(exchange, tradingsymbol string) (Instrument, bool) {
	idb.mutex.RLock()
	defer idb.mutex.RUnlock()
	token, ok := idb.bySymbol[symbolKey(exchange, tradingsymbol)]
	if !ok {
		return Instrument{}, false
	}
	inst, ok := idb.byToken[token]
	return inst, ok
}

// Filter returns instruments matching exchange and type, ordered by token.
// Empty arguments match everything.
func (idb *Database) Filter(exchange, instrumentType string) []Instrument {
	exchange = strings.ToUpper(exchange)
	instrumentType = strings.ToUpper(instrumentType)

	idb.mutex.RLock()
	out := make([]Instrument, 0)
	for _, inst := range idb.byToken {
		if exchange != "" && inst.Exchange != exchange {
			continue
		}
		if instrumentType != "" && inst.InstrumentType != instrumentType {
			continue
		}
		out = append(out, inst)
	}
	idb.mutex.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// Len returns the number of loaded instruments
func (idb *Database) Len() int {
	idb.mutex.RLock()
	defer idb.mutex.RUnlock()
	return len(idb.byToken)
}

// GetStats returns database statistics
func (idb *Database) GetStats() map[string]interface{} {
	idb.mutex.RLock()
	defer idb.mutex.RUnlock()

	byExchange := make(map[string]int)
	for _, inst := range idb.byToken {
		byExchange[inst.Exchange]++
	}

	lastUpdated := ""
	if !idb.lastUpdated.IsZero() {
		lastUpdated = idb.lastUpdated.Format(time.RFC3339)
	}

	return map[string]interface{}{
		"total_instruments": len(idb.byToken),
		"by_exchange":       byExchange,
		"last_updated":      lastUpdated,
		"database_ready":    len(idb.byToken) > 0,
	}
}

// Close closes the database
func (idb *Database) Close() error {
	if err := idb.db.Close(); err != nil {
		return fmt.Errorf("failed to close instrument database: %w", err)
	}
	return nil
}

func symbolKey(exchange, tradingsymbol string) string {
	return strings.ToUpper(exchange) + ":" + strings.ToUpper(tradingsymbol)
}
