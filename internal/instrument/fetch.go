package instrument

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang-tick-hub/internal/tick"
)

// ErrBadInstrumentFile is returned when the instrument master is missing required columns
var ErrBadInstrumentFile = errors.New("instrument file missing required columns")

var requiredColumns = []string{"instrument_token", "tradingsymbol", "exchange"}

// ParseCSV reads a broker instrument master dump. Rows that fail to parse are
// skipped and counted.
func ParseCSV(r io.Reader) ([]Instrument, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read instrument header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			return nil, 0, fmt.Errorf("%w: %s", ErrBadInstrumentFile, name)
		}
	}

	field := func(record []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var (
		instruments []Instrument
		skipped     int
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("failed to read instrument row: %w", err)
		}

		token, err := tick.ParseToken(field(record, "instrument_token"))
		if err != nil || field(record, "tradingsymbol") == "" {
			skipped++
			continue
		}

		inst := Instrument{
			Token:          token,
			Tradingsymbol:  field(record, "tradingsymbol"),
			Name:           field(record, "name"),
			Expiry:         field(record, "expiry"),
			InstrumentType: strings.ToUpper(field(record, "instrument_type")),
			Segment:        field(record, "segment"),
			Exchange:       strings.ToUpper(field(record, "exchange")),
		}
		if v, err := strconv.ParseUint(field(record, "exchange_token"), 10, 32); err == nil {
			inst.ExchangeToken = uint32(v)
		}
		inst.LastPrice, _ = strconv.ParseFloat(field(record, "last_price"), 64)
		inst.Strike, _ = strconv.ParseFloat(field(record, "strike"), 64)
		inst.TickSize, _ = strconv.ParseFloat(field(record, "tick_size"), 64)
		inst.LotSize, _ = strconv.Atoi(field(record, "lot_size"))

		instruments = append(instruments, inst)
	}

	return instruments, skipped, nil
}

// ImportCSV replaces the stored instruments with the contents of a CSV dump
func (idb *Database) ImportCSV(ctx context.Context, r io.Reader) (int, error) {
	instruments, skipped, err := ParseCSV(r)
	if err != nil {
		return 0, err
	}
	if skipped > 0 {
		log.Printf("⚠️ Skipped %d malformed instrument rows", skipped)
	}
	if len(instruments) == 0 {
		return 0, fmt.Errorf("instrument file contained no instruments")
	}

	if err := idb.Replace(ctx, instruments); err != nil {
		return 0, err
	}
	return len(instruments), nil
}

// Fetch downloads the instrument master from url and imports it
func (idb *Database) Fetch(ctx context.Context, url string) (int, error) {
	log.Printf("🔄 Fetching instruments from %s", url)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/csv")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch instruments: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("instrument API returned status %d", resp.StatusCode)
	}

	count, err := idb.ImportCSV(ctx, resp.Body)
	if err != nil {
		return 0, err
	}

	log.Printf("✅ Fetched %d instruments", count)
	return count, nil
}
