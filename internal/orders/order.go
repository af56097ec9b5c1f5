package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang-tick-hub/internal/tick"
)

var (
	ErrInvalidOrder      = errors.New("invalid order")
	ErrUnknownInstrument = errors.New("unknown instrument")
)

const (
	Buy  = "BUY"
	Sell = "SELL"

	Market = "MARKET"
	Limit  = "LIMIT"

	ProductMIS = "MIS"
)

// Request is an order as submitted by a client
type Request struct {
	InstrumentToken tick.Token `json:"instrumentToken"`
	Tradingsymbol   string     `json:"tradingsymbol,omitempty"`
	Exchange        string     `json:"exchange,omitempty"`
	TransactionType string     `json:"transactionType"`
	Quantity        int        `json:"quantity"`
	Price           float64    `json:"price,omitempty"`
	OrderType       string     `json:"orderType,omitempty"`
	Product         string     `json:"product,omitempty"`
}

// Normalize upper-cases enums, fills defaults and validates the request
func (r Request) Normalize() (Request, error) {
	r.TransactionType = strings.ToUpper(strings.TrimSpace(r.TransactionType))
	r.OrderType = strings.ToUpper(strings.TrimSpace(r.OrderType))
	r.Product = strings.ToUpper(strings.TrimSpace(r.Product))
	r.Exchange = strings.ToUpper(strings.TrimSpace(r.Exchange))

	if r.OrderType == "" {
		r.OrderType = Market
	}
	if r.Product == "" {
		r.Product = ProductMIS
	}

	switch {
	case r.InstrumentToken == 0 && r.Tradingsymbol == "":
		return r, fmt.Errorf("%w: instrument token or tradingsymbol required", ErrInvalidOrder)
	case r.TransactionType != Buy && r.TransactionType != Sell:
		return r, fmt.Errorf("%w: transaction type must be BUY or SELL", ErrInvalidOrder)
	case r.Quantity <= 0:
		return r, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	case r.OrderType != Market && r.OrderType != Limit:
		return r, fmt.Errorf("%w: order type must be MARKET or LIMIT", ErrInvalidOrder)
	case r.OrderType == Limit && r.Price <= 0:
		return r, fmt.Errorf("%w: limit orders need a positive price", ErrInvalidOrder)
	}

	if r.OrderType == Market {
		r.Price = 0
	}
	return r, nil
}

// Order is a placed order as recorded in the journal
type Order struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"sessionId"`
	InstrumentToken tick.Token `json:"instrumentToken"`
	Tradingsymbol   string     `json:"tradingsymbol"`
	Exchange        string     `json:"exchange"`
	TransactionType string     `json:"transactionType"`
	Quantity        int        `json:"quantity"`
	Price           float64    `json:"price"`
	OrderType       string     `json:"orderType"`
	Product         string     `json:"product"`
	BrokerOrderID   string     `json:"brokerOrderId"`
	PlacedAt        time.Time  `json:"placedAt"`
}

// Journal records placed orders
type Journal interface {
	Save(ctx context.Context, order Order) error
	Recent(ctx context.Context, limit int) ([]Order, error)
}

// MemoryJournal keeps orders in process memory
type MemoryJournal struct {
	mutex  sync.RWMutex
	orders []Order
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Save(_ context.Context, order Order) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.orders = append(j.orders, order)
	return nil
}

// Recent returns up to limit orders, newest first
func (j *MemoryJournal) Recent(_ context.Context, limit int) ([]Order, error) {
	j.mutex.RLock()
	out := make([]Order, len(j.orders))
	copy(out, j.orders)
	j.mutex.RUnlock()

	sort.SliceStable(out, func(a, b int) bool { return out[a].PlacedAt.After(out[b].PlacedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
