package orders

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang-tick-hub/internal/broker"
	"golang-tick-hub/internal/instrument"
	"golang-tick-hub/internal/session"
	"golang-tick-hub/internal/tick"

	"github.com/google/uuid"
)

// Placer sends orders to the broker
type Placer interface {
	PlaceOrder(ctx context.Context, accessToken string, order broker.OrderRequest) (string, error)
}

// Gate authorizes critical actions for a session
type Gate interface {
	CheckCritical(ctx context.Context, s *session.Session, requireFresh bool) bool
}

// Instruments resolves instrument metadata
type Instruments interface {
	Lookup(token tick.Token) (instrument.Instrument, bool)
	LookupSymbol(exchange, tradingsymbol string) (instrument.Instrument, bool)
}

// Service places orders on behalf of authenticated sessions
type Service struct {
	placer      Placer
	gate        Gate
	instruments Instruments
	journal     Journal

	placed   int64
	rejected int64
	now      func() time.Time
}

// NewService wires order placement. instruments may be nil, in which case
// requests must carry tradingsymbol and exchange themselves.
func NewService(placer Placer, gate Gate, instruments Instruments, journal Journal) *Service {
	if journal == nil {
		journal = NewMemoryJournal()
	}
	return &Service{
		placer:      placer,
		gate:        gate,
		instruments: instruments,
		journal:     journal,
		now:         time.Now,
	}
}

// Place validates the request, runs the critical session check, sends the
// order to the broker and journals it
func (s *Service) Place(ctx context.Context, sess *session.Session, req Request) (*Order, error) {
	req, err := req.Normalize()
	if err != nil {
		atomic.AddInt64(&s.rejected, 1)
		return nil, err
	}

	if !s.gate.CheckCritical(ctx, sess, false) {
		atomic.AddInt64(&s.rejected, 1)
		return nil, fmt.Errorf("order denied for session %s: %w", sess.ID, session.ErrAuthorizationFailure)
	}

	if err := s.resolve(&req); err != nil {
		atomic.AddInt64(&s.rejected, 1)
		return nil, err
	}

	brokerID, err := s.placer.PlaceOrder(ctx, sess.AccessToken, broker.OrderRequest{
		Tradingsymbol:   req.Tradingsymbol,
		Exchange:        req.Exchange,
		TransactionType: req.TransactionType,
		Quantity:        req.Quantity,
		Price:           req.Price,
		OrderType:       req.OrderType,
		Product:         req.Product,
	})
	if err != nil {
		atomic.AddInt64(&s.rejected, 1)
		return nil, err
	}

	order := Order{
		ID:              uuid.NewString(),
		SessionID:       sess.ID,
		InstrumentToken: req.InstrumentToken,
		Tradingsymbol:   req.Tradingsymbol,
		Exchange:        req.Exchange,
		TransactionType: req.TransactionType,
		Quantity:        req.Quantity,
		Price:           req.Price,
		OrderType:       req.OrderType,
		Product:         req.Product,
		BrokerOrderID:   brokerID,
		PlacedAt:        s.now().UTC(),
	}
	atomic.AddInt64(&s.placed, 1)

	// The broker already accepted the order; a journal failure must not hide that
	if err := s.journal.Save(ctx, order); err != nil {
		log.Printf("⚠️ Failed to journal order %s (broker %s): %v", order.ID, brokerID, err)
	}

	log.Printf("✅ Order %s placed: %s %d %s:%s (%s)", order.ID, order.TransactionType, order.Quantity,
		order.Exchange, order.Tradingsymbol, brokerID)
	return &order, nil
}

// resolve fills tradingsymbol, exchange and token from the instrument store
func (s *Service) resolve(req *Request) error {
	if s.instruments != nil {
		var (
			inst instrument.Instrument
			ok   bool
		)
		if req.InstrumentToken != 0 {
			inst, ok = s.instruments.Lookup(req.InstrumentToken)
		} else {
			inst, ok = s.instruments.LookupSymbol(req.Exchange, req.Tradingsymbol)
		}
		if ok {
			req.InstrumentToken = inst.Token
			req.Tradingsymbol = inst.Tradingsymbol
			req.Exchange = inst.Exchange
			return nil
		}
	}

	if req.Tradingsymbol == "" || req.Exchange == "" {
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, req.InstrumentToken)
	}
	return nil
}

// Recent returns the newest journaled orders
func (s *Service) Recent(ctx context.Context, limit int) ([]Order, error) {
	orders, err := s.journal.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load orders: %w", err)
	}
	return orders, nil
}

// GetStats returns order statistics
func (s *Service) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"orders_placed":   atomic.LoadInt64(&s.placed),
		"orders_rejected": atomic.LoadInt64(&s.rejected),
	}
}
