package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang-tick-hub/internal/broker"
	"golang-tick-hub/internal/instrument"
	"golang-tick-hub/internal/session"
	"golang-tick-hub/internal/tick"
)

type fakePlacer struct {
	calls []broker.OrderRequest
	token string
	err   error
}

func (p *fakePlacer) PlaceOrder(_ context.Context, accessToken string, order broker.OrderRequest) (string, error) {
	p.calls = append(p.calls, order)
	p.token = accessToken
	if p.err != nil {
		return "", p.err
	}
	return "240101000000001", nil
}

type fakeGate struct{ allow bool }

func (g fakeGate) CheckCritical(context.Context, *session.Session, bool) bool { return g.allow }

type fakeInstruments map[tick.Token]instrument.Instrument

func (f fakeInstruments) Lookup(token tick.Token) (instrument.Instrument, bool) {
	inst, ok := f[token]
	return inst, ok
}

func (f fakeInstruments) LookupSymbol(exchange, tradingsymbol string) (instrument.Instrument, bool) {
	for _, inst := range f {
		if inst.Exchange == exchange && inst.Tradingsymbol == tradingsymbol {
			return inst, true
		}
	}
	return instrument.Instrument{}, false
}

var testInstruments = fakeInstruments{
	408065: {Token: 408065, Tradingsymbol: "INFY", Exchange: "NSE"},
}

func TestRequestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"market defaults", Request{InstrumentToken: 1, TransactionType: "buy", Quantity: 1}, false},
		{"limit with price", Request{InstrumentToken: 1, TransactionType: "SELL", Quantity: 5, OrderType: "limit", Price: 10}, false},
		{"limit without price", Request{InstrumentToken: 1, TransactionType: "SELL", Quantity: 5, OrderType: "LIMIT"}, true},
		{"bad side", Request{InstrumentToken: 1, TransactionType: "HOLD", Quantity: 1}, true},
		{"zero quantity", Request{InstrumentToken: 1, TransactionType: "BUY"}, true},
		{"bad order type", Request{InstrumentToken: 1, TransactionType: "BUY", Quantity: 1, OrderType: "SL"}, true},
		{"no instrument", Request{TransactionType: "BUY", Quantity: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.req.Normalize()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidOrder) {
					t.Fatalf("expected ErrInvalidOrder, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Product != ProductMIS {
				t.Fatalf("expected default product MIS, got %s", got.Product)
			}
			if got.OrderType == "" {
				t.Fatalf("order type not defaulted")
			}
		})
	}
}

func TestPlaceResolvesAndJournals(t *testing.T) {
	placer := &fakePlacer{}
	journal := NewMemoryJournal()
	svc := NewService(placer, fakeGate{allow: true}, testInstruments, journal)
	sess := session.New("access")

	order, err := svc.Place(context.Background(), sess, Request{InstrumentToken: 408065, TransactionType: "buy", Quantity: 10})
	if err != nil {
		t.Fatalf("Place returned error: %v", err)
	}
	if order.Tradingsymbol != "INFY" || order.Exchange != "NSE" || order.OrderType != Market || order.BrokerOrderID == "" {
		t.Fatalf("unexpected order: %+v", order)
	}
	if len(placer.calls) != 1 || placer.calls[0].Tradingsymbol != "INFY" || placer.token != "access" {
		t.Fatalf("broker call not as expected: %+v token=%s", placer.calls, placer.token)
	}

	recent, _ := svc.Recent(context.Background(), 10)
	if len(recent) != 1 || recent[0].ID != order.ID || recent[0].SessionID != sess.ID {
		t.Fatalf("order not journaled: %+v", recent)
	}
}

func TestPlaceDeniedByGate(t *testing.T) {
	placer := &fakePlacer{}
	svc := NewService(placer, fakeGate{allow: false}, testInstruments, nil)

	_, err := svc.Place(context.Background(), session.New("access"), Request{InstrumentToken: 408065, TransactionType: "BUY", Quantity: 1})
	if !errors.Is(err, session.ErrAuthorizationFailure) {
		t.Fatalf("expected ErrAuthorizationFailure, got %v", err)
	}
	if len(placer.calls) != 0 {
		t.Fatalf("denied order reached the broker")
	}
}

func TestPlaceUnknownInstrument(t *testing.T) {
	svc := NewService(&fakePlacer{}, fakeGate{allow: true}, testInstruments, nil)

	_, err := svc.Place(context.Background(), session.New("access"), Request{InstrumentToken: 1, TransactionType: "BUY", Quantity: 1})
	if !errors.Is(err, ErrUnknownInstrument) {
		t.Fatalf("expected ErrUnknownInstrument, got %v", err)
	}
}

func TestPlaceWithoutInstrumentStoreUsesRequestSymbol(t *testing.T) {
	placer := &fakePlacer{}
	svc := NewService(placer, fakeGate{allow: true}, nil, nil)

	order, err := svc.Place(context.Background(), session.New("access"),
		Request{Tradingsymbol: "TCS", Exchange: "bse", TransactionType: "SELL", Quantity: 2, OrderType: "LIMIT", Price: 3500})
	if err != nil {
		t.Fatalf("Place returned error: %v", err)
	}
	if order.Exchange != "BSE" || order.Price != 3500 {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestBrokerRejectionIsReturned(t *testing.T) {
	placer := &fakePlacer{err: &broker.APIError{StatusCode: 403, Message: "token expired"}}
	journal := NewMemoryJournal()
	svc := NewService(placer, fakeGate{allow: true}, testInstruments, journal)

	_, err := svc.Place(context.Background(), session.New("access"), Request{InstrumentToken: 408065, TransactionType: "BUY", Quantity: 1})
	if !errors.Is(err, broker.ErrUnauthorized) {
		t.Fatalf("expected broker.ErrUnauthorized, got %v", err)
	}
	if recent, _ := journal.Recent(context.Background(), 0); len(recent) != 0 {
		t.Fatalf("rejected order was journaled")
	}
	if svc.GetStats()["orders_rejected"].(int64) != 1 {
		t.Fatalf("rejection not counted")
	}
}

func TestMemoryJournalRecentNewestFirst(t *testing.T) {
	journal := NewMemoryJournal()
	base := time.Date(2024, 1, 1, 9, 15, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		journal.Save(context.Background(), Order{ID: string(rune('a' + i)), PlacedAt: base.Add(time.Duration(i) * time.Minute)})
	}

	recent, _ := journal.Recent(context.Background(), 2)
	if len(recent) != 2 || recent[0].ID != "e" || recent[1].ID != "d" {
		t.Fatalf("unexpected recent orders: %+v", recent)
	}
}
