package tick

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestEncodeDecodeQuoteFrame(t *testing.T) {
	received := time.Unix(1_700_000_000, 0)
	in := []Tick{
		{Token: 408065, LastPrice: 1520.25, VolumeTraded: 500, Open: 1500, High: 1530.5, Low: 1495, Close: 1500},
		{Token: 738561, LastPrice: 2450, VolumeTraded: 1200, Close: 2500},
	}

	out, err := DecodeFrame(EncodeFrame(in...), received)
	if err != nil {
		t.Fatalf("DecodeFrame returned error: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d ticks, got %d", len(in), len(out))
	}

	first := out[0]
	if first.Token != 408065 || first.Mode != ModeQuote || !first.Tradable {
		t.Fatalf("unexpected header fields: %+v", first)
	}
	if !almostEqual(first.LastPrice, 1520.25) || !almostEqual(first.High, 1530.5) {
		t.Fatalf("unexpected prices: %+v", first)
	}
	if first.VolumeTraded != 500 {
		t.Fatalf("expected volume 500, got %d", first.VolumeTraded)
	}
	if !almostEqual(first.NetChange, 1.35) {
		t.Fatalf("expected net change 1.35%%, got %f", first.NetChange)
	}
	if !first.Timestamp.Equal(received) {
		t.Fatalf("quote packets should carry the receive time, got %v", first.Timestamp)
	}

	if !almostEqual(out[1].NetChange, -2) {
		t.Fatalf("expected net change -2%%, got %f", out[1].NetChange)
	}
}

func TestDecodeLTPPacket(t *testing.T) {
	frame := make([]byte, 2+2+packetLTP)
	binary.BigEndian.PutUint16(frame[0:2], 1)
	binary.BigEndian.PutUint16(frame[2:4], packetLTP)
	binary.BigEndian.PutUint32(frame[4:8], 256265)
	binary.BigEndian.PutUint32(frame[8:12], 1987655)

	ticks, err := DecodeFrame(frame, time.Now())
	if err != nil {
		t.Fatalf("DecodeFrame returned error: %v", err)
	}
	if len(ticks) != 1 {
		t.Fatalf("expected 1 tick, got %d", len(ticks))
	}
	if ticks[0].Mode != ModeLTP || !almostEqual(ticks[0].LastPrice, 19876.55) {
		t.Fatalf("unexpected tick: %+v", ticks[0])
	}
	if ticks[0].Tradable {
		t.Fatalf("token 256265 is on the indices segment and should not be tradable")
	}
}

func TestDecodeFullPacketUsesExchangeTimestamp(t *testing.T) {
	frame := make([]byte, 2+2+packetFull)
	binary.BigEndian.PutUint16(frame[0:2], 1)
	binary.BigEndian.PutUint16(frame[2:4], packetFull)
	p := frame[4:]
	binary.BigEndian.PutUint32(p[0:4], 5633)
	binary.BigEndian.PutUint32(p[4:8], 10100)
	binary.BigEndian.PutUint32(p[16:20], 42)
	binary.BigEndian.PutUint32(p[40:44], 10000)
	binary.BigEndian.PutUint32(p[48:52], 77)
	binary.BigEndian.PutUint32(p[60:64], 1_700_000_123)

	ticks, err := DecodeFrame(frame, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("DecodeFrame returned error: %v", err)
	}
	got := ticks[0]
	if got.Mode != ModeFull {
		t.Fatalf("expected full mode, got %s", got.Mode)
	}
	if got.Timestamp.Unix() != 1_700_000_123 {
		t.Fatalf("expected exchange timestamp, got %v", got.Timestamp)
	}
	if got.OpenInterest != 77 || got.VolumeTraded != 42 {
		t.Fatalf("unexpected full fields: %+v", got)
	}
	if !almostEqual(got.NetChange, 1) {
		t.Fatalf("expected net change 1%%, got %f", got.NetChange)
	}
}

func TestDecodeCurrencySegmentScaling(t *testing.T) {
	token := Token(uint32(1)<<8 | segmentCDS)
	ticks, err := DecodeFrame(EncodeFrame(Tick{Token: token, LastPrice: 83.1234567}), time.Now())
	if err != nil {
		t.Fatalf("DecodeFrame returned error: %v", err)
	}
	if !almostEqual(ticks[0].LastPrice, 83.1234567) {
		t.Fatalf("expected 7 decimal precision, got %.7f", ticks[0].LastPrice)
	}
}

func TestDecodeMalformedFrames(t *testing.T) {
	valid := EncodeFrame(Tick{Token: 408065, LastPrice: 10})

	truncated := valid[:len(valid)-3]

	badLength := make([]byte, len(valid))
	copy(badLength, valid)
	binary.BigEndian.PutUint16(badLength[2:4], 12)
	badLength = badLength[:4+12]

	missingHeader := []byte{0x00, 0x02, 0x00}

	cases := map[string][]byte{
		"empty":          {},
		"truncated":      truncated,
		"unknown length": badLength,
		"missing header": missingHeader,
	}

	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			ticks, err := DecodeFrame(frame, time.Now())
			if err == nil {
				t.Fatalf("expected error, got %d ticks", len(ticks))
			}
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("expected ErrMalformedFrame, got %v", err)
			}
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("expected *DecodeError, got %T", err)
			}
		})
	}
}

func TestNetChangeWithoutClose(t *testing.T) {
	if got := netChange(100, 0); got != 0 {
		t.Fatalf("expected 0 when close is unknown, got %f", got)
	}
}
