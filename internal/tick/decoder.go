package tick

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Exchange segments that change how prices are scaled on the wire
const (
	segmentCDS     = 3
	segmentBCD     = 6
	segmentIndices = 9
)

// Packet lengths per streaming mode
const (
	packetLTP        = 8
	packetIndexQuote = 28
	packetIndexFull  = 32
	packetQuote      = 44
	packetFull       = 184
)

// ErrMalformedFrame is the base error for any upstream frame that cannot be decoded
var ErrMalformedFrame = errors.New("malformed tick frame")

// DecodeError describes where a frame stopped making sense
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed tick frame at offset %d: %s", e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return ErrMalformedFrame
}

// IsHeartbeat reports whether a binary message is the 1-byte keepalive
func IsHeartbeat(data []byte) bool {
	return len(data) == 1
}

// DecodeFrame decodes a binary market data frame into ticks.
// The frame is rejected as a whole when any packet is malformed.
func DecodeFrame(data []byte, received time.Time) ([]Tick, error) {
	if len(data) < 2 {
		return nil, &DecodeError{Offset: 0, Reason: "frame shorter than packet count header"}
	}

	count := int(binary.BigEndian.Uint16(data[0:2]))
	offset := 2
	ticks := make([]Tick, 0, count)

	for i := 0; i < count; i++ {
		if offset+2 > len(data) {
			return nil, &DecodeError{Offset: offset, Reason: fmt.Sprintf("missing length for packet %d of %d", i+1, count)}
		}
		length := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2

		if offset+length > len(data) {
			return nil, &DecodeError{Offset: offset, Reason: fmt.Sprintf("packet %d declares %d bytes, %d left", i+1, length, len(data)-offset)}
		}

		t, err := decodePacket(data[offset:offset+length], received)
		if err != nil {
			return nil, &DecodeError{Offset: offset, Reason: err.Error()}
		}
		ticks = append(ticks, t)
		offset += length
	}

	return ticks, nil
}

func decodePacket(p []byte, received time.Time) (Tick, error) {
	if len(p) < packetLTP {
		return Tick{}, fmt.Errorf("packet too short (%d bytes)", len(p))
	}

	token := Token(binary.BigEndian.Uint32(p[0:4]))
	divisor := priceDivisor(token.Segment())
	price := func(b []byte) float64 {
		return float64(binary.BigEndian.Uint32(b)) / divisor
	}

	t := Tick{
		Token:     token,
		Tradable:  token.Segment() != segmentIndices,
		LastPrice: price(p[4:8]),
		Timestamp: received,
	}

	switch len(p) {
	case packetLTP:
		t.Mode = ModeLTP

	case packetIndexQuote, packetIndexFull:
		t.Mode = ModeQuote
		t.High = price(p[8:12])
		t.Low = price(p[12:16])
		t.Open = price(p[16:20])
		t.Close = price(p[20:24])
		t.NetChange = netChange(t.LastPrice, t.Close)
		if len(p) == packetIndexFull {
			t.Mode = ModeFull
			if ts := binary.BigEndian.Uint32(p[28:32]); ts > 0 {
				t.Timestamp = time.Unix(int64(ts), 0)
			}
		}

	case packetQuote, packetFull:
		t.Mode = ModeQuote
		t.LastQuantity = binary.BigEndian.Uint32(p[8:12])
		t.AveragePrice = price(p[12:16])
		t.VolumeTraded = binary.BigEndian.Uint32(p[16:20])
		t.BuyQuantity = binary.BigEndian.Uint32(p[20:24])
		t.SellQuantity = binary.BigEndian.Uint32(p[24:28])
		t.Open = price(p[28:32])
		t.High = price(p[32:36])
		t.Low = price(p[36:40])
		t.Close = price(p[40:44])
		t.NetChange = netChange(t.LastPrice, t.Close)
		if len(p) == packetFull {
			t.Mode = ModeFull
			t.OpenInterest = binary.BigEndian.Uint32(p[48:52])
			if ts := binary.BigEndian.Uint32(p[60:64]); ts > 0 {
				t.Timestamp = time.Unix(int64(ts), 0)
			}
		}

	default:
		return Tick{}, fmt.Errorf("unsupported packet length %d", len(p))
	}

	return t, nil
}

// EncodeFrame builds a binary frame of quote packets for the given ticks.
// The feed simulator emits these.
func EncodeFrame(ticks ...Tick) []byte {
	frame := make([]byte, 2, 2+len(ticks)*(2+packetQuote))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(ticks)))

	for _, t := range ticks {
		divisor := priceDivisor(t.Token.Segment())
		encode := func(v float64) uint32 {
			return uint32(math.Round(v * divisor))
		}

		packet := make([]byte, 2+packetQuote)
		binary.BigEndian.PutUint16(packet[0:2], packetQuote)
		p := packet[2:]
		binary.BigEndian.PutUint32(p[0:4], uint32(t.Token))
		binary.BigEndian.PutUint32(p[4:8], encode(t.LastPrice))
		binary.BigEndian.PutUint32(p[8:12], t.LastQuantity)
		binary.BigEndian.PutUint32(p[12:16], encode(t.AveragePrice))
		binary.BigEndian.PutUint32(p[16:20], t.VolumeTraded)
		binary.BigEndian.PutUint32(p[20:24], t.BuyQuantity)
		binary.BigEndian.PutUint32(p[24:28], t.SellQuantity)
		binary.BigEndian.PutUint32(p[28:32], encode(t.Open))
		binary.BigEndian.PutUint32(p[32:36], encode(t.High))
		binary.BigEndian.PutUint32(p[36:40], encode(t.Low))
		binary.BigEndian.PutUint32(p[40:44], encode(t.Close))
		frame = append(frame, packet...)
	}

	return frame
}

func priceDivisor(segment uint32) float64 {
	switch segment {
	case segmentCDS:
		return 10000000
	case segmentBCD:
		return 10000
	default:
		return 100
	}
}

// netChange is the percentage move of the last price against the previous close
func netChange(last, close float64) float64 {
	if close == 0 {
		return 0
	}
	return (last - close) * 100 / close
}
