package tick

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Token identifies a tradable instrument on the broker feed
type Token uint32

// String returns the decimal form used in URLs and logs
func (t Token) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// Segment returns the exchange segment encoded in the low byte of the token
func (t Token) Segment() uint32 {
	return uint32(t) & 0xff
}

// Mode is the upstream streaming mode a tick was decoded from
type Mode string

const (
	ModeLTP   Mode = "ltp"
	ModeQuote Mode = "quote"
	ModeFull  Mode = "full"
)

// Tick is one price/volume update for an instrument token
type Tick struct {
	Token        Token
	Mode         Mode
	Tradable     bool
	LastPrice    float64
	LastQuantity uint32
	AveragePrice float64
	VolumeTraded uint32
	BuyQuantity  uint32
	SellQuantity uint32
	Open         float64
	High         float64
	Low          float64
	Close        float64
	NetChange    float64
	OpenInterest uint32
	Timestamp    time.Time
}

// ParseToken parses a single decimal instrument token
func ParseToken(s string) (Token, error) {
	s = strings.TrimSpace(s)
	value, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid instrument token %q: %w", s, err)
	}
	if value == 0 {
		return 0, fmt.Errorf("invalid instrument token %q: must be positive", s)
	}
	return Token(value), nil
}

// ParseTokens parses a comma separated token list such as "256265,260105".
// Empty entries are ignored and duplicates collapsed, keeping first-seen order.
func ParseTokens(csv string) ([]Token, error) {
	var tokens []Token
	seen := make(map[Token]struct{})
	for _, part := range strings.Split(csv, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		token, err := ParseToken(part)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// Unique removes duplicate and zero tokens, keeping first-seen order
func Unique(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens))
	seen := make(map[Token]struct{}, len(tokens))
	for _, token := range tokens {
		if token == 0 {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}
