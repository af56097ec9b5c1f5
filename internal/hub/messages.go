package hub

import (
	"encoding/json"
	"log"
	"time"

	"golang-tick-hub/internal/tick"
)

// Error codes sent to clients
const (
	CodeAuthorizationFailure = "authorization_failure"
	CodeSessionInvalid       = "session_invalid"
	CodeFeedUnavailable      = "feed_unavailable"
	CodeBadRequest           = "bad_request"
)

// ConnectionMessage confirms a new connection
type ConnectionMessage struct {
	Type         string `json:"type"`
	Status       string `json:"status"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// TickerData is the client-facing tick payload
type TickerData struct {
	InstrumentToken tick.Token `json:"instrumentToken"`
	LastPrice       float64    `json:"lastPrice"`
	VolumeTraded    uint32     `json:"volumeTraded"`
	NetChange       float64    `json:"netChange"`
	Timestamp       int64      `json:"timestamp,omitempty"`
}

// TickerMessage carries one tick
type TickerMessage struct {
	Type string     `json:"type"`
	Data TickerData `json:"data"`
}

// SubscriptionMessage acknowledges a subscribe or unsubscribe
type SubscriptionMessage struct {
	Type   string       `json:"type"`
	Action string       `json:"action"`
	Tokens []tick.Token `json:"tokens"`
	Status string       `json:"status"`
}

// SubscriptionsMessage lists a connection's tokens
type SubscriptionsMessage struct {
	Type   string       `json:"type"`
	Tokens []tick.Token `json:"tokens"`
}

// PongMessage answers a client ping
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports a failed request or a forced disconnect
type ErrorMessage struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	LoginURL string `json:"loginUrl,omitempty"`
}

func tickerPayload(t tick.Tick) ([]byte, error) {
	data := TickerData{
		InstrumentToken: t.Token,
		LastPrice:       t.LastPrice,
		VolumeTraded:    t.VolumeTraded,
		NetChange:       t.NetChange,
	}
	if !t.Timestamp.IsZero() {
		data.Timestamp = t.Timestamp.UnixMilli()
	}
	return json.Marshal(TickerMessage{Type: "ticker", Data: data})
}

func control(v interface{}) Message {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("❌ Failed to encode control message: %v", err)
	}
	return Message{Kind: KindControl, Payload: payload}
}

func pong() Message {
	return control(PongMessage{Type: "pong", Timestamp: time.Now().UnixMilli()})
}
