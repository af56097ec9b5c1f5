// Package simulator serves a local stand-in for the broker: the binary
// ticker WebSocket and the session/order REST endpoints the hub calls.
package simulator

import (
	"encoding/json"
	"log"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang-tick-hub/internal/broker"
	"golang-tick-hub/internal/tick"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Options tune the simulator
type Options struct {
	APIKey string
	// APISecret, when set, is used to verify token exchange checksums
	APISecret    string
	TickInterval time.Duration
	// Revoked access tokens are rejected by every endpoint
	Revoked []string
}

// Simulator is the fake broker
type Simulator struct {
	opts     Options
	engine   *gin.Engine
	upgrader websocket.Upgrader

	mutex   sync.RWMutex
	revoked map[string]bool
	prices  map[tick.Token]float64
	bars    map[tick.Token]*dayBar

	connections int64
	framesSent  int64
	ordersTaken int64
}

// dayBar is the session OHLC for one token. Close is the previous session's
// close and stays put while the price walks.
type dayBar struct {
	open, high, low, close float64
}

// feedConn tracks what one ticker connection asked for
type feedConn struct {
	conn   *websocket.Conn
	mutex  sync.Mutex
	tokens map[tick.Token]bool
}

// New builds a simulator with its routes registered
func New(opts Options) *Simulator {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Simulator{
		opts:    opts,
		engine:  gin.New(),
		revoked: make(map[string]bool),
		prices:  make(map[tick.Token]float64),
		bars:    make(map[tick.Token]*dayBar),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, token := range opts.Revoked {
		s.revoked[token] = true
	}

	s.engine.Use(gin.Recovery())
	s.engine.GET("/", s.handleTicker)
	s.engine.GET("/api/session/status", s.handleStatus)
	s.engine.POST("/api/session/validate", s.handleValidate)
	s.engine.POST("/orders/regular", s.handleOrder)
	s.engine.POST("/session/token", s.handleToken)
	s.engine.POST("/sim/revoke", s.handleRevoke)
	s.engine.GET("/sim/stats", func(c *gin.Context) { c.JSON(http.StatusOK, s.GetStats()) })
	return s
}

// Handler returns the HTTP handler
func (s *Simulator) Handler() http.Handler {
	return s.engine
}

// Revoke makes an access token invalid from now on
func (s *Simulator) Revoke(accessToken string) {
	s.mutex.Lock()
	s.revoked[accessToken] = true
	s.mutex.Unlock()
	log.Printf("🔒 Simulator revoked token %s", mask(accessToken))
}

func (s *Simulator) valid(accessToken string) bool {
	if accessToken == "" {
		return false
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return !s.revoked[accessToken]
}

// accessToken extracts the token from "token api_key:access_token"
func accessToken(c *gin.Context) string {
	auth := strings.TrimPrefix(c.GetHeader("Authorization"), "token ")
	if i := strings.IndexByte(auth, ':'); i >= 0 {
		return auth[i+1:]
	}
	return ""
}

func (s *Simulator) handleStatus(c *gin.Context) {
	ok := s.valid(accessToken(c))
	c.JSON(http.StatusOK, gin.H{"authenticated": ok, "tokenValid": ok})
}

func (s *Simulator) handleValidate(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"valid": s.valid(accessToken(c))})
}

func (s *Simulator) handleOrder(c *gin.Context) {
	if !s.valid(accessToken(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "TokenException: invalid access token"})
		return
	}

	var order struct {
		Tradingsymbol string `json:"tradingsymbol"`
		Quantity      int    `json:"quantity"`
	}
	if err := c.ShouldBindJSON(&order); err != nil || order.Tradingsymbol == "" || order.Quantity <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "InputException: invalid order"})
		return
	}

	atomic.AddInt64(&s.ordersTaken, 1)
	c.JSON(http.StatusOK, gin.H{"orderId": uuid.NewString()})
}

// handleToken issues a fresh access token for a login request_token
func (s *Simulator) handleToken(c *gin.Context) {
	apiKey := c.PostForm("api_key")
	requestToken := c.PostForm("request_token")
	if requestToken == "" || (s.opts.APIKey != "" && apiKey != s.opts.APIKey) {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid api_key or request_token"})
		return
	}
	if s.opts.APISecret != "" && c.PostForm("checksum") != broker.Checksum(apiKey, requestToken, s.opts.APISecret) {
		c.JSON(http.StatusForbidden, gin.H{"status": "error", "message": "invalid checksum"})
		return
	}

	accessToken := "sim-" + uuid.NewString()
	log.Printf("🔑 Simulator exchanged request token for %s", mask(accessToken))
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": gin.H{"access_token": accessToken}})
}

func (s *Simulator) handleRevoke(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	s.Revoke(token)
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

func (s *Simulator) handleTicker(c *gin.Context) {
	if s.opts.APIKey != "" && c.Query("api_key") != s.opts.APIKey {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid api_key"})
		return
	}
	if !s.valid(c.Query("access_token")) {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid access_token"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ Simulator upgrade failed: %v", err)
		return
	}

	atomic.AddInt64(&s.connections, 1)
	defer atomic.AddInt64(&s.connections, -1)

	fc := &feedConn{conn: conn, tokens: make(map[tick.Token]bool)}
	done := make(chan struct{})
	go s.stream(fc, done)

	defer func() {
		close(done)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleCommand(fc, data)
	}
}

func (s *Simulator) handleCommand(fc *feedConn, data []byte) {
	var cmd struct {
		Action string          `json:"a"`
		Value  json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		return
	}

	switch cmd.Action {
	case "subscribe", "unsubscribe":
		var tokens []tick.Token
		if err := json.Unmarshal(cmd.Value, &tokens); err != nil {
			return
		}
		fc.mutex.Lock()
		for _, token := range tokens {
			if cmd.Action == "subscribe" {
				fc.tokens[token] = true
			} else {
				delete(fc.tokens, token)
			}
		}
		fc.mutex.Unlock()
	case "mode":
		// every mode is served with quote packets
	}
}

// stream sends a frame of quote packets for the subscribed tokens each interval,
// or a heartbeat byte when nothing is subscribed
func (s *Simulator) stream(fc *feedConn, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			fc.mutex.Lock()
			tokens := make([]tick.Token, 0, len(fc.tokens))
			for token := range fc.tokens {
				tokens = append(tokens, token)
			}
			fc.mutex.Unlock()

			frame := []byte{0}
			if len(tokens) > 0 {
				frame = tick.EncodeFrame(s.nextTicks(tokens, now)...)
			}

			fc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := fc.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
			atomic.AddInt64(&s.framesSent, 1)
		}
	}
}

// nextTicks random-walks each token's price against a fixed previous close
func (s *Simulator) nextTicks(tokens []tick.Token, now time.Time) []tick.Tick {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	ticks := make([]tick.Tick, 0, len(tokens))
	for _, token := range tokens {
		bar, ok := s.bars[token]
		if !ok {
			seed := 100 + float64(token%5000)
			bar = &dayBar{open: seed, high: seed, low: seed, close: seed}
			s.bars[token] = bar
			s.prices[token] = seed
		}

		price := math.Max(0.05, s.prices[token]*(1+(rand.Float64()-0.5)/100))
		price = math.Round(price*20) / 20
		s.prices[token] = price
		bar.high = math.Max(bar.high, price)
		bar.low = math.Min(bar.low, price)

		ticks = append(ticks, tick.Tick{
			Token:        token,
			LastPrice:    price,
			LastQuantity: uint32(1 + rand.Intn(100)),
			AveragePrice: (bar.high + bar.low + price) / 3,
			VolumeTraded: uint32(now.Unix() % 1000000),
			Open:         bar.open,
			High:         bar.high,
			Low:          bar.low,
			Close:        bar.close,
		})
	}
	return ticks
}

// GetStats returns simulator statistics
func (s *Simulator) GetStats() map[string]interface{} {
	s.mutex.RLock()
	revoked := len(s.revoked)
	s.mutex.RUnlock()

	return map[string]interface{}{
		"connections":    atomic.LoadInt64(&s.connections),
		"frames_sent":    atomic.LoadInt64(&s.framesSent),
		"orders_taken":   atomic.LoadInt64(&s.ordersTaken),
		"revoked_tokens": revoked,
	}
}

func mask(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
