package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang-tick-hub/internal/session"
	"golang-tick-hub/internal/subscription"
	"golang-tick-hub/internal/tick"

	"github.com/google/uuid"
)

var (
	ErrConnectionClosed = errors.New("connection is not open")
	ErrFeedUnavailable  = errors.New("upstream feed unavailable")
	ErrNoTokens         = errors.New("no instrument tokens given")
	ErrSlowConsumer     = errors.New("slow consumer: outbound queue full")
)

// Feed receives aggregate subscription changes. Calls must not block.
type Feed interface {
	RequestSubscribe(tokens []tick.Token)
	RequestUnsubscribe(tokens []tick.Token)
}

// Upstream is the feed plus the connection lifecycle the hub supervises
type Upstream interface {
	Feed
	Connect(ctx context.Context) error
	Disconnect() error
	Ticks() <-chan tick.Tick
	Lost() <-chan error
}

// Gate authorizes subscription changes for a session
type Gate interface {
	CheckCritical(ctx context.Context, s *session.Session, requireFresh bool) bool
}

// Options tunes the hub
type Options struct {
	QueueDepth           int
	ReconnectBackoff     time.Duration
	MaxReconnectBackoff  time.Duration
	MaxReconnectAttempts int
	LoginURL             string
}

// Hub owns client connections and fans ticks out to them
type Hub struct {
	opts     Options
	registry *subscription.Registry
	feed     Upstream
	gate     Gate

	// aggregateMutex orders registry mutations with the feed requests they cause
	aggregateMutex sync.Mutex

	clientsMutex sync.RWMutex
	clients      map[string]*Client

	stale atomic.Bool

	ticksReceived  int64
	ticksDelivered int64
	ticksDropped   int64
	reconnects     int64

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a hub around a registry, an upstream feed and an authorization gate
func New(opts Options, registry *subscription.Registry, feed Upstream, gate Gate) *Hub {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = time.Second
	}
	if opts.MaxReconnectBackoff < opts.ReconnectBackoff {
		opts.MaxReconnectBackoff = opts.ReconnectBackoff
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 10
	}
	if opts.LoginURL == "" {
		opts.LoginURL = "/login"
	}

	return &Hub{
		opts:     opts,
		registry: registry,
		feed:     feed,
		gate:     gate,
		clients:  make(map[string]*Client),
		sleep:    sleepContext,
	}
}

// Attach registers a new connection for an authenticated session and queues its confirmation
func (h *Hub) Attach(s *session.Session) *Client {
	c := &Client{
		ID:        uuid.NewString(),
		Session:   s,
		CreatedAt: time.Now(),
		queue:     NewQueue(h.opts.QueueDepth),
		state:     StateConnecting,
	}

	h.clientsMutex.Lock()
	h.clients[c.ID] = c
	h.clientsMutex.Unlock()

	c.send(control(ConnectionMessage{Type: "connection", Status: "confirmed", ConnectionID: c.ID}))

	c.mutex.Lock()
	if c.state == StateConnecting {
		c.state = StateOpen
	}
	c.mutex.Unlock()

	log.Printf("🔌 Client %s connected (session %s)", c.ID, s.ID)

	// An invalidation that raced the attach would have missed this client
	if s.Invalidated() {
		h.Kick(c, CodeSessionInvalid, "Session expired. Please login again.")
	}
	return c
}

// Client looks up an open connection by id
func (h *Hub) Client(id string) (*Client, bool) {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Subscribe adds tokens to a connection after a critical authorization check.
// The first subscribe of a connection always re-validates the session.
func (h *Hub) Subscribe(ctx context.Context, c *Client, tokens []tick.Token) error {
	tokens = tick.Unique(tokens)
	if len(tokens) == 0 {
		return ErrNoTokens
	}
	if c.State() != StateOpen {
		return ErrConnectionClosed
	}

	if !h.gate.CheckCritical(ctx, c.Session, c.needsFreshCheck()) {
		return fmt.Errorf("subscribe denied for connection %s: %w", c.ID, session.ErrAuthorizationFailure)
	}
	c.markVerified()

	h.aggregateMutex.Lock()
	c.mutex.Lock()
	if c.state != StateOpen {
		c.mutex.Unlock()
		h.aggregateMutex.Unlock()
		return ErrConnectionClosed
	}

	var first []tick.Token
	for _, token := range tokens {
		if h.registry.Subscribe(c.ID, token) {
			first = append(first, token)
		}
	}
	c.mutex.Unlock()

	if len(first) > 0 {
		h.feed.RequestSubscribe(first)
	}
	h.aggregateMutex.Unlock()

	c.send(control(SubscriptionMessage{Type: "subscription", Action: "subscribe", Tokens: tokens, Status: "ok"}))
	log.Printf("📨 Client %s subscribed to %v (%d new upstream)", c.ID, tokens, len(first))
	return nil
}

// Unsubscribe removes tokens from a connection. Tokens it did not hold are ignored.
func (h *Hub) Unsubscribe(c *Client, tokens []tick.Token) error {
	tokens = tick.Unique(tokens)
	if len(tokens) == 0 {
		return ErrNoTokens
	}

	h.aggregateMutex.Lock()
	c.mutex.Lock()
	if c.state != StateOpen {
		c.mutex.Unlock()
		h.aggregateMutex.Unlock()
		return ErrConnectionClosed
	}

	var last []tick.Token
	for _, token := range tokens {
		if h.registry.Unsubscribe(c.ID, token) {
			last = append(last, token)
		}
	}
	c.mutex.Unlock()

	if len(last) > 0 {
		h.feed.RequestUnsubscribe(last)
	}
	h.aggregateMutex.Unlock()

	c.send(control(SubscriptionMessage{Type: "subscription", Action: "unsubscribe", Tokens: tokens, Status: "ok"}))
	return nil
}

// Subscriptions returns the tokens a connection holds
func (h *Hub) Subscriptions(c *Client) []tick.Token {
	return h.registry.TokensOf(c.ID)
}

// SendSubscriptions queues the connection's subscription list
func (h *Hub) SendSubscriptions(c *Client) {
	tokens := h.Subscriptions(c)
	if tokens == nil {
		tokens = []tick.Token{}
	}
	c.send(control(SubscriptionsMessage{Type: "subscriptions", Tokens: tokens}))
}

// Pong answers a client ping
func (h *Hub) Pong(c *Client) {
	c.send(pong())
}

// SendError queues an error message. Authorization errors carry the login URL.
func (h *Hub) SendError(c *Client, code, message string) {
	msg := ErrorMessage{Type: "error", Code: code, Message: message}
	if code == CodeAuthorizationFailure || code == CodeSessionInvalid {
		msg.LoginURL = h.opts.LoginURL
	}
	c.send(control(msg))
}

// Detach closes a connection and releases its subscriptions. Safe to call repeatedly.
func (h *Hub) Detach(c *Client, reason string) {
	h.aggregateMutex.Lock()
	c.mutex.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mutex.Unlock()
		h.aggregateMutex.Unlock()
		return
	}
	c.state = StateClosing
	c.closeReason = reason
	c.mutex.Unlock()

	dropped := h.registry.RemoveConnection(c.ID)
	if len(dropped) > 0 {
		h.feed.RequestUnsubscribe(dropped)
	}
	h.aggregateMutex.Unlock()

	h.clientsMutex.Lock()
	delete(h.clients, c.ID)
	h.clientsMutex.Unlock()

	c.queue.Close()
	if c.queue.Len() == 0 {
		c.Finish()
	}

	log.Printf("🔌 Client %s disconnected (%s), released %d tokens upstream", c.ID, reason, len(dropped))
}

// Kick sends a final error to the connection and detaches it
func (h *Hub) Kick(c *Client, code, message string) {
	h.SendError(c, code, message)
	h.Detach(c, code)
}

// DisconnectSession closes every connection bound to an invalidated session
func (h *Hub) DisconnectSession(s *session.Session) {
	for _, c := range h.snapshot() {
		if c.Session.ID == s.ID {
			h.Kick(c, CodeSessionInvalid, "Session expired. Please login again.")
		}
	}
}

// Dispatch fans a tick out to every subscriber of its token. The ticker
// payload is encoded once and shared.
func (h *Hub) Dispatch(t tick.Tick) {
	atomic.AddInt64(&h.ticksReceived, 1)

	ids := h.registry.SubscribersOf(t.Token)
	if len(ids) == 0 {
		return
	}

	payload, err := tickerPayload(t)
	if err != nil {
		log.Printf("❌ Failed to encode tick for %s: %v", t.Token, err)
		return
	}
	msg := Message{Kind: KindTick, Payload: payload}

	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()

	for _, id := range ids {
		c, ok := h.clients[id]
		if !ok {
			continue
		}
		queued, dropped := c.queue.Push(msg)
		if !queued {
			continue
		}
		atomic.AddInt64(&c.delivered, 1)
		atomic.AddInt64(&h.ticksDelivered, 1)
		if dropped {
			total := atomic.AddInt64(&h.ticksDropped, 1)
			if n := c.queue.Dropped(); n == 1 || n%100 == 0 {
				log.Printf("⚠️ Client %s: %v (%d dropped, %d total)", c.ID, ErrSlowConsumer, n, total)
			}
		}
	}
}

// Run connects the upstream feed and dispatches ticks until ctx ends or the
// feed cannot be recovered. On loss it marks the hub stale and reconnects
// with exponential backoff; when attempts run out every client is told the
// feed is unavailable.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.connect(ctx); err != nil {
		if ctx.Err() == nil {
			h.closeAll(CodeFeedUnavailable, "Market data feed is unavailable")
		}
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case t := <-h.feed.Ticks():
			h.Dispatch(t)

		case err := <-h.feed.Lost():
			h.stale.Store(true)
			log.Printf("⚠️ Upstream feed lost, pausing fan-out: %v", err)

			if err := h.connect(ctx); err != nil {
				if ctx.Err() == nil {
					h.closeAll(CodeFeedUnavailable, "Market data feed is unavailable")
				}
				return err
			}
			h.stale.Store(false)
			atomic.AddInt64(&h.reconnects, 1)
			log.Printf("✅ Upstream feed recovered")
		}
	}
}

func (h *Hub) connect(ctx context.Context) error {
	backoff := h.opts.ReconnectBackoff
	var lastErr error

	for attempt := 1; attempt <= h.opts.MaxReconnectAttempts; attempt++ {
		lastErr = h.feed.Connect(ctx)
		if lastErr == nil {
			return nil
		}
		log.Printf("🔄 Feed connect attempt %d/%d failed: %v", attempt, h.opts.MaxReconnectAttempts, lastErr)

		if attempt == h.opts.MaxReconnectAttempts {
			break
		}
		if err := h.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > h.opts.MaxReconnectBackoff {
			backoff = h.opts.MaxReconnectBackoff
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrFeedUnavailable, h.opts.MaxReconnectAttempts, lastErr)
}

// Shutdown closes every client connection and the upstream feed
func (h *Hub) Shutdown(reason string) {
	h.closeAll("shutdown", reason)
	if err := h.feed.Disconnect(); err != nil {
		log.Printf("⚠️ Failed to disconnect upstream feed: %v", err)
	}
	log.Printf("🛑 Hub stopped")
}

func (h *Hub) closeAll(code, message string) {
	for _, c := range h.snapshot() {
		h.Kick(c, code, message)
	}
}

func (h *Hub) snapshot() []*Client {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// Stale reports whether the upstream feed is down and fan-out is paused
func (h *Hub) Stale() bool {
	return h.stale.Load()
}

// GetStats returns hub statistics
func (h *Hub) GetStats() map[string]interface{} {
	h.clientsMutex.RLock()
	clients := len(h.clients)
	h.clientsMutex.RUnlock()

	registry := h.registry.Stats()
	return map[string]interface{}{
		"clients":           clients,
		"subscribed_tokens": registry.Tokens,
		"subscriptions":     registry.Entries,
		"ticks_received":    atomic.LoadInt64(&h.ticksReceived),
		"ticks_delivered":   atomic.LoadInt64(&h.ticksDelivered),
		"ticks_dropped":     atomic.LoadInt64(&h.ticksDropped),
		"feed_reconnects":   atomic.LoadInt64(&h.reconnects),
		"feed_stale":        h.stale.Load(),
		"queue_depth":       h.opts.QueueDepth,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
