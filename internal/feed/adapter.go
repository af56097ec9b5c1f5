package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang-tick-hub/internal/tick"

	"github.com/gorilla/websocket"
)

// ErrConnectionLoss is the base error for a dropped or unreachable upstream feed
var ErrConnectionLoss = errors.New("upstream connection lost")

// ConnectionLossError carries the transport error behind an upstream loss
type ConnectionLossError struct {
	Err error
}

func (e *ConnectionLossError) Error() string {
	return fmt.Sprintf("upstream connection lost: %v", e.Err)
}

func (e *ConnectionLossError) Unwrap() error { return e.Err }

func (e *ConnectionLossError) Is(target error) bool { return target == ErrConnectionLoss }

// Config describes the upstream ticker endpoint
type Config struct {
	URL              string
	APIKey           string
	AccessToken      string
	Mode             tick.Mode
	TickBuffer       int
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteWait        time.Duration
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// command is an upstream control message, e.g. {"a":"subscribe","v":[408065]}
type command struct {
	Action string      `json:"a"`
	Value  interface{} `json:"v"`
}

// link is one live upstream WebSocket
type link struct {
	conn      *websocket.Conn
	done      chan struct{}
	wake      chan struct{}
	closeOnce sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// Adapter owns the single upstream tick connection. It keeps the desired
// subscription set and replays it on every connect.
type Adapter struct {
	cfg        Config
	normalizer *tick.Normalizer

	mutex      sync.Mutex
	state      connState
	generation uint64
	link       *link
	desired    map[tick.Token]struct{}
	pending    []command

	ticks chan tick.Tick
	lost  chan error

	connects     int64
	losses       int64
	commandsSent int64
	textMessages int64
	connectedAt  time.Time
}

// NewAdapter creates a disconnected adapter
func NewAdapter(cfg Config, normalizer *tick.Normalizer) *Adapter {
	if cfg.Mode == "" {
		cfg.Mode = tick.ModeFull
	}
	if cfg.TickBuffer <= 0 {
		cfg.TickBuffer = 4096
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 5 * time.Second
	}
	if normalizer == nil {
		normalizer = tick.NewNormalizer()
	}

	return &Adapter{
		cfg:        cfg,
		normalizer: normalizer,
		desired:    make(map[tick.Token]struct{}),
		ticks:      make(chan tick.Tick, cfg.TickBuffer),
		lost:       make(chan error, 1),
	}
}

// Ticks delivers decoded ticks in upstream arrival order
func (a *Adapter) Ticks() <-chan tick.Tick {
	return a.ticks
}

// Lost receives a *ConnectionLossError whenever a live connection drops.
// Intentional Disconnect calls are not reported.
func (a *Adapter) Lost() <-chan error {
	return a.lost
}

// Connect dials the upstream feed and replays the desired subscriptions.
// Calls made while a connection exists or is being dialled are no-ops.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mutex.Lock()
	if a.state != stateDisconnected {
		a.mutex.Unlock()
		return nil
	}
	a.state = stateConnecting
	generation := a.generation
	a.mutex.Unlock()

	endpoint, err := a.endpoint()
	if err != nil {
		a.resetState(generation)
		return &ConnectionLossError{Err: err}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: a.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		a.resetState(generation)
		return &ConnectionLossError{Err: fmt.Errorf("dial: %w", err)}
	}

	l := &link{
		conn: conn,
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}

	a.mutex.Lock()
	if a.generation != generation {
		// Disconnect ran while we were dialling
		a.mutex.Unlock()
		conn.Close()
		return nil
	}
	a.state = stateConnected
	a.link = l
	a.pending = nil
	a.connectedAt = time.Now()
	replay := a.desiredLocked()
	a.mutex.Unlock()

	atomic.AddInt64(&a.connects, 1)

	if err := a.replay(l, replay); err != nil {
		return err
	}

	go a.readLoop(l)
	go a.writeLoop(l)

	log.Printf("✅ Upstream feed connected: %s", redact(endpoint))
	return nil
}

// RequestSubscribe adds tokens to the upstream subscription. Fire-and-forget:
// while disconnected the tokens are carried by the next replay.
func (a *Adapter) RequestSubscribe(tokens []tick.Token) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var added []tick.Token
	for _, token := range tick.Unique(tokens) {
		if _, exists := a.desired[token]; exists {
			continue
		}
		a.desired[token] = struct{}{}
		added = append(added, token)
	}
	if len(added) == 0 {
		return
	}
	a.enqueueLocked(a.subscribeCommands(added)...)
}

// RequestUnsubscribe removes tokens from the upstream subscription
func (a *Adapter) RequestUnsubscribe(tokens []tick.Token) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var removed []tick.Token
	for _, token := range tick.Unique(tokens) {
		if _, exists := a.desired[token]; !exists {
			continue
		}
		delete(a.desired, token)
		removed = append(removed, token)
	}
	if len(removed) == 0 {
		return
	}
	a.enqueueLocked(command{Action: "unsubscribe", Value: removed})
}

// Disconnect closes the upstream connection. Safe to call repeatedly.
func (a *Adapter) Disconnect() error {
	a.mutex.Lock()
	a.generation++
	l := a.link
	a.link = nil
	a.state = stateDisconnected
	a.pending = nil
	a.mutex.Unlock()

	if l == nil {
		return nil
	}

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	l.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(a.cfg.WriteWait))
	l.close()

	log.Printf("🛑 Upstream feed disconnected")
	return nil
}

// Connected reports whether a live upstream connection exists
func (a *Adapter) Connected() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.state == stateConnected
}

// Subscribed returns the desired upstream subscription set in ascending order
func (a *Adapter) Subscribed() []tick.Token {
	a.mutex.Lock()
	tokens := a.desiredLocked()
	a.mutex.Unlock()

	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

// GetStats returns adapter statistics
func (a *Adapter) GetStats() map[string]interface{} {
	connected := a.Connected()
	subscribed := a.Subscribed()
	a.mutex.Lock()
	connectedAt := a.connectedAt
	a.mutex.Unlock()

	stats := map[string]interface{}{
		"connected":         connected,
		"subscribed":        len(subscribed),
		"subscribed_tokens": subscribed,
		"connects":          atomic.LoadInt64(&a.connects),
		"losses":            atomic.LoadInt64(&a.losses),
		"commands_sent":     atomic.LoadInt64(&a.commandsSent),
		"text_messages":     atomic.LoadInt64(&a.textMessages),
		"queued_ticks":      len(a.ticks),
		"normalizer":        a.normalizer.GetStats(),
	}
	if connected {
		stats["connected_for"] = time.Since(connectedAt).Round(time.Second).String()
	}
	return stats
}

func (a *Adapter) readLoop(l *link) {
	l.conn.SetReadLimit(1 << 20)
	l.conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
		return nil
	})

	for {
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			a.handleLoss(l, err)
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))

		switch messageType {
		case websocket.BinaryMessage:
			ticks, err := a.normalizer.Normalize(data, time.Now())
			if err != nil {
				log.Printf("⚠️ Skipping malformed upstream frame (%d bytes): %v", len(data), err)
				continue
			}
			for _, t := range ticks {
				select {
				case a.ticks <- t:
				case <-l.done:
					return
				}
			}
		case websocket.TextMessage:
			a.handleText(data)
		}
	}
}

func (a *Adapter) writeLoop(l *link) {
	ping := time.NewTicker(a.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
			a.mutex.Lock()
			batch := a.pending
			a.pending = nil
			a.mutex.Unlock()

			for _, cmd := range batch {
				if err := a.write(l, cmd); err != nil {
					a.handleLoss(l, err)
					return
				}
			}
		case <-ping.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(a.cfg.WriteWait)); err != nil {
				a.handleLoss(l, err)
				return
			}
		}
	}
}

func (a *Adapter) write(l *link, cmd command) error {
	l.conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteWait))
	if err := l.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("failed to send %s command: %w", cmd.Action, err)
	}
	atomic.AddInt64(&a.commandsSent, 1)
	return nil
}

// replay re-sends the desired subscriptions on a fresh link. A failure is
// returned to the Connect caller only; nothing is pushed onto Lost, so a
// later successful connect is not followed by a stale loss report.
func (a *Adapter) replay(l *link, tokens []tick.Token) error {
	if len(tokens) == 0 {
		return nil
	}
	for _, cmd := range a.subscribeCommands(tokens) {
		if err := a.write(l, cmd); err != nil {
			err = fmt.Errorf("replay subscriptions: %w", err)
			if a.dropLink(l) {
				log.Printf("❌ Upstream feed lost during replay: %v", err)
			}
			return &ConnectionLossError{Err: err}
		}
	}
	log.Printf("🔄 Replayed %d upstream subscriptions", len(tokens))
	return nil
}

// dropLink tears down l if it is still the current link and reports
// whether it was
func (a *Adapter) dropLink(l *link) bool {
	a.mutex.Lock()
	if a.link != l {
		a.mutex.Unlock()
		return false
	}
	a.link = nil
	a.state = stateDisconnected
	a.pending = nil
	a.mutex.Unlock()

	l.close()
	atomic.AddInt64(&a.losses, 1)
	return true
}

// handleLoss tears down l and reports the loss, unless l is no longer the
// current link (already replaced or intentionally disconnected)
func (a *Adapter) handleLoss(l *link, err error) {
	if !a.dropLink(l) {
		return
	}
	log.Printf("❌ Upstream feed lost: %v", err)

	select {
	case a.lost <- &ConnectionLossError{Err: err}:
	default:
	}
}

func (a *Adapter) handleText(data []byte) {
	atomic.AddInt64(&a.textMessages, 1)

	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("⚠️ Skipping undecodable upstream text message: %v", err)
		return
	}

	switch msg.Type {
	case "error":
		log.Printf("❌ Upstream feed error: %s", string(msg.Data))
	case "order":
		log.Printf("📨 Upstream order update received (%d bytes)", len(msg.Data))
	case "message":
		log.Printf("📨 Upstream message: %s", string(msg.Data))
	}
}

func (a *Adapter) enqueueLocked(cmds ...command) {
	if a.state != stateConnected || a.link == nil {
		return
	}
	a.pending = append(a.pending, cmds...)
	select {
	case a.link.wake <- struct{}{}:
	default:
	}
}

func (a *Adapter) subscribeCommands(tokens []tick.Token) []command {
	return []command{
		{Action: "subscribe", Value: tokens},
		{Action: "mode", Value: []interface{}{a.cfg.Mode, tokens}},
	}
}

func (a *Adapter) desiredLocked() []tick.Token {
	out := make([]tick.Token, 0, len(a.desired))
	for token := range a.desired {
		out = append(out, token)
	}
	return out
}

func (a *Adapter) resetState(generation uint64) {
	a.mutex.Lock()
	if a.generation == generation {
		a.state = stateDisconnected
	}
	a.mutex.Unlock()
}

func (a *Adapter) endpoint() (string, error) {
	u, err := url.Parse(a.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid feed URL: %w", err)
	}
	q := u.Query()
	if a.cfg.APIKey != "" {
		q.Set("api_key", a.cfg.APIKey)
	}
	if a.cfg.AccessToken != "" {
		q.Set("access_token", a.cfg.AccessToken)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redact hides credentials in the feed URL for logging
func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	if q.Has("access_token") {
		q.Set("access_token", "****")
	}
	u.RawQuery = q.Encode()
	return u.String()
}
