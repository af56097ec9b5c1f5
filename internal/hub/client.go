package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"golang-tick-hub/internal/session"
)

// State is the lifecycle of a client connection
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is one browser connection: a send-only sink for ticks and control messages
type Client struct {
	ID        string
	Session   *session.Session
	CreatedAt time.Time

	queue *Queue

	mutex            sync.Mutex
	state            State
	criticalVerified bool
	closeReason      string

	delivered int64
}

// Queue exposes the outbound queue to the transport writer
func (c *Client) Queue() *Queue {
	return c.queue
}

// State returns the current lifecycle state
func (c *Client) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// CloseReason explains why the connection left Open
func (c *Client) CloseReason() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closeReason
}

// Finish moves a closing connection to Closed once its queue is drained or
// abandoned. The transport calls it when the writer exits.
func (c *Client) Finish() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.state == StateClosing {
		c.state = StateClosed
	}
}

// Delivered returns how many ticks were queued for this connection
func (c *Client) Delivered() int64 {
	return atomic.LoadInt64(&c.delivered)
}

// needsFreshCheck reports whether the next gated action is the first one of this connection
func (c *Client) needsFreshCheck() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return !c.criticalVerified
}

func (c *Client) markVerified() {
	c.mutex.Lock()
	c.criticalVerified = true
	c.mutex.Unlock()
}

func (c *Client) send(msg Message) bool {
	ok, _ := c.queue.Push(msg)
	return ok
}
