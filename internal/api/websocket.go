package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"golang-tick-hub/internal/hub"
	"golang-tick-hub/internal/session"
	"golang-tick-hub/internal/tick"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	subscribeTimeout = 30 * time.Second

	// closeSessionInvalid tells the browser to redirect to login
	closeSessionInvalid = 4401
)

// clientRequest is an inbound WebSocket command
type clientRequest struct {
	Action string       `json:"action"`
	Tokens []tick.Token `json:"tokens"`
}

func (s *Server) handleTicker(c *gin.Context) {
	sess := currentSession(c)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ WebSocket upgrade failed: %v", err)
		return
	}

	client := s.deps.Hub.Attach(sess)
	go s.writePump(conn, client)
	s.readPump(conn, client)
}

// readPump handles incoming commands and acts as the connection watchdog
func (s *Server) readPump(conn *websocket.Conn, client *hub.Client) {
	defer s.deps.Hub.Detach(client, "client closed")

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("⚠️ WebSocket error for %s: %v", client.ID, err)
			}
			return
		}
		// Any client traffic counts as liveness
		conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleClientMessage(client, message)
	}
}

func (s *Server) handleClientMessage(client *hub.Client, message []byte) {
	var req clientRequest
	if err := json.Unmarshal(message, &req); err != nil {
		s.deps.Hub.SendError(client, hub.CodeBadRequest, "Invalid message format")
		return
	}

	switch req.Action {
	case "subscribe":
		ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
		defer cancel()
		if err := s.deps.Hub.Subscribe(ctx, client, req.Tokens); err != nil {
			s.sendHubError(client, err)
		}
	case "unsubscribe":
		if err := s.deps.Hub.Unsubscribe(client, req.Tokens); err != nil {
			s.sendHubError(client, err)
		}
	case "subscriptions":
		s.deps.Hub.SendSubscriptions(client)
	case "ping":
		s.deps.Hub.Pong(client)
	default:
		s.deps.Hub.SendError(client, hub.CodeBadRequest, "Unknown action: "+req.Action)
	}
}

func (s *Server) sendHubError(client *hub.Client, err error) {
	switch {
	case errors.Is(err, session.ErrAuthorizationFailure):
		s.deps.Hub.SendError(client, hub.CodeAuthorizationFailure, "Your session has expired. Please login again.")
	case errors.Is(err, hub.ErrConnectionClosed):
		// the connection is already on its way out
	default:
		s.deps.Hub.SendError(client, hub.CodeBadRequest, err.Error())
	}
}

// writePump drains the client's outbound queue to the socket
func (s *Server) writePump(conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(pingPeriod)
	queue := client.Queue()
	defer func() {
		ticker.Stop()
		conn.Close()
		client.Finish()
	}()

	for {
		select {
		case <-queue.Ready():
			if err := flush(conn, queue); err != nil {
				log.Printf("⚠️ Write error for %s: %v", client.ID, err)
				s.deps.Hub.Detach(client, "write error")
				return
			}
			if queue.Closed() {
				// Anything queued before the close still goes out first
				flush(conn, queue)
				code, text := closeFrameFor(client.CloseReason())
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.deps.Hub.Detach(client, "ping failed")
				return
			}
		}
	}
}

func flush(conn *websocket.Conn, queue *hub.Queue) error {
	for {
		msg, ok := queue.Pop()
		if !ok {
			return nil
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
			return err
		}
	}
}

func closeFrameFor(reason string) (int, string) {
	switch reason {
	case hub.CodeSessionInvalid:
		return closeSessionInvalid, "session invalid"
	case hub.CodeFeedUnavailable:
		return websocket.CloseTryAgainLater, "feed unavailable"
	case "shutdown":
		return websocket.CloseGoingAway, "server shutting down"
	default:
		return websocket.CloseNormalClosure, ""
	}
}
