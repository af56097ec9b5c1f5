package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"golang-tick-hub/internal/broker"
	"golang-tick-hub/internal/hub"
	"golang-tick-hub/internal/orders"
	"golang-tick-hub/internal/session"
	"golang-tick-hub/internal/tick"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	AccessToken string `json:"accessToken"`
}

func (s *Server) createSession(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AccessToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "accessToken is required"})
		return
	}

	sess := s.deps.Sessions.Create(req.AccessToken)
	if !s.deps.Validator.CheckRoutine(c.Request.Context(), sess, true) {
		s.invalidToken(c)
		return
	}

	s.setSessionCookie(c, sess.ID)
	log.Printf("✅ Session %s created (token %s)", sess.ID, session.MaskToken(sess.AccessToken))
	c.JSON(http.StatusCreated, sess.State())
}

// login sends the browser to the broker's login page
func (s *Server) login(c *gin.Context) {
	if s.deps.Auth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Broker login is not configured"})
		return
	}
	c.Redirect(http.StatusFound, s.deps.Auth.LoginURL())
}

// loginCallback is where the broker returns after login. The request token
// is exchanged for an access token, which then opens a session exactly as
// POST /api/session does.
func (s *Server) loginCallback(c *gin.Context) {
	if s.deps.Auth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Broker login is not configured"})
		return
	}
	requestToken := c.Query("request_token")
	if requestToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_token is required"})
		return
	}
	if status := c.Query("status"); status != "" && status != "success" {
		log.Printf("⚠️ Broker login returned status %q", status)
		s.invalidToken(c)
		return
	}

	accessToken, err := s.deps.Auth.ExchangeToken(c.Request.Context(), requestToken)
	if err != nil {
		log.Printf("❌ Broker login failed: %v", err)
		if errors.Is(err, broker.ErrUnauthorized) {
			s.invalidToken(c)
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "Authentication failed", "message": err.Error()})
		return
	}

	sess := s.deps.Sessions.Create(accessToken)
	if !s.deps.Validator.CheckRoutine(c.Request.Context(), sess, true) {
		s.invalidToken(c)
		return
	}

	s.setSessionCookie(c, sess.ID)
	log.Printf("✅ Session %s created from broker login (token %s)", sess.ID, session.MaskToken(sess.AccessToken))
	c.Redirect(http.StatusFound, s.opts.HomeURL)
}

func (s *Server) deleteSession(c *gin.Context) {
	sess := currentSession(c)
	s.deps.Validator.Invalidate(sess, "logout")
	s.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

func (s *Server) getSessionStatus(c *gin.Context) {
	sess := currentSession(c)
	if c.Query("force") == "true" && !s.deps.Validator.CheckRoutine(c.Request.Context(), sess, true) {
		s.invalidToken(c)
		return
	}
	c.JSON(http.StatusOK, sess.State())
}

func (s *Server) validateSession(c *gin.Context) {
	sess := currentSession(c)
	if !s.deps.Validator.CheckCritical(c.Request.Context(), sess, true) {
		s.invalidToken(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "sessionId": sess.ID})
}

// connectionForRequest resolves ?connection= to a client owned by the caller's session
func (s *Server) connectionForRequest(c *gin.Context) (*hub.Client, []tick.Token, bool) {
	tokens, err := tick.ParseTokens(c.Query("tokens"))
	if err != nil || len(tokens) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tokens must be a comma-separated list of instrument tokens"})
		return nil, nil, false
	}

	client, ok := s.deps.Hub.Client(c.Query("connection"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return nil, nil, false
	}
	if client.Session.ID != currentSession(c).ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "connection belongs to another session"})
		return nil, nil, false
	}
	return client, tokens, true
}

func (s *Server) tickerSubscribe(c *gin.Context) {
	client, tokens, ok := s.connectionForRequest(c)
	if !ok {
		return
	}

	if err := s.deps.Hub.Subscribe(c.Request.Context(), client, tokens); err != nil {
		s.hubError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connection": client.ID, "tokens": tokens})
}

func (s *Server) tickerUnsubscribe(c *gin.Context) {
	client, tokens, ok := s.connectionForRequest(c)
	if !ok {
		return
	}

	if err := s.deps.Hub.Unsubscribe(client, tokens); err != nil {
		s.hubError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connection": client.ID, "tokens": tokens})
}

func (s *Server) hubError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrAuthorizationFailure):
		s.invalidToken(c)
	case errors.Is(err, hub.ErrConnectionClosed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, hub.ErrNoTokens):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type subscriptionView struct {
	InstrumentToken tick.Token `json:"instrumentToken"`
	Tradingsymbol   string     `json:"tradingsymbol,omitempty"`
	Exchange        string     `json:"exchange,omitempty"`
	Subscribers     int        `json:"subscribers"`
}

func (s *Server) tickerSubscriptions(c *gin.Context) {
	tokens := s.deps.Registry.Tokens()
	views := make([]subscriptionView, 0, len(tokens))
	for _, token := range tokens {
		view := subscriptionView{
			InstrumentToken: token,
			Subscribers:     len(s.deps.Registry.SubscribersOf(token)),
		}
		if s.deps.Instruments != nil {
			if inst, ok := s.deps.Instruments.Lookup(token); ok {
				view.Tradingsymbol = inst.Tradingsymbol
				view.Exchange = inst.Exchange
			}
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(views), "subscriptions": views})
}

func (s *Server) getInstrument(c *gin.Context) {
	if s.deps.Instruments == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "instrument store not configured"})
		return
	}
	token, err := tick.ParseToken(c.Param("token"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inst, ok := s.deps.Instruments.Lookup(token)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "instrument not found"})
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) listInstruments(c *gin.Context) {
	if s.deps.Instruments == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "instrument store not configured"})
		return
	}
	limit := queryInt(c, "limit", 500)
	found := s.deps.Instruments.Filter(c.Query("exchange"), c.Query("type"))
	total := len(found)
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "count": len(found), "instruments": found})
}

func (s *Server) placeOrder(c *gin.Context) {
	var req orders.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order payload"})
		return
	}

	sess := currentSession(c)
	order, err := s.deps.Orders.Place(c.Request.Context(), sess, req)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, order)
	case errors.Is(err, orders.ErrInvalidOrder):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, orders.ErrUnknownInstrument):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrAuthorizationFailure):
		s.invalidToken(c)
	case errors.Is(err, broker.ErrUnauthorized):
		s.deps.Validator.Invalidate(sess, "broker rejected order credentials")
		s.invalidToken(c)
	default:
		log.Printf("❌ Order placement failed for session %s: %v", sess.ID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

func (s *Server) listOrders(c *gin.Context) {
	recent, err := s.deps.Orders.Recent(c.Request.Context(), queryInt(c, "limit", 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if recent == nil {
		recent = []orders.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(recent), "orders": recent})
}

func (s *Server) getHealth(c *gin.Context) {
	status := "ok"
	if s.deps.Hub.Stale() {
		status = "degraded"
	}
	hubStats := s.deps.Hub.GetStats()
	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"connections": hubStats["clients"],
		"feed_stale":  hubStats["feed_stale"],
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) getStats(c *gin.Context) {
	stats := gin.H{
		"hub":       s.deps.Hub.GetStats(),
		"sessions":  s.deps.Validator.GetStats(),
		"orders":    s.deps.Orders.GetStats(),
		"timestamp": time.Now().UnixMilli(),
	}
	if s.deps.Feed != nil {
		stats["feed"] = s.deps.Feed.GetStats()
	}
	if s.deps.Instruments != nil {
		stats["instruments"] = s.deps.Instruments.GetStats()
	}
	if s.deps.Storage != nil {
		stats["storage"] = s.deps.Storage(c.Request.Context())
	}
	c.JSON(http.StatusOK, stats)
}

func queryInt(c *gin.Context, key string, defaultValue int) int {
	if value := c.Query(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}
