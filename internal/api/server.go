package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang-tick-hub/internal/hub"
	"golang-tick-hub/internal/instrument"
	"golang-tick-hub/internal/orders"
	"golang-tick-hub/internal/session"
	"golang-tick-hub/internal/subscription"
	"golang-tick-hub/internal/tick"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Instruments is the read side of the instrument store
type Instruments interface {
	Lookup(token tick.Token) (instrument.Instrument, bool)
	Filter(exchange, instrumentType string) []instrument.Instrument
	GetStats() map[string]interface{}
}

// StatsProvider is anything that reports GetStats
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// Authenticator sends users to the broker login and trades the returned
// request token for an access token
type Authenticator interface {
	LoginURL() string
	ExchangeToken(ctx context.Context, requestToken string) (string, error)
}

// StorageStats reports on the backing stores
type StorageStats func(ctx context.Context) map[string]interface{}

// Options configure the HTTP surface
type Options struct {
	Debug            bool
	Development      bool
	AllowedOrigins   []string
	AutoSessionToken string
	LoginURL         string
	HomeURL          string
	SecureCookies    bool
}

// Dependencies are the components the handlers drive
type Dependencies struct {
	Sessions    *session.Store
	Validator   *session.Validator
	Hub         *hub.Hub
	Registry    *subscription.Registry
	Instruments Instruments
	Orders      *orders.Service
	Feed        StatsProvider
	Auth        Authenticator
	Storage     StorageStats
}

// Server is the gin REST + WebSocket front of the hub
type Server struct {
	opts      Options
	deps      Dependencies
	engine    *gin.Engine
	upgrader  websocket.Upgrader
	startedAt time.Time
}

// NewServer builds the gin engine and registers every route
func NewServer(opts Options, deps Dependencies) *Server {
	if opts.LoginURL == "" {
		opts.LoginURL = "/login"
	}
	if opts.HomeURL == "" {
		opts.HomeURL = "/"
	}

	// Set Gin mode
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	if opts.Debug {
		engine.Use(gin.Logger())
	}

	s := &Server{
		opts:      opts,
		deps:      deps,
		engine:    engine,
		startedAt: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	engine.Use(s.cors())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/api/health", s.getHealth)
	s.engine.POST("/api/session", s.createSession)
	s.engine.GET("/login", s.login)
	s.engine.GET("/kite/callback", s.loginCallback)

	authed := s.engine.Group("/", s.requireSession())
	{
		authed.DELETE("/api/session", s.deleteSession)
		authed.GET("/api/session/status", s.getSessionStatus)
		authed.POST("/api/session/validate", s.validateSession)

		authed.POST("/api/ticker/subscribe", s.tickerSubscribe)
		authed.POST("/api/ticker/unsubscribe", s.tickerUnsubscribe)
		authed.GET("/api/ticker/subscriptions", s.tickerSubscriptions)

		authed.GET("/api/instruments", s.listInstruments)
		authed.GET("/api/instruments/:token", s.getInstrument)

		authed.POST("/api/orders", s.placeOrder)
		authed.GET("/api/orders", s.listOrders)

		authed.GET("/api/stats", s.getStats)

		authed.GET("/ws/ticker", s.handleTicker)
	}
}

// Handler returns the HTTP handler for http.Server
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	return s.originAllowed(r.Header.Get("Origin"))
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, "+sessionHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
