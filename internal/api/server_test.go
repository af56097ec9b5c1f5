package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang-tick-hub/internal/broker"
	"golang-tick-hub/internal/hub"
	"golang-tick-hub/internal/orders"
	"golang-tick-hub/internal/session"
	"golang-tick-hub/internal/subscription"
	"golang-tick-hub/internal/tick"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type fakeUpstream struct {
	mutex      sync.Mutex
	subscribed []tick.Token
	ticks      chan tick.Tick
	lost       chan error
}

func (f *fakeUpstream) RequestSubscribe(tokens []tick.Token) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.subscribed = append(f.subscribed, tokens...)
}

func (f *fakeUpstream) RequestUnsubscribe(tokens []tick.Token) {}
func (f *fakeUpstream) Connect(ctx context.Context) error    { return nil }
func (f *fakeUpstream) Disconnect() error                    { return nil }
func (f *fakeUpstream) Ticks() <-chan tick.Tick              { return f.ticks }
func (f *fakeUpstream) Lost() <-chan error                   { return f.lost }

// fakeBroker answers both validator collaborators and order placement
type fakeBroker struct {
	mutex    sync.Mutex
	valid    bool
	orderErr error
}

func (f *fakeBroker) setValid(valid bool) {
	f.mutex.Lock()
	f.valid = valid
	f.mutex.Unlock()
}

func (f *fakeBroker) SessionStatus(ctx context.Context, accessToken string) (*broker.SessionStatus, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return &broker.SessionStatus{Authenticated: f.valid, TokenValid: f.valid}, nil
}

func (f *fakeBroker) ValidateToken(ctx context.Context, accessToken string) (*broker.TokenValidation, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return &broker.TokenValidation{Valid: f.valid}, nil
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, accessToken string, order broker.OrderRequest) (string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.orderErr != nil {
		return "", f.orderErr
	}
	return "B-1001", nil
}

type testEnv struct {
	server    *Server
	sessions  *session.Store
	validator *session.Validator
	hub       *hub.Hub
	broker    *fakeBroker
	upstream  *fakeUpstream
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fb := &fakeBroker{valid: true}
	up := &fakeUpstream{ticks: make(chan tick.Tick), lost: make(chan error)}
	store := session.NewStore()
	validator := session.NewValidator(session.DefaultOptions(), fb, fb, session.NewMemoryCache(), store)
	registry := subscription.NewRegistry()
	h := hub.New(hub.Options{QueueDepth: 32}, registry, up, validator)
	validator.OnInvalidate(h.DisconnectSession)

	srv := NewServer(Options{Debug: true, AllowedOrigins: []string{"*"}}, Dependencies{
		Sessions:  store,
		Validator: validator,
		Hub:       h,
		Registry:  registry,
		Orders:    orders.NewService(fb, validator, nil, nil),
	})

	return &testEnv{server: srv, sessions: store, validator: validator, hub: h, broker: fb, upstream: up}
}

func (e *testEnv) do(method, path, sessionID string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, w.Body.String())
	}
	return out
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodGet, "/api/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if _, ok := decode(t, w)["status"]; !ok {
		t.Fatalf("health response missing status")
	}
}

func TestProtectedRouteRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodGet, "/api/session/status", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	body := decode(t, w)
	if body["error"] != "Authentication required" || body["loginUrl"] != "/login" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/session", "", loginRequest{AccessToken: "tok-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	id, _ := decode(t, w)["sessionId"].(string)
	if id == "" {
		t.Fatalf("missing sessionId")
	}
	if !strings.Contains(w.Header().Get("Set-Cookie"), sessionCookie+"="+id) {
		t.Fatalf("session cookie not set: %q", w.Header().Get("Set-Cookie"))
	}

	status := env.do(http.MethodGet, "/api/session/status", id, nil)
	if status.Code != http.StatusOK {
		t.Fatalf("expected 200 for status, got %d", status.Code)
	}
	if decode(t, status)["tokenValid"] != true {
		t.Fatalf("expected tokenValid true")
	}
}

func TestCreateSessionRejectedToken(t *testing.T) {
	env := newTestEnv(t)
	env.broker.setValid(false)

	w := env.do(http.MethodPost, "/api/session", "", loginRequest{AccessToken: "expired"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if decode(t, w)["error"] != "Invalid or expired token" {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
	if env.sessions.Len() != 0 {
		t.Fatalf("rejected session left in store")
	}

	if w := env.do(http.MethodPost, "/api/session", "", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing token, got %d", w.Code)
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sessions.Create("tok")

	if w := env.do(http.MethodDelete, "/api/session", sess.ID, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !sess.Invalidated() {
		t.Fatalf("session should be invalidated")
	}
	if w := env.do(http.MethodGet, "/api/session/status", sess.ID, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", w.Code)
	}
}

func TestTickerSubscribeOverREST(t *testing.T) {
	env := newTestEnv(t)
	owner := env.sessions.Create("owner")
	other := env.sessions.Create("other")
	client := env.hub.Attach(owner)

	path := "/api/ticker/subscribe?connection=" + client.ID + "&tokens=256265,260105"

	if w := env.do(http.MethodPost, "/api/ticker/subscribe?connection=nope&tokens=1", owner.ID, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown connection, got %d", w.Code)
	}
	if w := env.do(http.MethodPost, path, other.ID, nil); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign connection, got %d", w.Code)
	}
	if w := env.do(http.MethodPost, "/api/ticker/subscribe?connection="+client.ID+"&tokens=abc", owner.ID, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad tokens, got %d", w.Code)
	}

	w := env.do(http.MethodPost, path, owner.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.hub.Subscriptions(client); len(got) != 2 {
		t.Fatalf("expected 2 subscriptions, got %v", got)
	}

	list := env.do(http.MethodGet, "/api/ticker/subscriptions", owner.ID, nil)
	if count := decode(t, list)["count"]; count != float64(2) {
		t.Fatalf("expected 2 aggregate subscriptions, got %v", count)
	}
}

func TestTickerSubscribeDeniedInvalidatesSession(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sessions.Create("tok")
	// routine check stays debounced while the deep check is rejected
	env.validator.CheckRoutine(context.Background(), sess, true)
	client := env.hub.Attach(sess)
	env.broker.setValid(false)

	w := env.do(http.MethodPost, "/api/ticker/subscribe?connection="+client.ID+"&tokens=256265", sess.ID, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
	if client.State() == hub.StateOpen {
		t.Fatalf("connection should have been closed with the session")
	}
}

func TestInstrumentsUnavailableWithoutStore(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sessions.Create("tok")

	if w := env.do(http.MethodGet, "/api/instruments/256265", sess.ID, nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestPlaceOrder(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sessions.Create("tok")

	req := orders.Request{
		Tradingsymbol:   "INFY",
		Exchange:        "NSE",
		TransactionType: orders.Buy,
		Quantity:        5,
		OrderType:       orders.Market,
	}
	w := env.do(http.MethodPost, "/api/orders", sess.ID, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	list := env.do(http.MethodGet, "/api/orders", sess.ID, nil)
	if count := decode(t, list)["count"]; count != float64(1) {
		t.Fatalf("expected one journaled order, got %v", count)
	}

	bad := env.do(http.MethodPost, "/api/orders", sess.ID, orders.Request{Tradingsymbol: "INFY", Exchange: "NSE"})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid order, got %d", bad.Code)
	}
}

func TestPlaceOrderBrokerRejectsCredentials(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sessions.Create("tok")
	env.broker.orderErr = &broker.APIError{StatusCode: http.StatusForbidden, Message: "TokenException"}

	req := orders.Request{Tradingsymbol: "INFY", Exchange: "NSE", TransactionType: orders.Sell, Quantity: 1, OrderType: orders.Market}
	w := env.do(http.MethodPost, "/api/orders", sess.ID, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
	if !sess.Invalidated() {
		t.Fatalf("session should be invalidated after broker rejection")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
	req.Header.Set("Origin", "http://app.test")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "http://app.test" {
		t.Fatalf("origin not echoed")
	}
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

func dialTicker(t *testing.T, env *testEnv, sessionID string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/ticker?session=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketSubscribeAndReceiveTicks(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sessions.Create("tok")
	conn := dialTicker(t, env, sess.ID)

	hello := readJSON(t, conn)
	if hello["type"] != "connection" || hello["status"] != "confirmed" {
		t.Fatalf("unexpected first message: %v", hello)
	}

	if err := conn.WriteJSON(clientRequest{Action: "subscribe", Tokens: []tick.Token{256265}}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	ack := readJSON(t, conn)
	if ack["type"] != "subscription" || ack["status"] != "ok" {
		t.Fatalf("unexpected ack: %v", ack)
	}

	env.hub.Dispatch(tick.Tick{Token: 256265, LastPrice: 24850.5})
	msg := readJSON(t, conn)
	data, _ := msg["data"].(map[string]interface{})
	if msg["type"] != "ticker" || data["lastPrice"] != 24850.5 {
		t.Fatalf("unexpected tick message: %v", msg)
	}

	conn.WriteJSON(map[string]string{"action": "ping"})
	if pong := readJSON(t, conn); pong["type"] != "pong" {
		t.Fatalf("expected pong, got %v", pong)
	}

	conn.WriteJSON(map[string]string{"action": "explode"})
	if errMsg := readJSON(t, conn); errMsg["code"] != hub.CodeBadRequest {
		t.Fatalf("expected bad_request, got %v", errMsg)
	}
}

func TestWebSocketClosedOnInvalidation(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sessions.Create("tok")
	conn := dialTicker(t, env, sess.ID)
	readJSON(t, conn)

	env.validator.Invalidate(sess, "test")

	notice := readJSON(t, conn)
	if notice["code"] != hub.CodeSessionInvalid {
		t.Fatalf("expected session_invalid notice, got %v", notice)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, closeSessionInvalid) {
		t.Fatalf("expected close code %d, got %v", closeSessionInvalid, err)
	}
}

func TestWebSocketRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/ticker"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail without a session")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %v", resp)
	}
}

type fakeAuth struct {
	exchanged []string
	token     string
	err       error
}

func (f *fakeAuth) LoginURL() string {
	return "https://broker.test/connect/login?v=3&api_key=key"
}

func (f *fakeAuth) ExchangeToken(ctx context.Context, requestToken string) (string, error) {
	f.exchanged = append(f.exchanged, requestToken)
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func (e *testEnv) withDeps(opts Options, mutate func(*Dependencies)) *Server {
	deps := e.server.deps
	mutate(&deps)
	return NewServer(opts, deps)
}

func serve(srv *Server, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestLoginRedirectsToBroker(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(http.MethodGet, "/login", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a broker login, got %d", w.Code)
	}

	srv := env.withDeps(Options{}, func(d *Dependencies) { d.Auth = &fakeAuth{} })
	w := serve(srv, http.MethodGet, "/login")
	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	if got := w.Header().Get("Location"); got != "https://broker.test/connect/login?v=3&api_key=key" {
		t.Fatalf("unexpected redirect %q", got)
	}
}

func TestLoginCallbackCreatesSession(t *testing.T) {
	env := newTestEnv(t)
	auth := &fakeAuth{token: "acc-1"}
	srv := env.withDeps(Options{HomeURL: "/app"}, func(d *Dependencies) { d.Auth = auth })

	if w := serve(srv, http.MethodGet, "/kite/callback"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without request_token, got %d", w.Code)
	}

	w := serve(srv, http.MethodGet, "/kite/callback?request_token=req-1&action=login&status=success")
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/app" {
		t.Fatalf("expected redirect to /app, got %d %q", w.Code, w.Header().Get("Location"))
	}
	if len(auth.exchanged) != 1 || auth.exchanged[0] != "req-1" {
		t.Fatalf("expected one exchange of req-1, got %v", auth.exchanged)
	}

	cookie := w.Result().Cookies()
	if len(cookie) != 1 || cookie[0].Name != sessionCookie || cookie[0].Value == "" {
		t.Fatalf("session cookie not set: %v", cookie)
	}
	sess, err := env.sessions.Get(cookie[0].Value)
	if err != nil {
		t.Fatalf("callback session not stored: %v", err)
	}
	if sess.AccessToken != "acc-1" {
		t.Fatalf("expected exchanged access token on session, got %q", sess.AccessToken)
	}

	status := env.do(http.MethodGet, "/api/session/status", sess.ID, nil)
	if status.Code != http.StatusOK {
		t.Fatalf("expected the new session to be usable, got %d", status.Code)
	}
}

func TestLoginCallbackRejected(t *testing.T) {
	env := newTestEnv(t)
	auth := &fakeAuth{err: &broker.APIError{StatusCode: http.StatusForbidden, Message: "Token is invalid or has expired."}}
	srv := env.withDeps(Options{}, func(d *Dependencies) { d.Auth = auth })

	w := serve(srv, http.MethodGet, "/kite/callback?request_token=stale")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a rejected exchange, got %d", w.Code)
	}
	if decode(t, w)["loginUrl"] != "/login" {
		t.Fatalf("expected loginUrl in body: %s", w.Body.String())
	}

	// the broker accepts the exchange but the status service rejects the token
	auth.err = nil
	auth.token = "acc-2"
	env.broker.setValid(false)
	if w := serve(srv, http.MethodGet, "/kite/callback?request_token=req-2"); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when the new token fails its check, got %d", w.Code)
	}
	if env.sessions.Len() != 0 {
		t.Fatalf("rejected login left %d sessions in store", env.sessions.Len())
	}
}

func TestStatsIncludeStorage(t *testing.T) {
	env := newTestEnv(t)
	srv := env.withDeps(Options{}, func(d *Dependencies) {
		d.Storage = func(ctx context.Context) map[string]interface{} {
			return map[string]interface{}{"status_cache": map[string]interface{}{"cached_statuses": 3}}
		}
	})
	sess := env.sessions.Create("tok")

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set(sessionHeader, sess.ID)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	storage, ok := decode(t, w)["storage"].(map[string]interface{})
	if !ok {
		t.Fatalf("stats missing storage: %s", w.Body.String())
	}
	if cache, _ := storage["status_cache"].(map[string]interface{}); cache["cached_statuses"] != float64(3) {
		t.Fatalf("unexpected storage stats: %v", storage)
	}

	if _, present := decode(t, env.do(http.MethodGet, "/api/stats", sess.ID, nil))["storage"]; present {
		t.Fatalf("storage stats reported without a storage source")
	}
}
