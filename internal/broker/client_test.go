package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{BaseURL: server.URL, APIKey: "key", Timeout: 2 * time.Second})
}

func TestSessionStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/session/status" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "token key:abc" {
			t.Errorf("unexpected authorization header %q", got)
		}
		json.NewEncoder(w).Encode(SessionStatus{Authenticated: true, TokenValid: true})
	})

	status, err := client.SessionStatus(context.Background(), "abc")
	if err != nil {
		t.Fatalf("SessionStatus returned error: %v", err)
	}
	if !status.Authenticated || !status.TokenValid {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestSessionStatusKeepsTokenValidBehindAuthenticated(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"authenticated":false,"tokenValid":true}`))
	})

	status, err := client.SessionStatus(context.Background(), "abc")
	if err != nil {
		t.Fatalf("SessionStatus returned error: %v", err)
	}
	if status.TokenValid {
		t.Fatalf("tokenValid must be false for an unauthenticated session")
	}
}

func TestSessionStatusReportsServiceError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"authenticated":false,"tokenValid":false,"error":"Session check failed"}`))
	})

	if _, err := client.SessionStatus(context.Background(), "abc"); err == nil {
		t.Fatalf("expected error when the service reports one")
	}
}

func TestValidateTokenUnauthorized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"Invalid token"}`))
	})

	_, err := client.ValidateToken(context.Background(), "abc")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "Invalid token" {
		t.Fatalf("expected APIError with message, got %v", err)
	}
}

func TestValidateTokenErrorFieldMeansInvalid(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"valid":true,"error":"Token required"}`))
	})

	validation, err := client.ValidateToken(context.Background(), "abc")
	if err != nil {
		t.Fatalf("ValidateToken returned error: %v", err)
	}
	if validation.Valid {
		t.Fatalf("a response carrying an error must not be treated as valid")
	}
}

func TestPlaceOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var order OrderRequest
		if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
			t.Errorf("failed to decode order: %v", err)
		}
		if order.Tradingsymbol != "INFY" || order.Quantity != 5 || order.Product != "MIS" {
			t.Errorf("unexpected order payload: %+v", order)
		}
		w.Write([]byte(`{"orderId":"151220000000000"}`))
	})

	id, err := client.PlaceOrder(context.Background(), "abc", OrderRequest{
		Tradingsymbol: "INFY", Exchange: "NSE", TransactionType: "BUY",
		Quantity: 5, OrderType: "MARKET", Product: "MIS",
	})
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	if id != "151220000000000" {
		t.Fatalf("unexpected order id %q", id)
	}
}

func TestPlaceOrderRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"Insufficient funds"}`))
	})

	_, err := client.PlaceOrder(context.Background(), "abc", OrderRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 APIError, got %v", err)
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Fatalf("400 must not be reported as unauthorized")
	}
}

func TestLoginURLCarriesAPIKey(t *testing.T) {
	client := NewClient(Config{APIKey: "my key"})
	if got, want := client.LoginURL(), DefaultLoginURL+"?v=3&api_key=my+key"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	custom := NewClient(Config{APIKey: "k", LoginURL: "http://127.0.0.1:9000/connect/login"})
	if got := custom.LoginURL(); got != "http://127.0.0.1:9000/connect/login?v=3&api_key=k" {
		t.Fatalf("unexpected login URL %q", got)
	}
}

func TestExchangeToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/session/token" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("bad form: %v", err)
		}
		if r.PostForm.Get("api_key") != "key" || r.PostForm.Get("request_token") != "req-1" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		if got := r.PostForm.Get("checksum"); got != Checksum("key", "req-1", "secret") {
			t.Errorf("unexpected checksum %q", got)
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("token exchange must not send an authorization header")
		}
		w.Write([]byte(`{"status":"success","data":{"access_token":"acc-1","user_id":"AB1234"}}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, APIKey: "key", APISecret: "secret"})
	token, err := client.ExchangeToken(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("ExchangeToken returned error: %v", err)
	}
	if token != "acc-1" {
		t.Fatalf("expected acc-1, got %q", token)
	}
}

func TestExchangeTokenRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"status":"error","message":"Token is invalid or has expired."}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, APIKey: "key", APISecret: "secret"})
	if _, err := client.ExchangeToken(context.Background(), "stale"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	noSecret := NewClient(Config{BaseURL: server.URL, APIKey: "key"})
	if _, err := noSecret.ExchangeToken(context.Background(), "req"); err == nil {
		t.Fatalf("expected an error without an API secret")
	}
}

func TestChecksumIsHexSHA256(t *testing.T) {
	// sha256("abc")
	if got := Checksum("a", "b", "c"); got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("unexpected checksum %s", got)
	}
}
