package broker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultLoginURL is the broker's interactive login page
const DefaultLoginURL = "https://kite.zerodha.com/connect/login"

// ErrUnauthorized is returned when the broker rejects the access token
var ErrUnauthorized = errors.New("broker rejected credentials")

// APIError is a non-2xx broker response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("broker API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("broker API returned status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// Config holds broker REST endpoints and credentials
type Config struct {
	BaseURL      string
	APIKey       string
	APISecret    string
	LoginURL     string
	StatusPath   string
	ValidatePath string
	OrdersPath   string
	TokenPath    string
	Timeout      time.Duration
}

// Client talks to the broker's REST API: login token exchange, session
// status, deep token validation and order placement
type Client struct {
	baseURL      string
	apiKey       string
	apiSecret    string
	loginURL     string
	statusPath   string
	validatePath string
	ordersPath   string
	tokenPath    string
	httpClient   *http.Client
}

// SessionStatus is the session status service response
type SessionStatus struct {
	Authenticated bool   `json:"authenticated"`
	TokenValid    bool   `json:"tokenValid"`
	Error         string `json:"error,omitempty"`
}

// TokenValidation is the deep token validator response
type TokenValidation struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// OrderRequest is the payload sent to the order placement service
type OrderRequest struct {
	Tradingsymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	TransactionType string  `json:"transaction_type"`
	Quantity        int     `json:"quantity"`
	Price           float64 `json:"price,omitempty"`
	OrderType       string  `json:"order_type"`
	Product         string  `json:"product"`
}

// OrderResponse is the order placement service response
type OrderResponse struct {
	OrderID string `json:"orderId"`
	Error   string `json:"error,omitempty"`
}

// NewClient creates a new broker REST client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		apiSecret:    cfg.APISecret,
		loginURL:     orDefault(cfg.LoginURL, DefaultLoginURL),
		statusPath:   orDefault(cfg.StatusPath, "/api/session/status"),
		validatePath: orDefault(cfg.ValidatePath, "/api/session/validate"),
		ordersPath:   orDefault(cfg.OrdersPath, "/orders/regular"),
		tokenPath:    orDefault(cfg.TokenPath, "/session/token"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}

	log.Printf("✅ Broker client initialized with base URL: %s", client.baseURL)
	return client
}

// SessionStatus asks the session status service whether the access token
// still belongs to an authenticated session
func (c *Client) SessionStatus(ctx context.Context, accessToken string) (*SessionStatus, error) {
	var status SessionStatus
	if err := c.do(ctx, http.MethodGet, c.statusPath, accessToken, nil, &status); err != nil {
		return nil, fmt.Errorf("failed to fetch session status: %w", err)
	}
	if status.Error != "" {
		return &status, fmt.Errorf("session status service reported: %s", status.Error)
	}
	// tokenValid is only meaningful for an authenticated session
	status.TokenValid = status.TokenValid && status.Authenticated
	return &status, nil
}

// ValidateToken runs the deep token validation
func (c *Client) ValidateToken(ctx context.Context, accessToken string) (*TokenValidation, error) {
	var validation TokenValidation
	if err := c.do(ctx, http.MethodPost, c.validatePath, accessToken, struct{}{}, &validation); err != nil {
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}
	if validation.Error != "" {
		validation.Valid = false
	}
	return &validation, nil
}

// PlaceOrder submits an order and returns the broker's order id
func (c *Client) PlaceOrder(ctx context.Context, accessToken string, order OrderRequest) (string, error) {
	var resp OrderResponse
	if err := c.do(ctx, http.MethodPost, c.ordersPath, accessToken, order, &resp); err != nil {
		return "", fmt.Errorf("failed to place order: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("order rejected: %s", resp.Error)
	}
	if resp.OrderID == "" {
		return "", fmt.Errorf("order placement returned no order id")
	}
	return resp.OrderID, nil
}

// LoginURL is where a user is sent to log in with the broker. The broker
// redirects back to the registered callback with a request_token.
func (c *Client) LoginURL() string {
	return c.loginURL + "?v=3&api_key=" + url.QueryEscape(c.apiKey)
}

// ExchangeToken trades a login request_token for an access token
func (c *Client) ExchangeToken(ctx context.Context, requestToken string) (string, error) {
	if requestToken == "" {
		return "", errors.New("request token is required")
	}
	if c.apiSecret == "" {
		return "", errors.New("broker API secret is not configured")
	}

	form := url.Values{}
	form.Set("api_key", c.apiKey)
	form.Set("request_token", requestToken)
	form.Set("checksum", Checksum(c.apiKey, requestToken, c.apiSecret))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	if err := c.send(req, &resp); err != nil {
		return "", fmt.Errorf("failed to exchange request token: %w", err)
	}
	if resp.Data.AccessToken == "" {
		return "", fmt.Errorf("token exchange returned no access token")
	}
	return resp.Data.AccessToken, nil
}

// Checksum is the hex SHA-256 of api_key + request_token + api_secret
func Checksum(apiKey, requestToken, apiSecret string) string {
	sum := sha256.Sum256([]byte(apiKey + requestToken + apiSecret))
	return hex.EncodeToString(sum[:])
}

func (c *Client) do(ctx context.Context, method, path, accessToken string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", c.apiKey, accessToken))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out interface{}) error {
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "TickHub/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if data, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096)); readErr == nil && json.Unmarshal(data, &payload) == nil {
			apiErr.Message = orDefault(payload.Error, payload.Message)
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
