// Package sot implements the HTTP client for the Source-of-Truth Service:
// the backend owning durable fleet, session and inventory state. This core
// only consumes it; nothing here is authoritative.
package sot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parlorlabs/fleetsync/internal/fleet"
)

const defaultRequestTimeout = 10 * time.Second

var errMissingBaseURL = errors.New("sot: base url required")

// APIError carries a non-2xx response from the Source-of-Truth Service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sot: server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("sot: server returned status %d: %s", e.StatusCode, e.Message)
}

// IsRejection reports whether the error is an authoritative refusal (4xx)
// rather than a transient transport or server failure.
func IsRejection(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

// Config captures the connection settings for the Source-of-Truth Service.
type Config struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// Client is a thin, context-aware REST client over the service's query and
// mutation APIs.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	authToken  string
	logger     *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("sot: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("sot: unsupported scheme %q", parsed.Scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    parsed,
		authToken:  cfg.AuthToken,
		logger:     logger,
	}, nil
}

// WebSocketURL derives the event-stream endpoint from the base URL
// (http → ws, https → wss, path /ws).
func (c *Client) WebSocketURL() string {
	wsURL := *c.baseURL
	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimRight(wsURL.Path, "/") + "/ws"
	return wsURL.String()
}

// SessionFilter narrows ListSessions results; zero values are unconstrained.
type SessionFilter struct {
	Status   string
	PCID     string
	User     string
	DateFrom *time.Time
	DateTo   *time.Time
}

func (f SessionFilter) query() url.Values {
	values := url.Values{}
	if f.Status != "" {
		values.Set("status", f.Status)
	}
	if f.PCID != "" {
		values.Set("pcId", f.PCID)
	}
	if f.User != "" {
		values.Set("user", f.User)
	}
	if f.DateFrom != nil {
		values.Set("dateFrom", f.DateFrom.UTC().Format(time.RFC3339))
	}
	if f.DateTo != nil {
		values.Set("dateTo", f.DateTo.UTC().Format(time.RFC3339))
	}
	return values
}

// SessionPatch is a partial session update; nil fields are left unchanged.
type SessionPatch struct {
	UserName   *string           `json:"userName,omitempty"`
	PaidStatus *fleet.PaidStatus `json:"paidStatus,omitempty"`
	AmountDue  *float64          `json:"amountDue,omitempty"`
	AmountPaid *float64          `json:"amountPaid,omitempty"`
	Notes      *string           `json:"notes,omitempty"`
}

// InventoryCreate describes a new inventory item.
type InventoryCreate struct {
	Name          string  `json:"name"`
	Quantity      int64   `json:"quantity"`
	ExpectedStock *int64  `json:"expectedStock,omitempty"`
	PricePerUnit  float64 `json:"pricePerUnit"`
}

// InventoryPatch is a partial inventory update; nil fields are left unchanged.
type InventoryPatch struct {
	Name          *string  `json:"name,omitempty"`
	Quantity      *int64   `json:"quantity,omitempty"`
	ExpectedStock *int64   `json:"expectedStock,omitempty"`
	PricePerUnit  *float64 `json:"pricePerUnit,omitempty"`
}

// ListDevices fetches the full ordered device list with embedded sessions.
func (c *Client) ListDevices(ctx context.Context) ([]fleet.Device, error) {
	var devices []fleet.Device
	if err := c.doJSON(ctx, http.MethodGet, "/api/pcs", nil, nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// ListSessions fetches sessions filtered server-side.
func (c *Client) ListSessions(ctx context.Context, filter SessionFilter) ([]fleet.Session, error) {
	var sessions []fleet.Session
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions", filter.query(), nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListInventory fetches the full inventory list.
func (c *Client) ListInventory(ctx context.Context) ([]fleet.InventoryItem, error) {
	var items []fleet.InventoryItem
	if err := c.doJSON(ctx, http.MethodGet, "/api/beverages", nil, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateSession applies a partial session update and returns the updated session.
func (c *Client) UpdateSession(ctx context.Context, sessionID int64, patch SessionPatch) (*fleet.Session, error) {
	var session fleet.Session
	path := "/api/sessions/" + strconv.FormatInt(sessionID, 10)
	if err := c.doJSON(ctx, http.MethodPatch, path, nil, patch, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// CloseSession sets the session's end timestamp and returns the closed session.
func (c *Client) CloseSession(ctx context.Context, sessionID int64) (*fleet.Session, error) {
	var session fleet.Session
	path := "/api/sessions/" + strconv.FormatInt(sessionID, 10) + "/close"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// CreateInventoryItem creates an item and returns it with its assigned id.
func (c *Client) CreateInventoryItem(ctx context.Context, create InventoryCreate) (*fleet.InventoryItem, error) {
	var item fleet.InventoryItem
	if err := c.doJSON(ctx, http.MethodPost, "/api/beverages", nil, create, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// UpdateInventoryItem applies a partial inventory update and returns the updated item.
func (c *Client) UpdateInventoryItem(ctx context.Context, itemID int64, patch InventoryPatch) (*fleet.InventoryItem, error) {
	var item fleet.InventoryItem
	path := "/api/beverages/" + strconv.FormatInt(itemID, 10)
	if err := c.doJSON(ctx, http.MethodPatch, path, nil, patch, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// DeleteInventoryItem removes an item.
func (c *Client) DeleteInventoryItem(ctx context.Context, itemID int64) error {
	path := "/api/beverages/" + strconv.FormatInt(itemID, 10)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, result any) error {
	var requestBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("sot: marshal request body: %w", err)
		}
		requestBody = bytes.NewReader(encoded)
	}

	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), requestBody)
	if err != nil {
		return fmt.Errorf("sot: build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	c.logger.Debug("source-of-truth request", zap.String("method", method), zap.String("url", endpoint.String()))

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("sot: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("sot: read response body: %w", err)
	}

	if response.StatusCode >= 400 {
		return &APIError{StatusCode: response.StatusCode, Message: errorMessage(payload)}
	}

	if result != nil {
		if err := json.Unmarshal(payload, result); err != nil {
			return fmt.Errorf("sot: decode response: %w", err)
		}
	}
	return nil
}

func errorMessage(payload []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return ""
	}
	if parsed.Detail != "" {
		return parsed.Detail
	}
	return parsed.Error
}
