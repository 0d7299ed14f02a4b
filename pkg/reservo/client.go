// Package reservo is a Go client for the reservo HTTP API.
package reservo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Order mirrors a queued order as returned by the API.
type Order struct {
	ID            string     `json:"id"`
	Owner         string     `json:"owner"`
	Ticker        string     `json:"ticker"`
	Side          string     `json:"side"`
	Seed          float64    `json:"seed"`
	AvgPrice      float64    `json:"avg_price"`
	Tranches      int        `json:"tranches"`
	Status        string     `json:"status"`
	ExecuteAfter  time.Time  `json:"execute_after"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
	RetryCount    int        `json:"retry_count"`
	Error         string     `json:"error,omitempty"`
	RepeatGroup   string     `json:"repeat_group,omitempty"`
	RepeatIndex   int        `json:"repeat_index"`
	ExecPrice     float64    `json:"exec_price,omitempty"`
	ExecQty       int64      `json:"exec_qty,omitempty"`
	BrokerOrderID string     `json:"broker_order_id,omitempty"`
}

// Reservation describes an order to queue. A nil ExecuteAfter schedules it
// for the next market open; RepeatDays > 0 queues one order per session.
type Reservation struct {
	Ticker       string     `json:"ticker"`
	Side         string     `json:"side"` // BUY_AVG, BUY_CEIL or SELL
	Seed         float64    `json:"seed"`
	AvgPrice     float64    `json:"avg_price"`
	ExecuteAfter *time.Time `json:"execute_after,omitempty"`
	RepeatDays   int        `json:"repeat_days,omitempty"`
}

// Reserved lists the ids created by Reserve.
type Reserved struct {
	IDs         []string `json:"ids"`
	RepeatGroup string   `json:"repeat_group,omitempty"`
}

// Report summarises a reconciliation pass.
type Report struct {
	Swept        int `json:"swept"`
	Unconfirmed  int `json:"unconfirmed"`
	Due          int `json:"due"`
	Claimed      int `json:"claimed"`
	Lost         int `json:"lost"`
	Done         int `json:"done"`
	Retried      int `json:"retried"`
	Failed       int `json:"failed"`
	LockLost     int `json:"lock_lost"`
	CommitErrors int `json:"commit_errors"`
	Pruned       int `json:"pruned"`
}

// APIError is a non-2xx reply.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	Field      string `json:"field,omitempty"`
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("reservo: %d: %s (field %s)", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("reservo: %d: %s", e.StatusCode, e.Message)
}

// Client provides a Go SDK for interacting with the reservo-server API.
type Client struct {
	baseURL    string
	owner      string
	httpClient *http.Client
}

// NewClient creates a new reservo API client acting for owner.
func NewClient(baseURL, owner string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		owner:      owner,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Reserve queues a reservation.
func (c *Client) Reserve(ctx context.Context, r Reservation) (*Reserved, error) {
	var out Reserved
	if err := c.do(ctx, http.MethodPost, "/api/reservations", r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns the owner's orders in the given statuses. No statuses means
// PENDING only; "all" lists everything.
func (c *Client) List(ctx context.Context, statuses ...string) ([]Order, error) {
	path := "/api/reservations"
	if len(statuses) > 0 {
		path += "?status=" + url.QueryEscape(strings.Join(statuses, ","))
	}
	var out struct {
		Orders []Order `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

// Get returns one order.
func (c *Client) Get(ctx context.Context, id string) (*Order, error) {
	var out Order
	if err := c.do(ctx, http.MethodGet, "/api/reservations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel deletes a PENDING order.
func (c *Client) Cancel(ctx context.Context, id string) error {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/reservations/"+url.PathEscape(id), nil, &out); err != nil {
		return err
	}
	if !out.Cancelled {
		return fmt.Errorf("reservo: order %s was not cancelled", id)
	}
	return nil
}

// Reconcile triggers one reconciliation pass on the server.
func (c *Client) Reconcile(ctx context.Context) (*Report, error) {
	var out Report
	if err := c.do(ctx, http.MethodPost, "/api/reconcile", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.owner != "" {
		req.Header.Set("X-Owner", c.owner)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}
