// Package tradeterm is the Go client for the tradeterm bridge server.
package tradeterm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"tradeterm/internal/api"
	"tradeterm/internal/domain"
)

// Wire types shared with the server.
type (
	Order             = domain.Order
	Position          = domain.Position
	Account           = domain.Account
	Bar               = domain.Bar
	SymbolInfo        = domain.SymbolInfo
	PlaceOrderRequest = api.PlaceOrderRequest
)

// Client provides a Go SDK for interacting with the tradeterm-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new tradeterm API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Error is a non-2xx response from the server.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tradeterm: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("tradeterm: %d: %s", e.Status, e.Message)
}

// Symbols lists the symbols of the server's feed.
func (c *Client) Symbols(ctx context.Context) ([]SymbolInfo, error) {
	var resp api.SymbolsResponse
	if err := c.do(ctx, http.MethodGet, "/api/symbols", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Symbols, nil
}

// Accounts lists the broker's accounts.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var resp api.AccountsResponse
	if err := c.do(ctx, http.MethodGet, "/api/accounts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// CurrentAccount returns the broker's current account.
func (c *Client) CurrentAccount(ctx context.Context) (Account, error) {
	var acct Account
	err := c.do(ctx, http.MethodGet, "/api/accounts/current", nil, &acct)
	return acct, err
}

// Orders lists the orders of an account.
func (c *Client) Orders(ctx context.Context, accountID string) ([]Order, error) {
	var resp api.OrdersResponse
	if err := c.do(ctx, http.MethodGet, "/api/accounts/"+url.PathEscape(accountID)+"/orders", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// Positions lists the open positions of an account.
func (c *Client) Positions(ctx context.Context, accountID string) ([]Position, error) {
	var resp api.PositionsResponse
	if err := c.do(ctx, http.MethodGet, "/api/accounts/"+url.PathEscape(accountID)+"/positions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

// PlaceOrder submits an order. The server only acknowledges it; follow the
// order on the event stream or with Orders.
func (c *Client) PlaceOrder(ctx context.Context, accountID string, req PlaceOrderRequest) error {
	return c.do(ctx, http.MethodPost, "/api/accounts/"+url.PathEscape(accountID)+"/orders", req, nil)
}

// CancelOrder cancels an active order, or closes the position of a filled
// one.
func (c *Client) CancelOrder(ctx context.Context, accountID, orderID string) error {
	path := "/api/accounts/" + url.PathEscape(accountID) + "/orders/" + url.PathEscape(orderID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Bars fetches the bar history of symbol. Empty resolution and series use
// the server defaults.
func (c *Client) Bars(ctx context.Context, symbol, resolution, series string) ([]Bar, error) {
	q := url.Values{}
	if resolution != "" {
		q.Set("resolution", resolution)
	}
	if series != "" {
		q.Set("series", series)
	}
	path := "/api/bars/" + url.PathEscape(symbol)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp api.BarsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Bars, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var er api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err == nil && er.Error != "" {
			apiErr.Code, apiErr.Message = er.Code, er.Error
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
