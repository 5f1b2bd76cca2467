package api

import (
	"time"

	"tradeterm/internal/domain"
	"tradeterm/internal/hub"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// SymbolsResponse lists the feed's symbols.
type SymbolsResponse struct {
	Symbols []domain.SymbolInfo `json:"symbols"`
}

// AccountsResponse lists the broker's accounts.
type AccountsResponse struct {
	Accounts []domain.Account `json:"accounts"`
}

// OrdersResponse lists the orders of one account.
type OrdersResponse struct {
	AccountID string         `json:"accountId"`
	Orders    []domain.Order `json:"orders"`
}

// PositionsResponse lists the open positions of one account.
type PositionsResponse struct {
	AccountID string            `json:"accountId"`
	Positions []domain.Position `json:"positions"`
}

// BarsResponse carries the bar history of one symbol.
type BarsResponse struct {
	Symbol     string       `json:"symbol"`
	Resolution string       `json:"resolution"`
	Series     string       `json:"series"`
	Bars       []domain.Bar `json:"bars"`
}

// PlaceOrderRequest is the body of POST /api/accounts/{id}/orders. Without
// an orderType the order is a market order, or a limit order when a price
// is given.
type PlaceOrderRequest struct {
	Symbol     string           `json:"symbol"`
	Side       domain.Side      `json:"side"`
	Quantity   float64          `json:"quantity"`
	OrderType  domain.OrderType `json:"orderType,omitempty"`
	Price      *float64         `json:"price,omitempty"`
	StopLoss   *float64         `json:"sl,omitempty"`
	TakeProfit *float64         `json:"tp,omitempty"`
}

// PlaceOrderResponse acknowledges an accepted order. The order itself
// arrives on the event stream.
type PlaceOrderResponse struct {
	Status string `json:"status"`
}

// Event is one websocket frame of the event bridge.
type Event struct {
	Kind    hub.Kind  `json:"kind"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}
