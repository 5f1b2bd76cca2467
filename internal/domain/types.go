// Package domain defines the core types shared by the trading terminal:
// orders, positions, accounts, market data and the payloads carried on the
// event hub.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of an order as reported by the broker.
// An order is active while pending, filled while its position is open, and
// closed once it is cancelled or its position has been closed.
type OrderStatus string

const (
	OrderStatusActive OrderStatus = "active"
	OrderStatusFilled OrderStatus = "filled"
	OrderStatusClosed OrderStatus = "closed"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// SeriesKind selects how a chart renders its bars.
type SeriesKind string

const (
	SeriesCandles SeriesKind = "candles"
	SeriesLine    SeriesKind = "line"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is one OHLCV interval.
type Bar struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"time"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
	TradeCount int64     `json:"trade_count,omitempty"`
	VWAP       float64   `json:"vwap,omitempty"`
}

// Quote is the latest bid/ask for a symbol together with the session OHLC.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Open   float64   `json:"open,omitempty"`
	High   float64   `json:"high,omitempty"`
	Low    float64   `json:"low,omitempty"`
	Close  float64   `json:"close,omitempty"`
	Time   time.Time `json:"time"`
}

// Spread returns ask minus bid.
func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// SymbolInfo describes a tradable instrument.
type SymbolInfo struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Exchange string `json:"exchange,omitempty"`
	Type     string `json:"type,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// ---------------------------------------------------------------------------
// Resolutions
// ---------------------------------------------------------------------------

// Resolution pairs the history range shown on the chart with the bar
// interval, e.g. 1D/1m is one day of one-minute bars.
type Resolution struct {
	Range    string `json:"range"`
	Interval string `json:"interval"`
}

// Resolutions is the preset list offered by the chart, in display order.
var Resolutions = []Resolution{
	{Range: "1D", Interval: "1m"},
	{Range: "5D", Interval: "5m"},
	{Range: "1M", Interval: "30m"},
	{Range: "3M", Interval: "1h"},
	{Range: "6M", Interval: "2h"},
}

// DefaultResolution is the chart's initial resolution.
var DefaultResolution = Resolutions[0]

// String renders the resolution as "<range>/<interval>".
func (r Resolution) String() string {
	return r.Range + "/" + r.Interval
}

// ParseResolution parses "<range>/<interval>" and checks it against the
// preset list.
func ParseResolution(s string) (Resolution, error) {
	rng, iv, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Resolution{}, fmt.Errorf("resolution %q: want <range>/<interval>", s)
	}
	r := Resolution{Range: strings.ToUpper(rng), Interval: strings.ToLower(iv)}
	for _, p := range Resolutions {
		if p == r {
			return r, nil
		}
	}
	return Resolution{}, fmt.Errorf("resolution %q: not a supported preset", s)
}

// Span returns how far back the chart history reaches.
func (r Resolution) Span() time.Duration {
	const day = 24 * time.Hour
	switch r.Range {
	case "1D":
		return day
	case "5D":
		return 5 * day
	case "1M":
		return 30 * day
	case "3M":
		return 90 * day
	case "6M":
		return 180 * day
	}
	return day
}

// Step returns the bar interval.
func (r Resolution) Step() time.Duration {
	switch r.Interval {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "2h":
		return 2 * time.Hour
	}
	return time.Minute
}

// ---------------------------------------------------------------------------
// Trading
// ---------------------------------------------------------------------------

// Order is a brokerage order. Pointer prices are optional.
type Order struct {
	ID            string      `json:"orderId"`
	AccountID     string      `json:"accountId,omitempty"`
	Symbol        string      `json:"symbol"`
	Quantity      float64     `json:"quantity"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"orderType"`
	CurrentQuote  Quote       `json:"currentQuote"`
	ExecutedPrice *float64    `json:"executedPrice,omitempty"`
	LimitPrice    *float64    `json:"limitPrice,omitempty"`
	StopPrice     *float64    `json:"stopPrice,omitempty"`
	StopLoss      *float64    `json:"sl,omitempty"`
	TakeProfit    *float64    `json:"tp,omitempty"`
	OpenTime      time.Time   `json:"opentime"`
	CloseTime     time.Time   `json:"closetime,omitempty"`
	Status        OrderStatus `json:"status"`
}

// Closed reports whether the order is closed.
func (o Order) Closed() bool {
	return o.Status == OrderStatusClosed
}

// Position is an open holding created by a filled order.
type Position struct {
	ID         string   `json:"positionId"`
	AccountID  string   `json:"accountId,omitempty"`
	OrderID    string   `json:"orderId,omitempty"`
	Symbol     string   `json:"symbol"`
	Quantity   float64  `json:"quantity"`
	Side       Side     `json:"side"`
	Price      float64  `json:"price"`
	Profit     float64  `json:"profit"`
	StopLoss   *float64 `json:"sl,omitempty"`
	TakeProfit *float64 `json:"tp,omitempty"`
}

// Closed reports whether the position has been closed. A PositionUpdate
// with zero quantity announces a closed position.
func (p Position) Closed() bool {
	return p.Quantity == 0
}

// Account is a brokerage account.
type Account struct {
	ID       string  `json:"accountId"`
	Name     string  `json:"name"`
	Balance  float64 `json:"balance"`
	Equity   float64 `json:"equity"`
	Currency string  `json:"currency"`
}

// EquityUpdate is the payload of an EquityUpdate event.
type EquityUpdate struct {
	AccountID string  `json:"accountId"`
	Equity    float64 `json:"equity"`
}

// ProfitLoss is the payload of a ProfitLossUpdate event.
type ProfitLoss struct {
	PositionID string  `json:"positionId"`
	PL         float64 `json:"pl"`
}

// Price returns a pointer to v, for the optional price fields.
func Price(v float64) *float64 {
	return &v
}
