// Package feed defines the market-data feed consumed by the chart and
// provides adapters for Alpaca, Finnhub, an in-memory simulator and a
// parquet-backed history cache.
package feed

import (
	"context"

	"github.com/google/uuid"

	"tradeterm/internal/domain"
)

// Handle identifies one open stream. It is required to close the stream.
type Handle string

// NewHandle returns a fresh stream handle.
func NewHandle() Handle {
	return Handle(uuid.NewString())
}

// BarRequest selects a bar series.
type BarRequest struct {
	Symbol     string
	Resolution domain.Resolution
	Series     domain.SeriesKind
}

// Feed is a market-data service.
type Feed interface {
	// Name returns the provider identifier (e.g. "alpaca", "finnhub").
	Name() string

	// GetBars returns the history for req, oldest first.
	GetBars(ctx context.Context, req BarRequest) ([]domain.Bar, error)

	// SubscribeBars opens a live bar stream. fn may be called from any
	// goroutine until the stream is closed.
	SubscribeBars(ctx context.Context, req BarRequest, fn func(domain.Bar)) (Handle, error)

	// UnsubscribeBars closes a bar stream.
	UnsubscribeBars(ctx context.Context, h Handle) error

	// SubscribeQuote opens a live quote stream for symbol.
	SubscribeQuote(ctx context.Context, symbol string, fn func(domain.Quote)) (Handle, error)

	// UnsubscribeQuote closes a quote stream.
	UnsubscribeQuote(ctx context.Context, h Handle) error

	// GetSymbols lists the tradable symbols.
	GetSymbols(ctx context.Context) ([]domain.SymbolInfo, error)
}
