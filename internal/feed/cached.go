package feed

import (
	"context"
	"log/slog"
	"time"

	"tradeterm/internal/domain"
	"tradeterm/internal/store"
)

// Compile-time interface check.
var _ Feed = (*Cached)(nil)

// Cached wraps a Feed and writes every fetched history through to a
// BarStore. When the upstream fetch fails, the cached bars for the same
// window are served instead. Streams pass straight through.
type Cached struct {
	Feed
	bars   store.BarStore
	now    func() time.Time
	logger *slog.Logger
}

// NewCached wraps f with the bar store s.
func NewCached(f Feed, s store.BarStore, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{
		Feed:   f,
		bars:   s,
		now:    time.Now,
		logger: logger.With("component", "feed", "feed", f.Name(), "cache", true),
	}
}

// GetBars fetches from upstream and caches the result, or falls back to the
// cache when upstream fails. The upstream error is returned only when the
// cache has nothing either.
func (c *Cached) GetBars(ctx context.Context, req BarRequest) ([]domain.Bar, error) {
	interval := req.Resolution.Interval
	bars, err := c.Feed.GetBars(ctx, req)
	if err == nil {
		if werr := c.bars.WriteBars(ctx, interval, bars); werr != nil {
			c.logger.Warn("caching bars failed", "symbol", req.Symbol, "interval", interval, "error", werr)
		}
		return bars, nil
	}

	end := c.now()
	cached, cerr := c.bars.ReadBars(ctx, req.Symbol, interval, end.Add(-req.Resolution.Span()), end)
	if cerr != nil || len(cached) == 0 {
		return nil, err
	}
	c.logger.Warn("serving cached bars", "symbol", req.Symbol, "interval", interval, "bars", len(cached), "error", err)
	return cached, nil
}
