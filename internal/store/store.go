// Package store defines storage interfaces for persisting and retrieving
// domain objects: cached bar history, and the order and position journal of
// the simulated broker.
package store

import (
	"context"
	"time"

	"tradeterm/internal/domain"
)

// BarStore persists and retrieves OHLCV bar data per bar interval.
type BarStore interface {
	// WriteBars persists a batch of bars of the given interval ("1m", "1h").
	WriteBars(ctx context.Context, interval string, bars []domain.Bar) error

	// ReadBars returns bars for symbol and interval within [start, end],
	// oldest first.
	ReadBars(ctx context.Context, symbol, interval string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols cached for interval.
	ListSymbols(ctx context.Context, interval string) ([]string, error)
}

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// SaveOrder inserts an order or replaces the stored copy.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID. It returns an errs.CodeNotFound
	// error when no such order exists.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrders returns every order of the account, oldest first.
	ListOrders(ctx context.Context, accountID string) ([]domain.Order, error)
}

// PositionStore persists and retrieves position records.
type PositionStore interface {
	// SavePosition inserts a position or replaces the stored copy.
	SavePosition(ctx context.Context, pos *domain.Position) error

	// ListPositions returns the open positions of the account.
	ListPositions(ctx context.Context, accountID string) ([]domain.Position, error)

	// DeletePosition removes a closed position.
	DeletePosition(ctx context.Context, id string) error
}

// Journal is the combined order and position store used by the simulator.
type Journal interface {
	OrderStore
	PositionStore
}
