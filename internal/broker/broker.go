// Package broker defines the Broker interface and provides implementations
// for executing orders and managing accounts across different brokerages.
package broker

import (
	"context"

	"tradeterm/internal/domain"
	"tradeterm/internal/hub"
)

// Broker abstracts brokerage operations for order execution and account
// management.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// GetOrders returns every order of the account known to the brokerage.
	GetOrders(ctx context.Context, accountID string) ([]domain.Order, error)

	// GetPositions returns the open positions of the account.
	GetPositions(ctx context.Context, accountID string) ([]domain.Position, error)

	// PlaceOrder sends an order to the brokerage for execution.
	PlaceOrder(ctx context.Context, accountID string, order domain.Order) error

	// CancelOrder cancels an active order or closes the position of a
	// filled one.
	CancelOrder(ctx context.Context, accountID, orderID string) error

	// GetAccounts lists the accounts available to the user.
	GetAccounts(ctx context.Context) ([]domain.Account, error)

	// GetCurrentAccount returns the account selected for trading.
	GetCurrentAccount(ctx context.Context) (domain.Account, error)
}

// Publisher receives the push events a broker emits. *hub.Hub satisfies it.
type Publisher interface {
	Publish(kind hub.Kind, payload any)
}

var _ Publisher = (*hub.Hub)(nil)

type nopPublisher struct{}

func (nopPublisher) Publish(hub.Kind, any) {}

// event is a publish deferred until the broker's lock is released.
type event struct {
	kind    hub.Kind
	payload any
}

func publishAll(p Publisher, events []event) {
	for _, e := range events {
		p.Publish(e.kind, e.payload)
	}
}
