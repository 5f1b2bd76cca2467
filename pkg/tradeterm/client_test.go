package tradeterm

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradeterm/internal/api"
	"tradeterm/internal/broker"
	"tradeterm/internal/domain"
	"tradeterm/internal/feed"
	"tradeterm/internal/hub"
)

var testNow = time.Date(2024, 6, 3, 15, 30, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Client, *hub.Hub, *broker.SimulatorBroker) {
	t.Helper()
	h := hub.New(nil)
	now := func() time.Time { return testNow }
	b := broker.NewSimulatorBroker(broker.SimulatorOptions{
		Accounts:  []domain.Account{{ID: "sim-1", Name: "One", Balance: 10000, Currency: "USD"}},
		Publisher: h,
		Now:       now,
	})
	s := api.NewServer(api.Options{
		Feed:   feed.NewSimulator(feed.SimulatorOptions{Symbols: []string{"AAPL"}, Now: now}),
		Broker: b,
		Hub:    h,
		Now:    now,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL + "/"), h, b
}

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080/")
	require.Equal(t, "http://localhost:8080", c.baseURL)
	require.NotNil(t, c.httpClient)
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _, b := newTestServer(t)

	symbols, err := c.Symbols(ctx)
	require.NoError(t, err)
	require.Equal(t, "AAPL", symbols[0].Symbol)

	acct, err := c.CurrentAccount(ctx)
	require.NoError(t, err)
	require.Equal(t, "sim-1", acct.ID)

	accounts, err := c.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	b.MarkQuote(domain.Quote{Symbol: "AAPL", Bid: 100, Ask: 100.1})
	require.NoError(t, c.PlaceOrder(ctx, "sim-1", PlaceOrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 2}))

	orders, err := c.Orders(ctx, "sim-1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, domain.OrderStatusFilled, orders[0].Status)

	positions, err := c.Positions(ctx, "sim-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, 2.0, positions[0].Quantity)

	require.NoError(t, c.CancelOrder(ctx, "sim-1", orders[0].ID))
	positions, err = c.Positions(ctx, "sim-1")
	require.NoError(t, err)
	require.Empty(t, positions)

	bars, err := c.Bars(ctx, "AAPL", "1D/1m", "")
	require.NoError(t, err)
	require.Len(t, bars, 1440)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestServer(t)

	_, err := c.Orders(ctx, "missing")
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 404, apiErr.Status)
	require.Equal(t, "not_found", apiErr.Code)

	err = c.PlaceOrder(ctx, "sim-1", PlaceOrderRequest{Symbol: "AAPL", Side: domain.SideBuy})
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 400, apiErr.Status)
	require.Equal(t, "quantity must be positive", apiErr.Message)

	_, err = c.Events(ctx, "Nope")
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 400, apiErr.Status)
}

func TestEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, h, _ := newTestServer(t)

	stream, err := c.Events(ctx, OrderUpdate, EquityUpdate)
	require.NoError(t, err)
	defer stream.Close()
	require.Eventually(t, func() bool { return h.Count(hub.EquityUpdate) == 1 }, 2*time.Second, 10*time.Millisecond)

	h.Publish(hub.PositionUpdate, domain.Position{ID: "p"})
	h.Publish(hub.EquityUpdate, domain.EquityUpdate{AccountID: "sim-1", Equity: 10250})
	h.Publish(hub.OrderUpdate, domain.Order{ID: "o-9", Symbol: "MSFT", Side: domain.SideSell})

	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, EquityUpdate, ev.Kind)
	eq, err := ev.Equity()
	require.NoError(t, err)
	require.Equal(t, 10250.0, eq.Equity)
	_, err = ev.Order()
	require.Error(t, err)

	ev, err = stream.Next(ctx)
	require.NoError(t, err)
	o, err := ev.Order()
	require.NoError(t, err)
	require.Equal(t, "o-9", o.ID)
	require.Equal(t, domain.SideSell, o.Side)
}
