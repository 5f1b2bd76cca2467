package tradeterm

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"tradeterm/internal/domain"
)

// Event kinds carried by the stream.
const (
	OrderUpdate      = "OrderUpdate"
	PositionUpdate   = "PositionUpdate"
	AccountUpdate    = "AccountUpdate"
	EquityUpdate     = "EquityUpdate"
	ProfitLossUpdate = "ProfitLossUpdate"
)

// Event is one pushed broker event. Payload holds the JSON of the Order,
// Position, Account, EquityUpdate or ProfitLoss named by Kind.
type Event struct {
	Kind    string          `json:"kind"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Order decodes an OrderUpdate payload.
func (e Event) Order() (Order, error) {
	var o Order
	err := e.decodeKind(OrderUpdate, &o)
	return o, err
}

// Position decodes a PositionUpdate payload.
func (e Event) Position() (Position, error) {
	var p Position
	err := e.decodeKind(PositionUpdate, &p)
	return p, err
}

// Equity decodes an EquityUpdate payload.
func (e Event) Equity() (domain.EquityUpdate, error) {
	var u domain.EquityUpdate
	err := e.decodeKind(EquityUpdate, &u)
	return u, err
}

func (e Event) decodeKind(kind string, v any) error {
	if e.Kind != kind {
		return fmt.Errorf("tradeterm: event is %s, not %s", e.Kind, kind)
	}
	return e.Decode(v)
}

// EventStream reads events from the bridge. It is not safe for concurrent
// use.
type EventStream struct {
	conn *websocket.Conn
}

// Events opens the event stream, optionally limited to the given kinds.
func (c *Client) Events(ctx context.Context, kinds ...string) (*EventStream, error) {
	u, err := url.Parse(c.baseURL + "/api/events")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if len(kinds) > 0 {
		u.RawQuery = url.Values{"kinds": {strings.Join(kinds, ",")}}.Encode()
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			return nil, &Error{Status: resp.StatusCode, Message: err.Error()}
		}
		return nil, fmt.Errorf("dialing event stream: %w", err)
	}
	return &EventStream{conn: conn}, nil
}

// Next blocks for the next event.
func (s *EventStream) Next(ctx context.Context) (Event, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	return ev, nil
}

// Close ends the stream.
func (s *EventStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
