// Package hub implements the in-process event hub that carries broker and
// account push events to the views that registered for them. Registrations
// are keyed by subscriber so each view can drop exactly its own callbacks
// without disturbing anyone else.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Kind names an event channel.
type Kind string

const (
	OrderUpdate      Kind = "OrderUpdate"
	PositionUpdate   Kind = "PositionUpdate"
	AccountUpdate    Kind = "AccountUpdate"
	EquityUpdate     Kind = "EquityUpdate"
	ProfitLossUpdate Kind = "ProfitLossUpdate"
)

// Kinds lists every event kind.
var Kinds = []Kind{OrderUpdate, PositionUpdate, AccountUpdate, EquityUpdate, ProfitLossUpdate}

// ParseKind returns the Kind with the given name.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// SubscriberID identifies one registration owner, typically a mounted view.
type SubscriberID string

// NewSubscriberID returns a process-unique subscriber token.
func NewSubscriberID() SubscriberID {
	return SubscriberID(uuid.NewString())
}

// Handler receives one event payload. A returned error is logged and
// counted; it never reaches the publisher.
type Handler func(payload any) error

type registration struct {
	fn     Handler
	active atomic.Bool
}

type target struct {
	subscriber SubscriberID
	reg        *registration
}

// Hub is a publish/subscribe registry of subscriber -> kind -> callbacks.
type Hub struct {
	mu    sync.Mutex
	subs  map[SubscriberID]map[Kind][]*registration
	order []SubscriberID // first-subscribe order, drives delivery order

	logger *slog.Logger

	publishedCounter     metric.Int64Counter
	deliveryErrorCounter metric.Int64Counter
	callbackGauge        metric.Int64UpDownCounter
}

// New creates an empty Hub. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		subs:   make(map[SubscriberID]map[Kind][]*registration),
		logger: logger.With("component", "hub"),
	}

	meter := otel.Meter("tradeterm/hub")
	h.publishedCounter, _ = meter.Int64Counter("hub.events.published",
		metric.WithDescription("Number of events published to the hub"),
		metric.WithUnit("{event}"))
	h.deliveryErrorCounter, _ = meter.Int64Counter("hub.delivery.errors",
		metric.WithDescription("Number of callbacks that failed or panicked"),
		metric.WithUnit("{error}"))
	h.callbackGauge, _ = meter.Int64UpDownCounter("hub.subscribers",
		metric.WithDescription("Number of registered callbacks"),
		metric.WithUnit("{callback}"))
	return h
}

// Subscribe appends fn to the callbacks of (id, kind). Subscribing twice
// keeps both callbacks.
func (h *Hub) Subscribe(id SubscriberID, kind Kind, fn Handler) {
	if fn == nil {
		return
	}
	reg := &registration{fn: fn}
	reg.active.Store(true)

	h.mu.Lock()
	kinds, ok := h.subs[id]
	if !ok {
		kinds = make(map[Kind][]*registration)
		h.subs[id] = kinds
		h.order = append(h.order, id)
	}
	kinds[kind] = append(kinds[kind], reg)
	h.mu.Unlock()

	h.callbackGauge.Add(context.Background(), 1, kindAttr(kind))
}

// Release clears every callback of (id, kind). Releasing an unknown pair is
// a no-op. Callbacks are deactivated before Release returns, so a publish
// that is already iterating skips them.
func (h *Hub) Release(id SubscriberID, kind Kind) {
	h.mu.Lock()
	n := h.releaseLocked(id, kind)
	h.mu.Unlock()

	if n > 0 {
		h.callbackGauge.Add(context.Background(), -int64(n), kindAttr(kind))
	}
}

// ReleaseAll clears every kind registered by id and forgets the subscriber.
func (h *Hub) ReleaseAll(id SubscriberID) {
	released := make(map[Kind]int)

	h.mu.Lock()
	for kind := range h.subs[id] {
		released[kind] = h.releaseLocked(id, kind)
	}
	delete(h.subs, id)
	for i, sid := range h.order {
		if sid == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	h.mu.Unlock()

	for kind, n := range released {
		if n > 0 {
			h.callbackGauge.Add(context.Background(), -int64(n), kindAttr(kind))
		}
	}
}

func (h *Hub) releaseLocked(id SubscriberID, kind Kind) int {
	kinds, ok := h.subs[id]
	if !ok {
		return 0
	}
	regs := kinds[kind]
	for _, r := range regs {
		r.active.Store(false)
	}
	delete(kinds, kind)
	return len(regs)
}

// Publish delivers payload synchronously to every callback registered for
// kind, subscriber by subscriber in first-subscribe order and, within a
// subscriber, in registration order. Callbacks may subscribe or release
// during delivery; the callback list is snapshotted first, so late
// registrations do not see the in-flight event.
func (h *Hub) Publish(kind Kind, payload any) {
	h.mu.Lock()
	var targets []target
	for _, id := range h.order {
		for _, reg := range h.subs[id][kind] {
			targets = append(targets, target{subscriber: id, reg: reg})
		}
	}
	h.mu.Unlock()

	ctx := context.Background()
	h.publishedCounter.Add(ctx, 1, kindAttr(kind))

	for _, t := range targets {
		if !t.reg.active.Load() {
			continue
		}
		if err := invoke(t.reg.fn, payload); err != nil {
			h.deliveryErrorCounter.Add(ctx, 1, kindAttr(kind))
			h.logger.Warn("event delivery failed",
				"kind", kind, "subscriber", t.subscriber, "error", err)
		}
	}
}

func invoke(fn Handler, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(payload)
}

// Count returns the number of live callbacks registered for kind.
func (h *Hub) Count(kind Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, kinds := range h.subs {
		n += len(kinds[kind])
	}
	return n
}

// On subscribes a typed handler. Payloads of another type are reported as
// delivery errors.
func On[T any](h *Hub, id SubscriberID, kind Kind, fn func(T)) {
	h.Subscribe(id, kind, func(payload any) error {
		v, ok := payload.(T)
		if !ok {
			var zero T
			return fmt.Errorf("payload %T does not match %T", payload, zero)
		}
		fn(v)
		return nil
	})
}

func kindAttr(kind Kind) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("kind", string(kind)))
}
