// Package overlay keeps a chart's order price lines in step with the broker's
// order list: one line per order that is not closed, keyed by order id.
package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"tradeterm/internal/domain"
)

// Line is one price line drawn for an order.
type Line struct {
	OrderID string
	Price   float64
	Title   string
}

// Canvas draws price lines.
type Canvas interface {
	CreateLine(line Line) error
	UpdateLine(line Line) error
	RemoveLine(orderID string) error
}

// LineFor returns the line that represents o.
func LineFor(o domain.Order) Line {
	return Line{OrderID: o.ID, Price: linePrice(o), Title: lineTitle(o)}
}

func linePrice(o domain.Order) float64 {
	for _, p := range []*float64{o.ExecutedPrice, o.StopPrice, o.LimitPrice} {
		if p != nil {
			return *p
		}
	}
	return 0
}

func lineTitle(o domain.Order) string {
	return fmt.Sprintf("%s %s %s", o.ID, o.Side, strconv.FormatFloat(o.Quantity, 'f', -1, 64))
}

// Reconciler owns the line set of one chart.
type Reconciler struct {
	mu     sync.Mutex
	canvas Canvas
	lines  map[string]Line
	epoch  uint64
	logger *slog.Logger

	lineGauge metric.Int64UpDownCounter
}

// NewReconciler creates a Reconciler with an empty line set.
func NewReconciler(canvas Canvas, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		canvas: canvas,
		lines:  make(map[string]Line),
		logger: logger.With("component", "overlay"),
	}
	r.lineGauge, _ = otel.Meter("tradeterm/overlay").Int64UpDownCounter("overlay.lines",
		metric.WithDescription("Number of order lines on charts"),
		metric.WithUnit("{line}"))
	return r
}

// ApplySnapshot creates a line for every order in the snapshot that is not
// closed and not yet drawn.
func (r *Reconciler) ApplySnapshot(orders []domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applySnapshotLocked(orders)
}

// ApplySnapshotIn is ApplySnapshot for a snapshot fetched during epoch. It
// reports false, drawing nothing, when Clear has started a newer epoch.
func (r *Reconciler) ApplySnapshotIn(epoch uint64, orders []domain.Order) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch != r.epoch {
		return false
	}
	r.applySnapshotLocked(orders)
	return true
}

func (r *Reconciler) applySnapshotLocked(orders []domain.Order) {
	for _, o := range orders {
		if o.Closed() {
			continue
		}
		if _, ok := r.lines[o.ID]; ok {
			continue
		}
		r.createLocked(LineFor(o))
	}
}

// Apply reconciles a single order update. Closing an order that has no line
// is a no-op. An existing line is refreshed only when its price or title
// changed, so replaying an update changes nothing.
func (r *Reconciler) Apply(o domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyLocked(o)
}

// ApplyIn is Apply for an update received during epoch. It reports false,
// changing nothing, when Clear has started a newer epoch.
func (r *Reconciler) ApplyIn(epoch uint64, o domain.Order) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch != r.epoch {
		return false
	}
	r.applyLocked(o)
	return true
}

func (r *Reconciler) applyLocked(o domain.Order) {
	existing, ok := r.lines[o.ID]
	if o.Closed() {
		if ok {
			r.removeLocked(o.ID)
		}
		return
	}

	want := LineFor(o)
	if !ok {
		r.createLocked(want)
		return
	}
	if existing == want {
		return
	}
	if err := r.canvas.UpdateLine(want); err != nil {
		r.logger.Warn("updating order line failed", "order", o.ID, "error", err)
		return
	}
	r.lines[o.ID] = want
}

// Clear removes every line regardless of order status and starts a new
// epoch, which it returns. Updates and snapshots applied through ApplyIn and
// ApplySnapshotIn for an earlier epoch are dropped from then on.
func (r *Reconciler) Clear() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.lines {
		r.removeLocked(id)
	}
	r.epoch++
	return r.epoch
}

// Lines returns the drawn lines ordered by order id.
func (r *Reconciler) Lines() []Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Line, 0, len(r.lines))
	for _, l := range r.lines {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// Len returns the number of drawn lines.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

// createLocked leaves the order untracked on failure so the next update
// retries it.
func (r *Reconciler) createLocked(l Line) {
	if err := r.canvas.CreateLine(l); err != nil {
		r.logger.Warn("creating order line failed", "order", l.OrderID, "error", err)
		return
	}
	r.lines[l.OrderID] = l
	r.lineGauge.Add(context.Background(), 1)
}

func (r *Reconciler) removeLocked(orderID string) {
	if err := r.canvas.RemoveLine(orderID); err != nil {
		r.logger.Warn("removing order line failed", "order", orderID, "error", err)
	}
	delete(r.lines, orderID)
	r.lineGauge.Add(context.Background(), -1)
}
