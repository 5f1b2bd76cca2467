package domain

import (
	"testing"
	"time"
)

func TestTypesExist(t *testing.T) {
	// Verify Bar can be instantiated with zero values.
	bar := Bar{}
	if bar.Symbol != "" {
		t.Error("expected empty Symbol for zero-value Bar")
	}
	if !bar.Timestamp.IsZero() {
		t.Error("expected zero Timestamp for zero-value Bar")
	}
	if bar.Open != 0 || bar.High != 0 || bar.Low != 0 || bar.Close != 0 {
		t.Error("expected zero OHLC values for zero-value Bar")
	}

	order := Order{}
	if order.ID != "" || order.Status != "" {
		t.Error("expected empty ID/Status for zero-value Order")
	}
	if order.ExecutedPrice != nil || order.StopPrice != nil {
		t.Error("expected nil prices for zero-value Order")
	}
	if order.Closed() {
		t.Error("zero-value Order should not report Closed")
	}
}

func TestOrderClosed(t *testing.T) {
	for _, tc := range []struct {
		status OrderStatus
		want   bool
	}{
		{OrderStatusActive, false},
		{OrderStatusFilled, false},
		{OrderStatusClosed, true},
	} {
		o := Order{ID: "1", Status: tc.status}
		if got := o.Closed(); got != tc.want {
			t.Errorf("Order{Status: %q}.Closed() = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestSideOpposite(t *testing.T) {
	if got := SideBuy.Opposite(); got != SideSell {
		t.Errorf("SideBuy.Opposite() = %q, want %q", got, SideSell)
	}
	if got := SideSell.Opposite(); got != SideBuy {
		t.Errorf("SideSell.Opposite() = %q, want %q", got, SideBuy)
	}
}

func TestQuoteSpread(t *testing.T) {
	q := Quote{Bid: 100.25, Ask: 100.75}
	if got := q.Spread(); got != 0.5 {
		t.Errorf("Spread() = %v, want 0.5", got)
	}
}

func TestDefaultResolution(t *testing.T) {
	if DefaultResolution.String() != "1D/1m" {
		t.Errorf("DefaultResolution = %q, want %q", DefaultResolution.String(), "1D/1m")
	}
	if len(Resolutions) != 5 {
		t.Errorf("len(Resolutions) = %d, want 5", len(Resolutions))
	}
}

func TestParseResolution(t *testing.T) {
	r, err := ParseResolution("3m/1H")
	if err != nil {
		t.Fatalf("ParseResolution returned error: %v", err)
	}
	if r.Range != "3M" || r.Interval != "1h" {
		t.Errorf("ParseResolution = %+v, want 3M/1h", r)
	}
	if r.Span() != 90*24*time.Hour {
		t.Errorf("Span() = %v, want 90 days", r.Span())
	}
	if r.Step() != time.Hour {
		t.Errorf("Step() = %v, want 1h", r.Step())
	}

	if _, err := ParseResolution("1Y/1d"); err == nil {
		t.Error("ParseResolution(1Y/1d) should fail for a non-preset")
	}
	if _, err := ParseResolution("garbage"); err == nil {
		t.Error("ParseResolution(garbage) should fail without a separator")
	}
}

func TestPrice(t *testing.T) {
	p := Price(12.5)
	if p == nil || *p != 12.5 {
		t.Fatalf("Price(12.5) = %v, want pointer to 12.5", p)
	}
	q := Price(12.5)
	if p == q {
		t.Error("Price should return distinct pointers")
	}
}

func TestPositionClosed(t *testing.T) {
	if !(Position{ID: "p"}).Closed() {
		t.Error("zero-quantity position should be closed")
	}
	if (Position{ID: "p", Quantity: 3}).Closed() {
		t.Error("position with quantity should be open")
	}
}
