package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tradeterm/internal/domain"
	"tradeterm/internal/errs"
)

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	ts := time.Date(2024, 6, 15, 13, 30, 0, 0, time.UTC)
	bp := ps.barPath("aapl", "5m", ts)

	want := filepath.Join("/data", "bars", "5m", "AAPL", "2024-06.parquet")
	if bp != want {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", bp, want)
	}
}

func minuteBar(symbol string, ts time.Time, close float64) domain.Bar {
	return domain.Bar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      close - 0.5,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Volume:    1000,
	}
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	// Spans a month boundary so two files are written.
	t0 := time.Date(2024, 1, 31, 23, 58, 0, 0, time.UTC)
	bars := []domain.Bar{
		minuteBar("AAPL", t0, 185),
		minuteBar("AAPL", t0.Add(time.Minute), 186),
		minuteBar("AAPL", t0.Add(2*time.Minute), 187),
	}
	if err := ps.WriteBars(ctx, "1m", bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	got, err := ps.ReadBars(ctx, "AAPL", "1m", t0, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ReadBars returned %d bars, want 3", len(got))
	}
	for i, b := range got {
		if !b.Timestamp.Equal(bars[i].Timestamp) {
			t.Errorf("bar %d Timestamp = %v, want %v", i, b.Timestamp, bars[i].Timestamp)
		}
		if b.Close != bars[i].Close {
			t.Errorf("bar %d Close = %v, want %v", i, b.Close, bars[i].Close)
		}
	}

	// Narrow range.
	got, err = ps.ReadBars(ctx, "AAPL", "1m", t0.Add(time.Minute), t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 1 || got[0].Close != 186 {
		t.Errorf("narrow ReadBars = %+v, want the 186 bar", got)
	}

	// Other interval is empty.
	got, err = ps.ReadBars(ctx, "AAPL", "5m", t0, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("5m ReadBars returned %d bars, want 0", len(got))
	}
}

func TestParquetStoreMergeReplaces(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()
	ts := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

	if err := ps.WriteBars(ctx, "1h", []domain.Bar{minuteBar("MSFT", ts, 400)}); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	if err := ps.WriteBars(ctx, "1h", []domain.Bar{minuteBar("MSFT", ts, 401), minuteBar("MSFT", ts.Add(time.Hour), 402)}); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	got, err := ps.ReadBars(ctx, "MSFT", "1h", ts, ts.Add(time.Hour))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars, want 2", len(got))
	}
	if got[0].Close != 401 {
		t.Errorf("first Close = %v, want the rewritten 401", got[0].Close)
	}

	syms, err := ps.ListSymbols(ctx, "1h")
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if len(syms) != 1 || syms[0] != "MSFT" {
		t.Errorf("ListSymbols = %v, want [MSFT]", syms)
	}
}

func TestListSymbolsMissingDir(t *testing.T) {
	syms, err := NewParquetStore(t.TempDir()).ListSymbols(context.Background(), "1m")
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if syms != nil {
		t.Errorf("ListSymbols = %v, want nil", syms)
	}
}

func TestMergeBarRecords(t *testing.T) {
	existing := []BarRecord{
		{Symbol: "AAPL", Timestamp: 1000, Close: 100},
		{Symbol: "AAPL", Timestamp: 2000, Close: 200},
	}
	incoming := []BarRecord{
		{Symbol: "AAPL", Timestamp: 2000, Close: 201}, // duplicate, should replace
		{Symbol: "AAPL", Timestamp: 3000, Close: 300},
	}

	merged := mergeBarRecords(existing, incoming)
	if len(merged) != 3 {
		t.Fatalf("len(merged) = %d, want 3", len(merged))
	}
	for i := 1; i < len(merged); i++ {
		if merged[i].Timestamp <= merged[i-1].Timestamp {
			t.Errorf("merged not sorted at %d", i)
		}
	}
	if merged[1].Close != 201 {
		t.Errorf("merged[1].Close = %v, want 201", merged[1].Close)
	}
}

func openSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db", "tradeterm.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteOrders(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	open := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)

	o := &domain.Order{
		ID:         "o1",
		AccountID:  "acc",
		Symbol:     "AAPL",
		Quantity:   10,
		Side:       domain.SideBuy,
		Type:       domain.OrderTypeLimit,
		LimitPrice: domain.Price(180),
		StopLoss:   domain.Price(170),
		OpenTime:   open,
		Status:     domain.OrderStatusActive,
	}
	if err := s.SaveOrder(ctx, o); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}

	got, err := s.GetOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Symbol != "AAPL" || got.Side != domain.SideBuy || got.Type != domain.OrderTypeLimit {
		t.Errorf("GetOrder = %+v", got)
	}
	if got.LimitPrice == nil || *got.LimitPrice != 180 {
		t.Errorf("LimitPrice = %v, want 180", got.LimitPrice)
	}
	if got.TakeProfit != nil || got.ExecutedPrice != nil {
		t.Errorf("unset prices came back non-nil: tp=%v exec=%v", got.TakeProfit, got.ExecutedPrice)
	}
	if !got.OpenTime.Equal(open) {
		t.Errorf("OpenTime = %v, want %v", got.OpenTime, open)
	}
	if !got.CloseTime.IsZero() {
		t.Errorf("CloseTime = %v, want zero", got.CloseTime)
	}

	// Upsert.
	o.Status = domain.OrderStatusFilled
	o.ExecutedPrice = domain.Price(179.5)
	if err := s.SaveOrder(ctx, o); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	if err := s.SaveOrder(ctx, &domain.Order{ID: "o2", AccountID: "acc", Symbol: "MSFT", Quantity: 1,
		Side: domain.SideSell, Type: domain.OrderTypeMarket, OpenTime: open.Add(time.Minute), Status: domain.OrderStatusActive}); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	if err := s.SaveOrder(ctx, &domain.Order{ID: "x", AccountID: "other", Symbol: "TSLA", Quantity: 1,
		Side: domain.SideBuy, Type: domain.OrderTypeMarket, OpenTime: open, Status: domain.OrderStatusActive}); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}

	list, err := s.ListOrders(ctx, "acc")
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(list) != 2 || list[0].ID != "o1" || list[1].ID != "o2" {
		t.Fatalf("ListOrders = %+v, want [o1 o2]", list)
	}
	if list[0].Status != domain.OrderStatusFilled {
		t.Errorf("o1 Status = %q, want filled", list[0].Status)
	}
}

func TestSQLiteGetOrderNotFound(t *testing.T) {
	s := openSQLite(t)
	_, err := s.GetOrder(context.Background(), "missing")
	if !errs.IsCode(err, errs.CodeNotFound) {
		t.Errorf("GetOrder(missing) error = %v, want not_found", err)
	}
}

func TestSQLitePositions(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	p := &domain.Position{ID: "p1", AccountID: "acc", OrderID: "o1", Symbol: "AAPL",
		Quantity: 10, Side: domain.SideBuy, Price: 180, TakeProfit: domain.Price(200)}
	if err := s.SavePosition(ctx, p); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}
	p.Profit = 25
	if err := s.SavePosition(ctx, p); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	list, err := s.ListPositions(ctx, "acc")
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len(ListPositions) = %d, want 1", len(list))
	}
	if list[0].Profit != 25 || list[0].TakeProfit == nil || *list[0].TakeProfit != 200 || list[0].StopLoss != nil {
		t.Errorf("ListPositions[0] = %+v", list[0])
	}

	if err := s.DeletePosition(ctx, "p1"); err != nil {
		t.Fatalf("DeletePosition: %v", err)
	}
	list, err = s.ListPositions(ctx, "acc")
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("len(ListPositions) = %d after delete, want 0", len(list))
	}
}
