package terminal

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"tradeterm/internal/errs"
)

// WatchlistClient is the part of the Alpaca trading client that manages
// watchlists.
type WatchlistClient interface {
	GetWatchlists() ([]alpaca.Watchlist, error)
	GetWatchlist(watchlistID string) (*alpaca.Watchlist, error)
	CreateWatchlist(req alpaca.CreateWatchlistRequest) (*alpaca.Watchlist, error)
	AddSymbolToWatchlist(watchlistID string, req alpaca.AddSymbolToWatchlistRequest) (*alpaca.Watchlist, error)
	RemoveSymbolFromWatchlist(watchlistID string, req alpaca.RemoveSymbolFromWatchlistRequest) error
}

var _ WatchlistClient = (*alpaca.Client)(nil)

// Watchlist mirrors one named Alpaca watchlist. Toggles apply locally first
// and are reverted if the remote call fails.
type Watchlist struct {
	client WatchlistClient
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	id      string
	symbols map[string]bool
}

// NewWatchlist creates a Watchlist for the list called name.
func NewWatchlist(client WatchlistClient, name string, logger *slog.Logger) *Watchlist {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchlist{
		client:  client,
		name:    name,
		logger:  logger.With("component", "watchlist", "watchlist", name),
		symbols: make(map[string]bool),
	}
}

// Load finds the watchlist by name, creating it when missing, and reads its
// symbols.
func (w *Watchlist) Load() error {
	lists, err := w.client.GetWatchlists()
	if err != nil {
		return errs.New("watchlist.load", errs.CodeTransient, errs.WithCause(err))
	}
	for _, l := range lists {
		if l.Name != w.name {
			continue
		}
		// GetWatchlists doesn't include assets; fetch the full watchlist.
		full, err := w.client.GetWatchlist(l.ID)
		if err != nil {
			return errs.New("watchlist.load", errs.CodeTransient, errs.WithCause(err))
		}
		syms := make(map[string]bool, len(full.Assets))
		for _, a := range full.Assets {
			syms[a.Symbol] = true
		}
		w.mu.Lock()
		w.id, w.symbols = l.ID, syms
		w.mu.Unlock()
		w.logger.Info("watchlist loaded", "id", l.ID, "symbols", len(syms))
		return nil
	}

	created, err := w.client.CreateWatchlist(alpaca.CreateWatchlistRequest{Name: w.name})
	if err != nil {
		return errs.New("watchlist.create", errs.CodeTransient, errs.WithCause(err))
	}
	w.mu.Lock()
	w.id, w.symbols = created.ID, make(map[string]bool)
	w.mu.Unlock()
	w.logger.Info("watchlist created", "id", created.ID)
	return nil
}

// Contains reports whether symbol is on the list.
func (w *Watchlist) Contains(symbol string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.symbols[strings.ToUpper(symbol)]
}

// Symbols returns the listed symbols in order.
func (w *Watchlist) Symbols() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.symbols))
	for s := range w.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Toggle flips symbol locally and returns whether it is now listed together
// with the remote call that makes it stick. commit reverts the local flip
// when the call fails.
func (w *Watchlist) Toggle(symbol string) (added bool, commit func() error) {
	symbol = strings.ToUpper(symbol)
	w.mu.Lock()
	id := w.id
	added = !w.symbols[symbol]
	if added {
		w.symbols[symbol] = true
	} else {
		delete(w.symbols, symbol)
	}
	w.mu.Unlock()

	return added, func() error {
		if id == "" {
			w.revert(symbol, added)
			return errs.New("watchlist.toggle", errs.CodeUnavailable, errs.WithMessage("watchlist not loaded"))
		}
		var err error
		if added {
			_, err = w.client.AddSymbolToWatchlist(id, alpaca.AddSymbolToWatchlistRequest{Symbol: symbol})
		} else {
			err = w.client.RemoveSymbolFromWatchlist(id, alpaca.RemoveSymbolFromWatchlistRequest{Symbol: symbol})
		}
		if err != nil {
			w.logger.Warn("watchlist toggle failed", "symbol", symbol, "error", err)
			w.revert(symbol, added)
			return errs.New("watchlist.toggle", errs.CodeTransient, errs.WithCause(err), errs.WithField("symbol", symbol))
		}
		w.logger.Info("watchlist toggled", "symbol", symbol, "added", added)
		return nil
	}
}

func (w *Watchlist) revert(symbol string, added bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if added {
		delete(w.symbols, symbol)
	} else {
		w.symbols[symbol] = true
	}
}
