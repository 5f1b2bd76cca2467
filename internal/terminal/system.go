package terminal

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"tradeterm/internal/broker"
	"tradeterm/internal/domain"
	"tradeterm/internal/feed"
	"tradeterm/internal/hub"
)

// SystemManager keeps the symbol list, the account list and the current
// account. Every AccountUpdate triggers a refresh of both account fetches.
type SystemManager struct {
	feed   feed.Feed
	broker broker.Broker
	hub    *hub.Hub
	id     hub.SubscriberID
	logger *slog.Logger

	mu       sync.Mutex
	symbols  []domain.SymbolInfo
	accounts []domain.Account
	current  domain.Account
	onChange func(domain.Account)
}

// NewSystemManager creates a SystemManager. onChange, if set, is called
// with the current account after every refresh.
func NewSystemManager(f feed.Feed, b broker.Broker, h *hub.Hub, onChange func(domain.Account), logger *slog.Logger) *SystemManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemManager{
		feed:     f,
		broker:   b,
		hub:      h,
		id:       hub.NewSubscriberID(),
		logger:   logger.With("component", "system"),
		onChange: onChange,
	}
}

// Start loads the symbol list and the accounts, then follows AccountUpdate.
func (s *SystemManager) Start(ctx context.Context) {
	p := pool.New()
	p.Go(func() { s.loadSymbols(ctx) })
	p.Go(func() { s.Refresh(ctx) })
	p.Wait()

	hub.On(s.hub, s.id, hub.AccountUpdate, func(domain.Account) {
		s.Refresh(context.WithoutCancel(ctx))
	})
}

// Stop releases the AccountUpdate registration.
func (s *SystemManager) Stop() {
	s.hub.ReleaseAll(s.id)
}

func (s *SystemManager) loadSymbols(ctx context.Context) {
	symbols, err := s.feed.GetSymbols(ctx)
	if err != nil {
		s.logger.Warn("loading symbols failed", "feed", s.feed.Name(), "error", err)
		symbols = nil
	}
	s.mu.Lock()
	s.symbols = symbols
	s.mu.Unlock()
	s.logger.Info("symbols loaded", "count", len(symbols))
}

// Refresh refetches the account list and the current account concurrently.
// A failed fetch leaves its value empty.
func (s *SystemManager) Refresh(ctx context.Context) {
	var (
		accounts []domain.Account
		current  domain.Account
	)
	p := pool.New()
	p.Go(func() {
		var err error
		if accounts, err = s.broker.GetAccounts(ctx); err != nil {
			s.logger.Warn("fetching accounts failed", "error", err)
			accounts = nil
		}
	})
	p.Go(func() {
		var err error
		if current, err = s.broker.GetCurrentAccount(ctx); err != nil {
			s.logger.Warn("fetching current account failed", "error", err)
			current = domain.Account{}
		}
	})
	p.Wait()

	s.mu.Lock()
	s.accounts = accounts
	s.current = current
	onChange := s.onChange
	s.mu.Unlock()

	if onChange != nil {
		onChange(current)
	}
}

// Symbols returns the loaded symbol list.
func (s *SystemManager) Symbols() []domain.SymbolInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SymbolInfo(nil), s.symbols...)
}

// Accounts returns the account list.
func (s *SystemManager) Accounts() []domain.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Account(nil), s.accounts...)
}

// CurrentAccount returns the current account; zero when unknown.
func (s *SystemManager) CurrentAccount() domain.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
