package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"tradeterm/internal/broker"
	"tradeterm/internal/config"
	"tradeterm/internal/domain"
	"tradeterm/internal/feed"
	"tradeterm/internal/hub"
	"tradeterm/internal/store"
)

// Services are the backends a terminal or the bridge server runs on, built
// from the configuration.
type Services struct {
	Hub       *hub.Hub
	Feed      feed.Feed
	Broker    broker.Broker
	Journal   *store.SQLiteStore // nil unless the simulator broker is used
	Watchlist *Watchlist         // nil without Alpaca credentials

	closers []func(context.Context) error
	logger  *slog.Logger
}

// OpenServices builds the hub, feed and broker selected by cfg. Background
// work (simulator ticks, trade-update streams) runs until ctx is done or
// Close is called.
func OpenServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Services{Hub: hub.New(logger), logger: logger}

	if err := s.openFeed(ctx, cfg); err != nil {
		s.Close(ctx)
		return nil, err
	}
	if err := s.openBroker(ctx, cfg); err != nil {
		s.Close(ctx)
		return nil, err
	}
	if cfg.Alpaca.APIKey != "" && cfg.Terminal.Watchlist != "" {
		client := alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.Alpaca.APIKey,
			APISecret: cfg.Alpaca.APISecret,
			BaseURL:   cfg.Alpaca.BaseURL,
		})
		s.Watchlist = NewWatchlist(client, cfg.Terminal.Watchlist, logger)
	}
	logger.Info("services ready", "feed", s.Feed.Name(), "broker", s.Broker.Name())
	return s, nil
}

func (s *Services) openFeed(ctx context.Context, cfg *config.Config) error {
	var f feed.Feed
	switch cfg.Feed.Provider {
	case "simulator":
		sim := feed.NewSimulator(feed.SimulatorOptions{
			Symbols:       cfg.Simulator.Symbols,
			StartingPrice: cfg.Simulator.StartingPrice,
			Tick:          cfg.Simulator.TickInterval,
			Logger:        s.logger,
		})
		sim.Start(ctx)
		s.closers = append(s.closers, func(context.Context) error { sim.Stop(); return nil })
		f = sim
	case "alpaca":
		f = feed.NewAlpaca(feed.AlpacaOptions{
			APIKey:    cfg.Alpaca.APIKey,
			APISecret: cfg.Alpaca.APISecret,
			BaseURL:   cfg.Alpaca.BaseURL,
			DataURL:   cfg.Alpaca.DataURL,
			StreamURL: cfg.Alpaca.StreamURL,
			DataFeed:  cfg.Alpaca.DataFeed,
			Logger:    s.logger,
		})
	case "finnhub":
		fh := feed.NewFinnhub(feed.FinnhubOptions{
			APIKey:          cfg.Finnhub.APIKey,
			Exchange:        cfg.Finnhub.Exchange,
			RateLimitPerMin: cfg.Finnhub.RateLimitPerMin,
			Logger:          s.logger,
		})
		s.closers = append(s.closers, func(context.Context) error { return fh.Close() })
		f = fh
	default:
		return fmt.Errorf("unknown feed provider %q", cfg.Feed.Provider)
	}

	if cfg.Feed.CacheBars {
		f = feed.NewCached(f, store.NewParquetStore(cfg.Storage.DataDir), s.logger)
	}
	s.Feed = f
	return nil
}

func (s *Services) openBroker(ctx context.Context, cfg *config.Config) error {
	var risk *broker.RiskManager
	if cfg.Broker.MaxPositionPct > 0 || cfg.Broker.MaxDailyLossPct > 0 {
		risk = broker.NewRiskManager(cfg.Broker.MaxPositionPct, cfg.Broker.MaxDailyLossPct)
	}

	switch cfg.Broker.Provider {
	case "simulator":
		journal, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening order journal: %w", err)
		}
		s.Journal = journal
		s.closers = append(s.closers, func(context.Context) error { return journal.Close() })

		accounts := make([]domain.Account, 0, len(cfg.Simulator.Accounts))
		for _, a := range cfg.Simulator.Accounts {
			accounts = append(accounts, domain.Account{ID: a.ID, Name: a.Name, Balance: a.Balance, Currency: a.Currency})
		}
		sb := broker.NewSimulatorBroker(broker.SimulatorOptions{
			Accounts:  accounts,
			Journal:   journal,
			Publisher: s.Hub,
			Risk:      risk,
			Logger:    s.logger,
		})
		if err := sb.Restore(ctx); err != nil {
			return fmt.Errorf("restoring simulator: %w", err)
		}
		s.Broker = sb

		// The simulator fills against the feed's quotes.
		for _, sym := range cfg.Simulator.Symbols {
			h, err := s.Feed.SubscribeQuote(ctx, sym, sb.MarkQuote)
			if err != nil {
				s.logger.Warn("quote stream for simulator broker failed", "symbol", sym, "error", err)
				continue
			}
			f := s.Feed
			s.closers = append(s.closers, func(ctx context.Context) error { return f.UnsubscribeQuote(ctx, h) })
		}
	case "alpaca":
		ab := broker.NewAlpacaBroker(broker.AlpacaOptions{
			APIKey:    cfg.Alpaca.APIKey,
			APISecret: cfg.Alpaca.APISecret,
			BaseURL:   cfg.Alpaca.BaseURL,
			Publisher: s.Hub,
			Risk:      risk,
			Logger:    s.logger,
		})
		streamCtx, cancel := context.WithCancel(ctx)
		ab.StreamTradeUpdates(streamCtx)
		s.closers = append(s.closers, func(context.Context) error { cancel(); return nil })
		s.Broker = ab
	default:
		return fmt.Errorf("unknown broker provider %q", cfg.Broker.Provider)
	}
	return nil
}

// Close stops background work and closes the stores, last opened first.
func (s *Services) Close(ctx context.Context) error {
	var errList []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errList = append(errList, err)
		}
	}
	s.closers = nil
	return errors.Join(errList...)
}
