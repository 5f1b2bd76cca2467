package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"tradeterm/internal/broker"
	"tradeterm/internal/domain"
	"tradeterm/internal/errs"
	"tradeterm/internal/feed"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.feed.GetSymbols(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if symbols == nil {
		symbols = []domain.SymbolInfo{}
	}
	writeJSON(w, http.StatusOK, SymbolsResponse{Symbols: symbols})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.broker.GetAccounts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	writeJSON(w, http.StatusOK, AccountsResponse{Accounts: accounts})
}

func (s *Server) handleCurrentAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.broker.GetCurrentAccount(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	orders, err := s.broker.GetOrders(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, OrdersResponse{AccountID: id, Orders: orders})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	positions, err := s.broker.GetPositions(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, PositionsResponse{AccountID: id, Positions: positions})
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, errs.New("api.place_order", errs.CodeInvalid,
			errs.WithMessage("invalid request payload"), errs.WithCause(err)))
		return
	}
	o, err := s.orderFromRequest(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.broker.PlaceOrder(r.Context(), r.PathValue("id"), o); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, PlaceOrderResponse{Status: "accepted"})
}

func (s *Server) orderFromRequest(req PlaceOrderRequest) (domain.Order, error) {
	typ := req.OrderType
	if typ == "" {
		typ = domain.OrderTypeMarket
		if req.Price != nil {
			typ = domain.OrderTypeLimit
		}
	}
	switch typ {
	case domain.OrderTypeMarket, domain.OrderTypeLimit, domain.OrderTypeStop:
	default:
		return domain.Order{}, errs.New("api.place_order", errs.CodeInvalid,
			errs.WithMessage("unknown order type"), errs.WithField("orderType", string(typ)))
	}

	ticket := broker.Ticket{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Pending:  typ != domain.OrderTypeMarket,
		Price:    req.Price,
	}
	if err := ticket.Validate(); err != nil {
		return domain.Order{}, err
	}

	o := domain.Order{
		Symbol:     strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:       req.Side,
		Quantity:   req.Quantity,
		Type:       typ,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenTime:   s.now().UTC(),
		Status:     domain.OrderStatusActive,
	}
	switch typ {
	case domain.OrderTypeLimit:
		o.LimitPrice = domain.Price(*req.Price)
	case domain.OrderTypeStop:
		o.StopPrice = domain.Price(*req.Price)
	}
	return o, nil
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.CancelOrder(r.Context(), r.PathValue("id"), r.PathValue("orderId")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := domain.DefaultResolution
	if v := q.Get("resolution"); v != "" {
		parsed, err := domain.ParseResolution(v)
		if err != nil {
			s.writeError(w, errs.New("api.get_bars", errs.CodeInvalid, errs.WithMessage(err.Error())))
			return
		}
		res = parsed
	}
	series := domain.SeriesCandles
	if v := q.Get("series"); v != "" {
		series = domain.SeriesKind(v)
		if series != domain.SeriesCandles && series != domain.SeriesLine {
			s.writeError(w, errs.New("api.get_bars", errs.CodeInvalid,
				errs.WithMessage("series must be candles or line"), errs.WithField("series", v)))
			return
		}
	}

	symbol := strings.ToUpper(r.PathValue("symbol"))
	bars, err := s.feed.GetBars(r.Context(), feed.BarRequest{Symbol: symbol, Resolution: res, Series: series})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if bars == nil {
		bars = []domain.Bar{}
	}
	writeJSON(w, http.StatusOK, BarsResponse{
		Symbol:     symbol,
		Resolution: res.String(),
		Series:     string(series),
		Bars:       bars,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

// writeError maps the error code carried by err to an HTTP status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", "status", status, "error", err)
	}
	msg := err.Error()
	var e *errs.E
	if errors.As(err, &e) && e.Message != "" {
		msg = e.Message
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func statusFor(err error) (int, string) {
	var e *errs.E
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, ""
	}
	switch e.Code {
	case errs.CodeInvalid:
		return http.StatusBadRequest, string(e.Code)
	case errs.CodeNotFound:
		return http.StatusNotFound, string(e.Code)
	case errs.CodeUnsupported:
		return http.StatusNotImplemented, string(e.Code)
	case errs.CodeTransient, errs.CodeUnavailable, errs.CodeClosed:
		return http.StatusServiceUnavailable, string(e.Code)
	}
	return http.StatusInternalServerError, string(e.Code)
}
