package broker

import (
	"strings"
	"time"

	"tradeterm/internal/domain"
	"tradeterm/internal/errs"
)

// Ticket is the content of an order-entry dialog. A market ticket executes
// at the quote; a pending ticket carries a trigger price and optional stop
// loss and take profit.
type Ticket struct {
	Symbol     string
	Side       domain.Side
	Quantity   float64
	Quote      domain.Quote
	Pending    bool
	Price      *float64
	StopLoss   *float64
	TakeProfit *float64
}

// Classify picks the pending order type for a trigger price. A price above
// the bid makes a buy a stop and a sell a limit; otherwise a buy is a limit
// and a sell a stop.
func Classify(side domain.Side, price, bid float64) domain.OrderType {
	if price > bid {
		if side == domain.SideBuy {
			return domain.OrderTypeStop
		}
		return domain.OrderTypeLimit
	}
	if side == domain.SideBuy {
		return domain.OrderTypeLimit
	}
	return domain.OrderTypeStop
}

// Validate rejects tickets the broker would refuse anyway.
func (t Ticket) Validate() error {
	const op = "ticket.validate"
	if strings.TrimSpace(t.Symbol) == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("symbol is required"))
	}
	if t.Side != domain.SideBuy && t.Side != domain.SideSell {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("side must be buy or sell"),
			errs.WithField("side", string(t.Side)))
	}
	if t.Quantity <= 0 {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	if t.Pending && (t.Price == nil || *t.Price <= 0) {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("pending order needs a price"))
	}
	return nil
}

// Order builds the order the ticket describes, opened at now.
func (t Ticket) Order(now time.Time) (domain.Order, error) {
	if err := t.Validate(); err != nil {
		return domain.Order{}, err
	}
	o := domain.Order{
		Symbol:       strings.ToUpper(t.Symbol),
		Side:         t.Side,
		Quantity:     t.Quantity,
		Type:         domain.OrderTypeMarket,
		CurrentQuote: t.Quote,
		OpenTime:     now,
		Status:       domain.OrderStatusActive,
	}
	if !t.Pending {
		return o, nil
	}

	o.StopLoss = t.StopLoss
	o.TakeProfit = t.TakeProfit
	o.Type = Classify(t.Side, *t.Price, t.Quote.Bid)
	if o.Type == domain.OrderTypeStop {
		o.StopPrice = domain.Price(*t.Price)
	} else {
		o.LimitPrice = domain.Price(*t.Price)
	}
	return o, nil
}
