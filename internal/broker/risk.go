package broker

import (
	"strconv"

	"tradeterm/internal/domain"
	"tradeterm/internal/errs"
)

// RiskManager enforces pre-trade risk rules such as position sizing limits
// and maximum daily loss constraints. A zero limit disables its rule.
type RiskManager struct {
	maxPositionPct  float64
	maxDailyLossPct float64
}

// NewRiskManager creates a RiskManager with the specified risk thresholds.
//
//   - maxPositionPct: maximum fraction of equity allowed in a single order
//     (e.g. 0.10 for 10%).
//   - maxDailyLossPct: maximum fraction of the day's starting equity that may
//     be lost before new orders are refused (e.g. 0.02 for 2%).
func NewRiskManager(maxPositionPct, maxDailyLossPct float64) *RiskManager {
	return &RiskManager{
		maxPositionPct:  maxPositionPct,
		maxDailyLossPct: maxDailyLossPct,
	}
}

// CheckOrder evaluates whether the proposed order, executed near price,
// complies with the configured limits given the account's equity now and at
// the start of the trading day. A nil RiskManager allows everything.
func (rm *RiskManager) CheckOrder(o domain.Order, price float64, acct domain.Account, dayStartEquity float64) error {
	if rm == nil {
		return nil
	}
	const op = "risk.check_order"

	if rm.maxPositionPct > 0 && price > 0 {
		notional := o.Quantity * price
		limit := acct.Equity * rm.maxPositionPct
		if notional > limit {
			return errs.New(op, errs.CodeInvalid,
				errs.WithMessage("order exceeds position size limit"),
				errs.WithField("notional", strconv.FormatFloat(notional, 'f', 2, 64)),
				errs.WithField("limit", strconv.FormatFloat(limit, 'f', 2, 64)))
		}
	}

	if rm.maxDailyLossPct > 0 && dayStartEquity > 0 {
		loss := dayStartEquity - acct.Equity
		if loss > dayStartEquity*rm.maxDailyLossPct {
			return errs.New(op, errs.CodeInvalid,
				errs.WithMessage("daily loss limit reached"),
				errs.WithField("loss", strconv.FormatFloat(loss, 'f', 2, 64)))
		}
	}
	return nil
}
