package engine

import (
	"context"
	"errors"
	"fmt"

	"trader/internal/domain"
	"trader/internal/trade"
)

// ErrRiskLimit is returned for orders refused by the RiskManager.
var ErrRiskLimit = errors.New("risk limit exceeded")

var _ trade.RiskChecker = (*RiskManager)(nil)

// RiskManager enforces pre-trade limits on top of the account's own funds
// and position checks. Closing orders are only subject to the volume limit.
type RiskManager struct {
	maxOrderVolume    int64
	maxMarginRatio    float64
	maxDailyLossRatio float64
}

// NewRiskManager creates a RiskManager with the specified thresholds. A zero
// threshold disables its rule.
//
//   - maxOrderVolume: largest volume of a single order.
//   - maxMarginRatio: largest fraction of balance that margin in use,
//     frozen margin included, may reach after an opening order (e.g. 0.6).
//   - maxDailyLossRatio: fraction of the day's opening balance that may be
//     lost before openings are refused (e.g. 0.02 for 2%).
func NewRiskManager(maxOrderVolume int64, maxMarginRatio, maxDailyLossRatio float64) *RiskManager {
	return &RiskManager{
		maxOrderVolume:    maxOrderVolume,
		maxMarginRatio:    maxMarginRatio,
		maxDailyLossRatio: maxDailyLossRatio,
	}
}

// CheckOrder evaluates whether the proposed order complies with the
// configured limits given the account's funds. The order's frozen margin is
// already computed but not yet deducted from money.
func (rm *RiskManager) CheckOrder(_ context.Context, o *domain.Order, money domain.AccountMoney) error {
	if rm.maxOrderVolume > 0 && o.Volume > rm.maxOrderVolume {
		return fmt.Errorf("order volume %d above %d: %w", o.Volume, rm.maxOrderVolume, ErrRiskLimit)
	}
	if o.Offset.IsClose() {
		return nil
	}
	if rm.maxMarginRatio > 0 && money.Balance > 0 {
		used := money.CurrMargin + money.FrozenMargin + o.FrozenMargin
		if limit := money.Balance.MulRatio(rm.maxMarginRatio); used > limit {
			return fmt.Errorf("margin %s above %s: %w", used, limit, ErrRiskLimit)
		}
	}
	if rm.maxDailyLossRatio > 0 {
		pnl := money.CloseProfit + money.PositionProfit - money.Commission
		opening := money.Balance - pnl
		if limit := opening.MulRatio(rm.maxDailyLossRatio); pnl < 0 && -pnl >= limit {
			return fmt.Errorf("daily loss %s reached limit %s: %w", -pnl, limit, ErrRiskLimit)
		}
	}
	return nil
}
