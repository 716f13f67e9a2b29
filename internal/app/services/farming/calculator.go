package farming

import (
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/tonfarm/farming_layer/internal/app/domain/farming"
)

// RatePeriod is the time unit position rates are denominated in: a rate of
// 0.01 yields 1% of the deposit per 24h.
const RatePeriod = 24 * time.Hour

// AmountPlaces is the number of fractional digits kept on credited amounts,
// the currency's smallest representable unit.
const AmountPlaces = 9

// ComputeYield returns the yield a position earned between its last accrual
// and now. Pure decimal arithmetic; binary floating point never touches
// amounts that feed the ledger. Elapsed time is clamped at zero and, for
// expired positions, at the period end so a boost never earns past its term.
func ComputeYield(pos domain.Position, now time.Time) decimal.Decimal {
	if !pos.DepositAmount.IsPositive() || !pos.Rate.IsPositive() {
		return decimal.Zero
	}

	until := now
	if !pos.PeriodEnd.IsZero() && until.After(pos.PeriodEnd) {
		until = pos.PeriodEnd
	}
	elapsed := until.Sub(pos.LastAccrualAt)
	if elapsed <= 0 {
		return decimal.Zero
	}

	elapsedNs := decimal.NewFromInt(elapsed.Nanoseconds())
	periodNs := decimal.NewFromInt(RatePeriod.Nanoseconds())
	return pos.DepositAmount.Mul(pos.Rate).Mul(elapsedNs).DivRound(periodNs, AmountPlaces)
}
