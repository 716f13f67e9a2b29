package farming

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tonfarm/farming_layer/internal/app/domain/ledger"
)

// AccumulationPolicy decides what a new deposit or package purchase does to an
// existing position for the same currency.
type AccumulationPolicy string

const (
	// PolicyAdditive grows the position's deposit; one position serves any
	// number of deposits.
	PolicyAdditive AccumulationPolicy = "additive"
	// PolicyReplacing swaps the package, rate and period; the prior deposit
	// value is folded into the new position rather than dropped.
	PolicyReplacing AccumulationPolicy = "replacing"
)

// Valid reports whether the policy is known.
func (p AccumulationPolicy) Valid() bool {
	return p == PolicyAdditive || p == PolicyReplacing
}

// Position is the per-account, per-currency farming state the scheduler
// accrues against. Rate is a fraction of the deposit yielded per RatePeriod.
type Position struct {
	ID            string
	AccountID     string
	Currency      ledger.Currency
	DepositAmount decimal.Decimal
	Rate          decimal.Decimal
	PackageID     string
	Active        bool
	PeriodStart   time.Time
	PeriodEnd     time.Time // zero means open-ended
	LastAccrualAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Expired reports whether the position's boost period has lapsed at now.
// Open-ended positions never expire.
func (p Position) Expired(now time.Time) bool {
	return !p.PeriodEnd.IsZero() && !now.Before(p.PeriodEnd)
}

// Package is a purchasable, time-bounded boost configuration.
type Package struct {
	ID        string
	Name      string
	Currency  ledger.Currency
	Rate      decimal.Decimal
	Duration  time.Duration
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	Policy    AccumulationPolicy
}
