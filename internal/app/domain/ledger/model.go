package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currency identifies one of the platform's independent balances.
type Currency string

const (
	CurrencyUNI Currency = "UNI"
	CurrencyTON Currency = "TON"
)

// Currencies lists every supported currency.
var Currencies = []Currency{CurrencyUNI, CurrencyTON}

// Valid reports whether the currency is one the platform supports.
func (c Currency) Valid() bool {
	return c == CurrencyUNI || c == CurrencyTON
}

// EntryType classifies a ledger entry and fixes its balance direction. The
// taxonomy is deliberately explicit so a purchase can never masquerade as
// income downstream.
type EntryType string

const (
	TypeDeposit        EntryType = "deposit"
	TypeBoostPurchase  EntryType = "boost_purchase"
	TypeFarmingReward  EntryType = "farming_reward"
	TypeReferralReward EntryType = "referral_reward"
	TypeWithdrawal     EntryType = "withdrawal"
	TypeAdjustment     EntryType = "adjustment"
	TypeDailyBonus     EntryType = "daily_bonus"
)

// Sign returns the balance direction for the type: +1 credits the account,
// -1 debits it. Adjustments carry their direction in the amount itself.
func (t EntryType) Sign() int {
	switch t {
	case TypeBoostPurchase, TypeWithdrawal:
		return -1
	case TypeDeposit, TypeFarmingReward, TypeReferralReward, TypeDailyBonus:
		return 1
	default:
		return 1
	}
}

// Valid reports whether the type is part of the taxonomy.
func (t EntryType) Valid() bool {
	switch t {
	case TypeDeposit, TypeBoostPurchase, TypeFarmingReward, TypeReferralReward,
		TypeWithdrawal, TypeAdjustment, TypeDailyBonus:
		return true
	}
	return false
}

// Status is the lifecycle state of an entry. Completed entries are immutable.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Entry is an immutable, typed record of value movement and the system's
// source of truth. Amount is always non-negative except for adjustments,
// where it may be signed.
type Entry struct {
	ID                  string
	AccountID           string
	Type                EntryType
	Currency            Currency
	Amount              decimal.Decimal
	Status              Status
	ExternalFingerprint string
	Metadata            map[string]string
	FailureReason       string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Delta is the signed effect of the entry on the account's balance.
func (e Entry) Delta() decimal.Decimal {
	if e.Type.Sign() < 0 {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Balance is the denormalized per-account, per-currency projection over
// completed ledger entries. It exists purely as a read optimization and is
// only ever updated in the same storage transaction as the entry that
// justifies the change.
type Balance struct {
	AccountID string
	Currency  Currency
	Amount    decimal.Decimal
	UpdatedAt time.Time
}

// Filter narrows an entry listing. Zero values mean "any".
type Filter struct {
	Currency Currency
	Type     EntryType
	Limit    int
	Offset   int
}
