package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tonfarm/farming_layer/internal/app/domain/account"
	"github.com/tonfarm/farming_layer/internal/app/domain/farming"
	"github.com/tonfarm/farming_layer/internal/app/domain/ledger"
)

// Sentinel errors shared by every store implementation so services can branch
// on outcome without knowing the backend.
var (
	// ErrNotFound signals the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateFingerprint signals a completed entry with the same external
	// fingerprint already exists. It is the store-level face of the dedup
	// invariant.
	ErrDuplicateFingerprint = errors.New("storage: duplicate fingerprint")
	// ErrConflict signals a concurrent modification was detected.
	ErrConflict = errors.New("storage: conflict")
)

// AccountStore persists platform accounts.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	GetAccount(ctx context.Context, id string) (account.Account, error)
	GetAccountByOwner(ctx context.Context, owner string) (account.Account, error)
	ListAccounts(ctx context.Context) ([]account.Account, error)
}

// LedgerStore persists ledger entries and the balance projection derived from
// them. The entry lifecycle is pending -> completed | failed; only Commit may
// touch the balance projection, and it must do so in the same storage
// transaction that flips the entry to completed.
type LedgerStore interface {
	// AppendPending inserts a new entry in pending state. No balance change.
	AppendPending(ctx context.Context, entry ledger.Entry) (ledger.Entry, error)
	// Commit flips a pending entry to completed and applies its signed delta
	// to the balance projection atomically. Returns ErrDuplicateFingerprint
	// when another completed entry already carries the same fingerprint, and
	// ErrConflict when the entry is no longer pending.
	Commit(ctx context.Context, entryID string) (ledger.Entry, ledger.Balance, error)
	// MarkFailed flips a pending entry to failed with a reason. No balance
	// change. Failed entries keep their fingerprint available for retry.
	MarkFailed(ctx context.Context, entryID, reason string) (ledger.Entry, error)

	GetEntry(ctx context.Context, id string) (ledger.Entry, error)
	// FindCompletedByFingerprint returns the completed entry carrying the
	// fingerprint, or ErrNotFound.
	FindCompletedByFingerprint(ctx context.Context, fingerprint string) (ledger.Entry, error)
	// ListEntries returns completed entries for an account, newest first.
	ListEntries(ctx context.Context, accountID string, f ledger.Filter) ([]ledger.Entry, error)
	// ListStalePending returns pending entries created before the cutoff.
	ListStalePending(ctx context.Context, cutoff time.Time) ([]ledger.Entry, error)

	// GetBalance returns the projected balance, a zero balance when no entry
	// ever credited the pair.
	GetBalance(ctx context.Context, accountID string, currency ledger.Currency) (ledger.Balance, error)
	// SumCompleted recomputes the balance from completed entries. It exists
	// for consistency verification against the projection.
	SumCompleted(ctx context.Context, accountID string, currency ledger.Currency) (decimal.Decimal, error)
}

// FarmingStore persists farming positions.
type FarmingStore interface {
	CreatePosition(ctx context.Context, pos farming.Position) (farming.Position, error)
	UpdatePosition(ctx context.Context, pos farming.Position) (farming.Position, error)
	// GetPosition returns the position for the pair or ErrNotFound.
	GetPosition(ctx context.Context, accountID string, currency ledger.Currency) (farming.Position, error)
	// ListActivePositions returns active positions with a positive deposit
	// for the currency.
	ListActivePositions(ctx context.Context, currency ledger.Currency) ([]farming.Position, error)
}
