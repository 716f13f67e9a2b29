package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/tonfarm/farming_layer/internal/app/domain/ledger"
	"github.com/tonfarm/farming_layer/internal/app/metrics"
	"github.com/tonfarm/farming_layer/internal/app/storage"
	"github.com/tonfarm/farming_layer/pkg/logger"
)

// BalanceNotifier receives a notification after every committed balance
// change. Implementations must not block the writer.
type BalanceNotifier interface {
	BalanceChanged(bal domain.Balance, delta decimal.Decimal, source domain.EntryType)
}

// Writer is the single path through which ledger entries and balance updates
// enter the system. Every credit and debit, whatever its origin, goes through
// Append so the entry and the balance projection always move together.
type Writer struct {
	store storage.LedgerStore
	log   *logger.Logger

	mu       sync.Mutex
	notifier BalanceNotifier
}

// NewWriter constructs a ledger writer.
func NewWriter(store storage.LedgerStore, log *logger.Logger) *Writer {
	if log == nil {
		log = logger.NewDefault("ledger-writer")
	}
	return &Writer{store: store, log: log}
}

// WithNotifier attaches a balance-changed subscriber.
func (w *Writer) WithNotifier(n BalanceNotifier) {
	w.mu.Lock()
	w.notifier = n
	w.mu.Unlock()
}

// Append writes an entry and applies its signed delta to the balance
// projection as one unit: either both become visible or neither does. A
// fingerprint already claimed by a completed entry yields ErrDuplicate with
// the previously committed entry.
func (w *Writer) Append(ctx context.Context, entry domain.Entry) (domain.Entry, domain.Balance, error) {
	if err := validateEntry(entry); err != nil {
		return domain.Entry{}, domain.Balance{}, err
	}

	pending, err := w.store.AppendPending(ctx, entry)
	if err != nil {
		return domain.Entry{}, domain.Balance{}, fmt.Errorf("append pending entry: %w", err)
	}

	committed, bal, err := w.store.Commit(ctx, pending.ID)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateFingerprint) {
			w.failPending(ctx, pending.ID, "lost fingerprint race")
			metrics.RecordDedupRejection(string(entry.Currency))
			existing, lookupErr := w.store.FindCompletedByFingerprint(ctx, entry.ExternalFingerprint)
			if lookupErr != nil {
				return domain.Entry{}, domain.Balance{}, ErrDuplicate
			}
			return existing, domain.Balance{}, ErrDuplicate
		}
		w.failPending(ctx, pending.ID, err.Error())
		return domain.Entry{}, domain.Balance{}, fmt.Errorf("commit entry: %w", err)
	}

	metrics.RecordLedgerEntry(string(committed.Type), string(committed.Currency))

	w.mu.Lock()
	notifier := w.notifier
	w.mu.Unlock()
	if notifier != nil {
		notifier.BalanceChanged(bal, committed.Delta(), committed.Type)
	}
	return committed, bal, nil
}

// AppendDebit appends a debit-typed entry after verifying the spendable
// balance covers it. The balance read and the commit are not one transaction;
// the projection can only be driven negative by concurrent debits, which the
// verification pass surfaces.
func (w *Writer) AppendDebit(ctx context.Context, entry domain.Entry) (domain.Entry, domain.Balance, error) {
	if entry.Type.Sign() >= 0 {
		return domain.Entry{}, domain.Balance{}, fmt.Errorf("entry type %s is not a debit", entry.Type)
	}
	bal, err := w.store.GetBalance(ctx, entry.AccountID, entry.Currency)
	if err != nil {
		return domain.Entry{}, domain.Balance{}, fmt.Errorf("read balance: %w", err)
	}
	if bal.Amount.LessThan(entry.Amount) {
		return domain.Entry{}, domain.Balance{}, ErrInsufficientBalance
	}
	return w.Append(ctx, entry)
}

// FailStalePending marks pending entries older than the cutoff as failed.
// Their fingerprints stay reusable, so a retried operation re-credits safely.
func (w *Writer) FailStalePending(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := w.store.ListStalePending(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, entry := range stale {
		if _, err := w.store.MarkFailed(ctx, entry.ID, "pending entry timed out"); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue // completed or failed concurrently
			}
			w.log.WithError(err).
				WithField("entry_id", entry.ID).
				Warn("failed to sweep stale pending entry")
			continue
		}
		failed++
		w.log.WithField("entry_id", entry.ID).
			WithField("account_id", entry.AccountID).
			WithField("type", entry.Type).
			Warn("pending ledger entry timed out")
	}
	return failed, nil
}

func (w *Writer) failPending(ctx context.Context, entryID, reason string) {
	if _, err := w.store.MarkFailed(ctx, entryID, reason); err != nil && !errors.Is(err, storage.ErrConflict) {
		w.log.WithError(err).
			WithField("entry_id", entryID).
			Warn("failed to mark pending entry as failed")
	}
}

func validateEntry(entry domain.Entry) error {
	if entry.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if !entry.Type.Valid() {
		return fmt.Errorf("unknown entry type %q", entry.Type)
	}
	if !entry.Currency.Valid() {
		return fmt.Errorf("unknown currency %q", entry.Currency)
	}
	if entry.Type == domain.TypeAdjustment {
		if entry.Amount.IsZero() {
			return ErrInvalidAmount
		}
		return nil
	}
	if !entry.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}
