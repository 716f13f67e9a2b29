package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/tonfarm/farming_layer/internal/app/domain/ledger"
	"github.com/tonfarm/farming_layer/internal/app/metrics"
	"github.com/tonfarm/farming_layer/internal/app/storage"
)

// AdmitDeposit credits an externally sourced deposit exactly once for a given
// fingerprint. The sequence is: check for a completed entry with the
// fingerprint, write a pending entry carrying it, then commit entry and
// balance together. The commit is the linearization point; where the backing
// store enforces fingerprint uniqueness the race window closes entirely, and
// the read-before-write narrows it everywhere else.
//
// A Duplicate outcome returns the originally committed entry together with
// ErrDuplicate so callers can treat the retry as the success it already was.
func (w *Writer) AdmitDeposit(ctx context.Context, accountID string, currency domain.Currency, amount decimal.Decimal, fingerprint string) (domain.Entry, domain.Balance, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return domain.Entry{}, domain.Balance{}, ErrInvalidFingerprint
	}
	if !amount.IsPositive() {
		return domain.Entry{}, domain.Balance{}, ErrInvalidAmount
	}

	if existing, err := w.store.FindCompletedByFingerprint(ctx, fingerprint); err == nil {
		metrics.RecordDedupRejection(string(currency))
		w.log.WithField("fingerprint", fingerprint).
			WithField("entry_id", existing.ID).
			Info("deposit already admitted")
		return existing, domain.Balance{}, ErrDuplicate
	} else if !errors.Is(err, storage.ErrNotFound) {
		return domain.Entry{}, domain.Balance{}, fmt.Errorf("fingerprint lookup: %w", err)
	}

	entry := domain.Entry{
		AccountID:           accountID,
		Type:                domain.TypeDeposit,
		Currency:            currency,
		Amount:              amount,
		ExternalFingerprint: fingerprint,
		Metadata:            map[string]string{"source": "external"},
	}
	committed, bal, err := w.Append(ctx, entry)
	if err != nil {
		return committed, bal, err
	}

	w.log.WithField("account_id", accountID).
		WithField("currency", currency).
		WithField("amount", amount.String()).
		WithField("entry_id", committed.ID).
		Info("external deposit admitted")
	return committed, bal, nil
}
