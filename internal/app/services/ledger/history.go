package ledger

import (
	"context"
	"fmt"

	domain "github.com/tonfarm/farming_layer/internal/app/domain/ledger"
)

const maxPageSize = 200

// ListEntries returns completed entries for an account, newest first. The
// page size is clamped so the history UI cannot ask for unbounded reads.
func (w *Writer) ListEntries(ctx context.Context, accountID string, f domain.Filter) ([]domain.Entry, error) {
	if accountID == "" {
		return nil, fmt.Errorf("account_id is required")
	}
	if f.Currency != "" && !f.Currency.Valid() {
		return nil, fmt.Errorf("unknown currency %q", f.Currency)
	}
	if f.Type != "" && !f.Type.Valid() {
		return nil, fmt.Errorf("unknown entry type %q", f.Type)
	}
	if f.Limit <= 0 || f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return w.store.ListEntries(ctx, accountID, f)
}

// GetBalance returns the projected balance for the pair.
func (w *Writer) GetBalance(ctx context.Context, accountID string, currency domain.Currency) (domain.Balance, error) {
	return w.store.GetBalance(ctx, accountID, currency)
}

// VerifyBalance recomputes the balance from completed entries and compares it
// to the projection. A mismatch is a correctness bug in the write path, not
// an expected state; it is reported so operators can replay the ledger.
func (w *Writer) VerifyBalance(ctx context.Context, accountID string, currency domain.Currency) (bool, domain.Balance, error) {
	bal, err := w.store.GetBalance(ctx, accountID, currency)
	if err != nil {
		return false, domain.Balance{}, err
	}
	sum, err := w.store.SumCompleted(ctx, accountID, currency)
	if err != nil {
		return false, domain.Balance{}, err
	}
	if !bal.Amount.Equal(sum) {
		w.log.WithField("account_id", accountID).
			WithField("currency", currency).
			WithField("cache", bal.Amount.String()).
			WithField("ledger", sum.String()).
			Error("balance cache diverged from ledger")
		return false, bal, nil
	}
	return true, bal, nil
}
