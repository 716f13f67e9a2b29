package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	ledgerdom "github.com/tonfarm/farming_layer/internal/app/domain/ledger"
	ledgersvc "github.com/tonfarm/farming_layer/internal/app/services/ledger"
	"github.com/tonfarm/farming_layer/internal/app/storage"
	"github.com/tonfarm/farming_layer/pkg/logger"
)

// ErrNotWithdrawal reports a settlement referencing an entry that is not a
// withdrawal debit.
var ErrNotWithdrawal = errors.New("withdrawal: entry is not a withdrawal")

// Service handles user withdrawals. The debit commits at request time so the
// funds leave the spendable balance immediately; a failed settlement refunds
// through a compensating adjustment instead of mutating the original entry.
type Service struct {
	store  storage.LedgerStore
	writer *ledgersvc.Writer
	log    *logger.Logger
}

// New constructs a withdrawal service.
func New(store storage.LedgerStore, writer *ledgersvc.Writer, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("withdrawal")
	}
	return &Service{store: store, writer: writer, log: log}
}

// Request debits the amount for an external transfer to the given address.
// idempotencyKey dedups retried requests.
func (s *Service) Request(ctx context.Context, accountID string, currency ledgerdom.Currency, amount decimal.Decimal, address, idempotencyKey string) (ledgerdom.Entry, ledgerdom.Balance, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return ledgerdom.Entry{}, ledgerdom.Balance{}, fmt.Errorf("destination address is required")
	}

	entry := ledgerdom.Entry{
		AccountID: accountID,
		Type:      ledgerdom.TypeWithdrawal,
		Currency:  currency,
		Amount:    amount,
		Metadata:  map[string]string{"address": address},
	}
	if idempotencyKey != "" {
		entry.ExternalFingerprint = "withdrawal:" + idempotencyKey
	}

	committed, bal, err := s.writer.AppendDebit(ctx, entry)
	if err != nil {
		return committed, bal, err
	}
	s.log.WithField("account_id", accountID).
		WithField("currency", currency).
		WithField("amount", amount.String()).
		WithField("entry_id", committed.ID).
		Info("withdrawal requested")
	return committed, bal, nil
}

// Settle records the outcome of the external transfer. Success needs no
// ledger change; failure refunds the debit with an adjustment referencing it.
func (s *Service) Settle(ctx context.Context, entryID string, success bool, reason string) (ledgerdom.Entry, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return ledgerdom.Entry{}, err
	}
	if entry.Type != ledgerdom.TypeWithdrawal {
		return ledgerdom.Entry{}, ErrNotWithdrawal
	}
	if entry.Status != ledgerdom.StatusCompleted {
		return ledgerdom.Entry{}, fmt.Errorf("withdrawal %s is %s, not settleable", entryID, entry.Status)
	}

	if success {
		s.log.WithField("entry_id", entryID).Info("withdrawal settled")
		return entry, nil
	}

	refund := ledgerdom.Entry{
		AccountID:           entry.AccountID,
		Type:                ledgerdom.TypeAdjustment,
		Currency:            entry.Currency,
		Amount:              entry.Amount,
		ExternalFingerprint: "refund:" + entry.ID,
		Metadata:            map[string]string{"refund_of": entry.ID, "reason": reason},
	}
	refunded, _, err := s.writer.Append(ctx, refund)
	if errors.Is(err, ledgersvc.ErrDuplicate) {
		// Settlement retried; the refund already happened.
		return refunded, nil
	}
	if err != nil {
		return ledgerdom.Entry{}, err
	}
	s.log.WithField("entry_id", entryID).
		WithField("refund_id", refunded.ID).
		WithField("reason", reason).
		Warn("withdrawal failed; amount refunded")
	return refunded, nil
}
