package farming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/tonfarm/farming_layer/internal/app/domain/farming"
	ledgerdom "github.com/tonfarm/farming_layer/internal/app/domain/ledger"
	ledgersvc "github.com/tonfarm/farming_layer/internal/app/services/ledger"
	"github.com/tonfarm/farming_layer/internal/app/storage"
	"github.com/tonfarm/farming_layer/pkg/logger"
)

// Distributor propagates a committed reward up the inviter chain. The
// referral service implements it; the indirection keeps this package from
// depending on the referral walk.
type Distributor interface {
	Distribute(ctx context.Context, source ledgerdom.Entry) []ledgerdom.Entry
}

// Service errors.
var (
	ErrUnknownPackage   = errors.New("farming: unknown package")
	ErrAmountOutOfRange = errors.New("farming: amount outside package range")
	ErrNoRateConfigured = errors.New("farming: no rate configured for currency")
)

// Config carries the economic tables the service runs on.
type Config struct {
	// BaseRates is the per-RatePeriod yield rate applied to plain deposits,
	// keyed by currency.
	BaseRates map[ledgerdom.Currency]decimal.Decimal
	// Packages is the purchasable boost catalog keyed by package id.
	Packages map[string]domain.Package
	// MinCredit is the dust threshold below which a computed yield is not
	// written. Zero (the default) means every non-zero yield is credited.
	MinCredit decimal.Decimal
}

// Service manages farming positions: deposit growth, boost purchases with
// their accumulation policies, and the accrual write path the scheduler
// drives. Position read-modify-write cycles are serialized per
// (account, currency), so concurrent deposit notifications, purchases and
// scheduler ticks never lose growth to a stale overwrite.
type Service struct {
	store  storage.FarmingStore
	writer *ledgersvc.Writer
	cfg    Config
	log    *logger.Logger

	mu          sync.Mutex
	distributor Distributor
	posLocks    map[string]*sync.Mutex
}

// New constructs a farming service.
func New(store storage.FarmingStore, writer *ledgersvc.Writer, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("farming")
	}
	return &Service{store: store, writer: writer, cfg: cfg, log: log, posLocks: make(map[string]*sync.Mutex)}
}

// lockPosition serializes mutations of one (account, currency) position.
// The returned func releases the lock.
func (s *Service) lockPosition(accountID string, currency ledgerdom.Currency) func() {
	key := accountID + "/" + string(currency)
	s.mu.Lock()
	l, ok := s.posLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.posLocks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// WithDistributor attaches the referral fan-out invoked after each accrual.
func (s *Service) WithDistributor(d Distributor) {
	s.mu.Lock()
	s.distributor = d
	s.mu.Unlock()
}

// GetPosition returns the position for the pair.
func (s *Service) GetPosition(ctx context.Context, accountID string, currency ledgerdom.Currency) (domain.Position, error) {
	return s.store.GetPosition(ctx, accountID, currency)
}

// ListPositions returns the account's positions across all currencies.
func (s *Service) ListPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	var result []domain.Position
	for _, currency := range ledgerdom.Currencies {
		pos, err := s.store.GetPosition(ctx, accountID, currency)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, pos)
	}
	return result, nil
}

// RecordDeposit grows (or creates) the account's position after an admitted
// deposit. Accrued yield is settled before the deposit amount changes so the
// larger principal never earns retroactively.
func (s *Service) RecordDeposit(ctx context.Context, accountID string, currency ledgerdom.Currency, amount decimal.Decimal, now time.Time) (domain.Position, error) {
	if !amount.IsPositive() {
		return domain.Position{}, ledgersvc.ErrInvalidAmount
	}
	unlock := s.lockPosition(accountID, currency)
	defer unlock()

	pos, err := s.store.GetPosition(ctx, accountID, currency)
	if errors.Is(err, storage.ErrNotFound) {
		rate, ok := s.cfg.BaseRates[currency]
		if !ok {
			return domain.Position{}, ErrNoRateConfigured
		}
		return s.store.CreatePosition(ctx, domain.Position{
			AccountID:     accountID,
			Currency:      currency,
			DepositAmount: amount,
			Rate:          rate,
			Active:        true,
			PeriodStart:   now,
			LastAccrualAt: now,
		})
	}
	if err != nil {
		return domain.Position{}, err
	}

	if pos, err = s.settle(ctx, pos, now); err != nil {
		return domain.Position{}, err
	}
	pos.DepositAmount = pos.DepositAmount.Add(amount)
	pos.Active = true
	return s.store.UpdatePosition(ctx, pos)
}

// Purchase debits the package price from the account's spendable balance and
// applies the package's accumulation policy to the position. The debit is a
// BoostPurchase entry; it can never be mistaken for income downstream because
// the type taxonomy fixes its direction. idempotencyKey, when supplied by the
// caller, dedups retried purchases.
func (s *Service) Purchase(ctx context.Context, accountID, packageID string, amount decimal.Decimal, idempotencyKey string, now time.Time) (domain.Position, ledgerdom.Entry, error) {
	pkg, ok := s.cfg.Packages[packageID]
	if !ok {
		return domain.Position{}, ledgerdom.Entry{}, ErrUnknownPackage
	}
	if !amount.IsPositive() {
		return domain.Position{}, ledgerdom.Entry{}, ledgersvc.ErrInvalidAmount
	}
	if amount.LessThan(pkg.MinAmount) || (pkg.MaxAmount.IsPositive() && amount.GreaterThan(pkg.MaxAmount)) {
		return domain.Position{}, ledgerdom.Entry{}, ErrAmountOutOfRange
	}

	entry := ledgerdom.Entry{
		AccountID: accountID,
		Type:      ledgerdom.TypeBoostPurchase,
		Currency:  pkg.Currency,
		Amount:    amount,
		Metadata:  map[string]string{"package_id": pkg.ID},
	}
	if idempotencyKey != "" {
		entry.ExternalFingerprint = "purchase:" + idempotencyKey
	}
	debit, _, err := s.writer.AppendDebit(ctx, entry)
	if err != nil {
		if errors.Is(err, ledgersvc.ErrDuplicate) {
			pos, posErr := s.store.GetPosition(ctx, accountID, pkg.Currency)
			if posErr != nil {
				return domain.Position{}, debit, err
			}
			return pos, debit, ledgersvc.ErrDuplicate
		}
		return domain.Position{}, ledgerdom.Entry{}, err
	}

	pos, err := s.applyPurchase(ctx, accountID, pkg, amount, now)
	if err != nil {
		// The debit is committed; refund it rather than leave value lost.
		refund := ledgerdom.Entry{
			AccountID: accountID,
			Type:      ledgerdom.TypeAdjustment,
			Currency:  pkg.Currency,
			Amount:    amount,
			Metadata:  map[string]string{"refund_of": debit.ID, "reason": "package activation failed"},
		}
		if _, _, refundErr := s.writer.Append(ctx, refund); refundErr != nil {
			s.log.WithError(refundErr).
				WithField("entry_id", debit.ID).
				Error("purchase refund failed; manual adjustment required")
		}
		return domain.Position{}, ledgerdom.Entry{}, err
	}

	s.log.WithField("account_id", accountID).
		WithField("package_id", pkg.ID).
		WithField("amount", amount.String()).
		Info("boost package activated")
	return pos, debit, nil
}

func (s *Service) applyPurchase(ctx context.Context, accountID string, pkg domain.Package, amount decimal.Decimal, now time.Time) (domain.Position, error) {
	unlock := s.lockPosition(accountID, pkg.Currency)
	defer unlock()

	pos, err := s.store.GetPosition(ctx, accountID, pkg.Currency)
	if errors.Is(err, storage.ErrNotFound) {
		return s.store.CreatePosition(ctx, domain.Position{
			AccountID:     accountID,
			Currency:      pkg.Currency,
			DepositAmount: amount,
			Rate:          pkg.Rate,
			PackageID:     pkg.ID,
			Active:        true,
			PeriodStart:   now,
			PeriodEnd:     periodEnd(pkg, now),
			LastAccrualAt: now,
		})
	}
	if err != nil {
		return domain.Position{}, err
	}

	if pos, err = s.settle(ctx, pos, now); err != nil {
		return domain.Position{}, err
	}

	switch pkg.Policy {
	case domain.PolicyAdditive:
		pos.DepositAmount = pos.DepositAmount.Add(amount)
		if !pos.Rate.IsPositive() {
			pos.Rate = pkg.Rate
		}
	default: // PolicyReplacing
		// Prior purchase value folds into the deposit; only the newest
		// package stays economically active.
		pos.DepositAmount = pos.DepositAmount.Add(amount)
		pos.Rate = pkg.Rate
		pos.PackageID = pkg.ID
		pos.PeriodStart = now
		pos.PeriodEnd = periodEnd(pkg, now)
	}
	pos.Active = true
	pos.LastAccrualAt = now
	return s.store.UpdatePosition(ctx, pos)
}

func periodEnd(pkg domain.Package, now time.Time) time.Time {
	if pkg.Duration <= 0 {
		return time.Time{}
	}
	return now.Add(pkg.Duration)
}

// Accrue computes the position's yield up to now, writes it through the
// ledger writer, advances the accrual checkpoint and triggers referral
// fan-out. Expired positions receive a final clamped accrual and are
// deactivated. The fingerprint is derived from the checkpoint, so a cycle
// that wrote its entry but failed to advance the checkpoint is repaired on
// retry instead of double-credited. The position is re-read under the
// per-position lock, so a stale snapshot from the caller can never overwrite
// growth committed in between.
func (s *Service) Accrue(ctx context.Context, pos domain.Position, now time.Time) (ledgerdom.Entry, domain.Position, error) {
	unlock := s.lockPosition(pos.AccountID, pos.Currency)
	defer unlock()
	fresh, err := s.store.GetPosition(ctx, pos.AccountID, pos.Currency)
	if err != nil {
		return ledgerdom.Entry{}, pos, err
	}
	return s.accrue(ctx, fresh, now)
}

func (s *Service) accrue(ctx context.Context, pos domain.Position, now time.Time) (ledgerdom.Entry, domain.Position, error) {
	expired := pos.Expired(now)
	yield := ComputeYield(pos, now)

	var credited ledgerdom.Entry
	if yield.IsPositive() && yield.GreaterThanOrEqual(s.minCredit()) {
		entry := ledgerdom.Entry{
			AccountID:           pos.AccountID,
			Type:                ledgerdom.TypeFarmingReward,
			Currency:            pos.Currency,
			Amount:              yield,
			ExternalFingerprint: fmt.Sprintf("accrual:%s:%d", pos.ID, pos.LastAccrualAt.UnixNano()),
			Metadata:            map[string]string{"position_id": pos.ID, "package_id": pos.PackageID},
		}
		var err error
		credited, _, err = s.writer.Append(ctx, entry)
		if errors.Is(err, ledgersvc.ErrDuplicate) {
			// A prior cycle committed this accrual but lost the checkpoint
			// update; fall through and repair the checkpoint.
			s.log.WithField("position_id", pos.ID).
				Warn("accrual entry already committed; repairing checkpoint")
		} else if err != nil {
			return ledgerdom.Entry{}, pos, err
		}
	}

	checkpoint := now
	if expired && pos.PeriodEnd.After(pos.LastAccrualAt) {
		checkpoint = pos.PeriodEnd
	}
	if checkpoint.After(pos.LastAccrualAt) || expired {
		pos.LastAccrualAt = checkpoint
		if expired {
			pos.Active = false
			s.log.WithField("position_id", pos.ID).
				WithField("account_id", pos.AccountID).
				Info("boost package expired")
		}
		var err error
		if pos, err = s.store.UpdatePosition(ctx, pos); err != nil {
			return credited, pos, err
		}
	}

	if credited.ID != "" {
		s.mu.Lock()
		distributor := s.distributor
		s.mu.Unlock()
		if distributor != nil {
			distributor.Distribute(ctx, credited)
		}
	}
	return credited, pos, nil
}

// settle credits any yield accrued up to now so rate or principal changes
// never apply retroactively. Fan-out still runs for the settled amount.
// Callers hold the position lock.
func (s *Service) settle(ctx context.Context, pos domain.Position, now time.Time) (domain.Position, error) {
	if !pos.Active || !pos.DepositAmount.IsPositive() {
		pos.LastAccrualAt = now
		return pos, nil
	}
	_, pos, err := s.accrue(ctx, pos, now)
	if err != nil {
		return pos, err
	}
	if pos.LastAccrualAt.Before(now) {
		pos.LastAccrualAt = now
	}
	return pos, nil
}

func (s *Service) minCredit() decimal.Decimal {
	return s.cfg.MinCredit
}

// ListActive returns the accrual-eligible positions for a currency.
func (s *Service) ListActive(ctx context.Context, currency ledgerdom.Currency) ([]domain.Position, error) {
	return s.store.ListActivePositions(ctx, currency)
}
