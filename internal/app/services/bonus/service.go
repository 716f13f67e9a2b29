package bonus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	ledgerdom "github.com/tonfarm/farming_layer/internal/app/domain/ledger"
	"github.com/tonfarm/farming_layer/internal/app/services/farming"
	ledgersvc "github.com/tonfarm/farming_layer/internal/app/services/ledger"
	"github.com/tonfarm/farming_layer/pkg/logger"
)

// ErrAlreadyClaimed reports the bonus for the current UTC day was claimed.
var ErrAlreadyClaimed = errors.New("bonus: already claimed today")

// Service credits a fixed daily bonus once per UTC day per account. The
// once-per-day guarantee rides on the ledger's fingerprint dedup: the
// fingerprint encodes the claim date, so a second claim the same day is a
// duplicate by construction.
type Service struct {
	writer *ledgersvc.Writer
	amount decimal.Decimal
	clock  clockwork.Clock
	log    *logger.Logger

	mu          sync.Mutex
	distributor farming.Distributor
}

// New constructs a daily bonus service paying the given UNI amount.
func New(writer *ledgersvc.Writer, amount decimal.Decimal, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("daily-bonus")
	}
	return &Service{writer: writer, amount: amount, clock: clockwork.NewRealClock(), log: log}
}

// WithClock replaces the clock; tests use a fake.
func (s *Service) WithClock(clock clockwork.Clock) {
	s.mu.Lock()
	s.clock = clock
	s.mu.Unlock()
}

// WithDistributor attaches referral fan-out to bonus credits.
func (s *Service) WithDistributor(d farming.Distributor) {
	s.mu.Lock()
	s.distributor = d
	s.mu.Unlock()
}

// Claim credits the day's bonus to the account.
func (s *Service) Claim(ctx context.Context, accountID string) (ledgerdom.Entry, ledgerdom.Balance, error) {
	if !s.amount.IsPositive() {
		return ledgerdom.Entry{}, ledgerdom.Balance{}, fmt.Errorf("daily bonus is not configured")
	}

	s.mu.Lock()
	clock := s.clock
	distributor := s.distributor
	s.mu.Unlock()

	day := clock.Now().UTC().Format("2006-01-02")
	entry := ledgerdom.Entry{
		AccountID:           accountID,
		Type:                ledgerdom.TypeDailyBonus,
		Currency:            ledgerdom.CurrencyUNI,
		Amount:              s.amount,
		ExternalFingerprint: fmt.Sprintf("daily:%s:%s", accountID, day),
		Metadata:            map[string]string{"day": day},
	}

	committed, bal, err := s.writer.Append(ctx, entry)
	if errors.Is(err, ledgersvc.ErrDuplicate) {
		return committed, bal, ErrAlreadyClaimed
	}
	if err != nil {
		return ledgerdom.Entry{}, ledgerdom.Balance{}, err
	}

	s.log.WithField("account_id", accountID).
		WithField("day", day).
		Info("daily bonus claimed")

	if distributor != nil {
		distributor.Distribute(ctx, committed)
	}
	return committed, bal, nil
}

// NextClaimAt returns the start of the next UTC day, when the account may
// claim again.
func (s *Service) NextClaimAt() time.Time {
	s.mu.Lock()
	clock := s.clock
	s.mu.Unlock()
	now := clock.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
