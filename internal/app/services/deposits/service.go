package deposits

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	ledgerdom "github.com/tonfarm/farming_layer/internal/app/domain/ledger"
	"github.com/tonfarm/farming_layer/internal/app/services/farming"
	ledgersvc "github.com/tonfarm/farming_layer/internal/app/services/ledger"
	"github.com/tonfarm/farming_layer/pkg/logger"
)

// Service is the entry point for externally observed deposits: admit the
// credit through the dedup guard, then grow the farming position. The two
// steps are deliberately ordered so a crash between them can only delay
// farming on the new principal, never double-credit the balance.
type Service struct {
	writer  *ledgersvc.Writer
	farming *farming.Service
	log     *logger.Logger

	mu    sync.Mutex
	clock clockwork.Clock
}

// New constructs a deposit service.
func New(writer *ledgersvc.Writer, farmingSvc *farming.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("deposits")
	}
	return &Service{writer: writer, farming: farmingSvc, log: log, clock: clockwork.NewRealClock()}
}

// WithClock replaces the clock; tests use a fake.
func (s *Service) WithClock(clock clockwork.Clock) {
	s.mu.Lock()
	s.clock = clock
	s.mu.Unlock()
}

// Notify records a deposit reported by the chain watcher. The fingerprint
// should be the external transaction hash; when the watcher cannot supply
// one a synthetic fingerprint is minted, which keeps the write path uniform
// but cannot dedup watcher retries. That weaker mode is logged every time it
// happens rather than papered over.
func (s *Service) Notify(ctx context.Context, accountID string, currency ledgerdom.Currency, amount decimal.Decimal, fingerprint string) (ledgerdom.Entry, ledgerdom.Balance, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		fingerprint = "synthetic:" + uuid.NewString()
		s.log.WithField("account_id", accountID).
			Warn("deposit reported without transaction hash; dedup is best-effort only")
	}

	entry, bal, err := s.writer.AdmitDeposit(ctx, accountID, currency, amount, fingerprint)
	if errors.Is(err, ledgersvc.ErrDuplicate) {
		return entry, bal, err
	}
	if err != nil {
		return ledgerdom.Entry{}, ledgerdom.Balance{}, err
	}

	s.mu.Lock()
	now := s.clock.Now()
	s.mu.Unlock()

	if _, err := s.farming.RecordDeposit(ctx, accountID, currency, amount, now); err != nil {
		// The balance credit is committed; only the position update lagged.
		// Loud log so the position can be reconciled.
		s.log.WithError(err).
			WithField("account_id", accountID).
			WithField("entry_id", entry.ID).
			Error("deposit admitted but farming position update failed")
	}
	return entry, bal, nil
}
