package referral

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	ledgerdom "github.com/tonfarm/farming_layer/internal/app/domain/ledger"
	"github.com/tonfarm/farming_layer/internal/app/metrics"
	"github.com/tonfarm/farming_layer/internal/app/services/farming"
	ledgersvc "github.com/tonfarm/farming_layer/internal/app/services/ledger"
	"github.com/tonfarm/farming_layer/internal/app/storage"
	"github.com/tonfarm/farming_layer/pkg/logger"
)

// DefaultMaxDepth bounds the inviter-chain walk when no depth is configured.
const DefaultMaxDepth = 20

// Config holds the referral economics.
type Config struct {
	// LevelRates maps chain level (index+1) to the share of the base amount
	// credited at that level. The table is expected to be non-increasing.
	LevelRates []decimal.Decimal
	// MaxDepth bounds the walk regardless of the rate table length.
	MaxDepth int
}

// Service propagates a share of each reward up the inviter chain. Every
// credit goes through the ledger writer with a fingerprint derived from
// (source entry, level), so re-running fan-out for an already processed
// source reward is a no-op rather than a double credit.
type Service struct {
	accounts storage.AccountStore
	writer   *ledgersvc.Writer
	cfg      Config
	log      *logger.Logger
}

var _ farming.Distributor = (*Service)(nil)

// New constructs the referral fan-out service.
func New(accounts storage.AccountStore, writer *ledgersvc.Writer, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("referral")
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	return &Service{accounts: accounts, writer: writer, cfg: cfg, log: log}
}

// Distribute walks the inviter chain of the source entry's account and
// credits each ancestor its level share. A failure at one level is logged
// and skipped; other levels still commit, and the source reward is never
// rolled back. The walk stops at the configured depth and detects injected
// cycles instead of looping.
func (s *Service) Distribute(ctx context.Context, source ledgerdom.Entry) []ledgerdom.Entry {
	if source.ID == "" || source.Status != ledgerdom.StatusCompleted {
		return nil
	}

	visited := map[string]struct{}{source.AccountID: {}}
	credited := make([]ledgerdom.Entry, 0)

	currentID := source.AccountID
	for level := 1; level <= s.cfg.MaxDepth; level++ {
		if level > len(s.cfg.LevelRates) {
			break // no rate configured beyond this level
		}

		acct, err := s.accounts.GetAccount(ctx, currentID)
		if err != nil {
			s.log.WithError(err).
				WithField("account_id", currentID).
				WithField("source_entry", source.ID).
				Warn("referral chain read failed; aborting walk")
			break
		}
		if acct.InviterID == "" {
			break
		}
		if _, seen := visited[acct.InviterID]; seen {
			s.log.WithField("account_id", acct.InviterID).
				WithField("source_entry", source.ID).
				Error("cycle detected in inviter chain; aborting walk")
			break
		}
		visited[acct.InviterID] = struct{}{}
		currentID = acct.InviterID

		share := source.Amount.Mul(s.cfg.LevelRates[level-1]).Round(farming.AmountPlaces)
		if !share.IsPositive() {
			// A zero share at this level does not imply zero further up;
			// keep walking.
			continue
		}

		entry := ledgerdom.Entry{
			AccountID:           currentID,
			Type:                ledgerdom.TypeReferralReward,
			Currency:            source.Currency,
			Amount:              share,
			ExternalFingerprint: fmt.Sprintf("referral:%s:%d", source.ID, level),
			Metadata: map[string]string{
				"source_account": source.AccountID,
				"source_entry":   source.ID,
				"source_type":    string(source.Type),
				"level":          fmt.Sprintf("%d", level),
			},
		}
		committed, _, err := s.writer.Append(ctx, entry)
		if errors.Is(err, ledgersvc.ErrDuplicate) {
			continue // this level was already credited by an earlier run
		}
		if err != nil {
			s.log.WithError(err).
				WithField("ancestor_id", currentID).
				WithField("level", level).
				WithField("source_entry", source.ID).
				WithField("amount", share.String()).
				Warn("referral credit failed; level skipped")
			continue
		}
		metrics.RecordReferralCredit(level)
		credited = append(credited, committed)
	}
	return credited
}
