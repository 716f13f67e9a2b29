package farming

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	ledgerdom "github.com/tonfarm/farming_layer/internal/app/domain/ledger"
	ledgersvc "github.com/tonfarm/farming_layer/internal/app/services/ledger"
	"github.com/tonfarm/farming_layer/internal/app/metrics"
	"github.com/tonfarm/farming_layer/internal/app/system"
	"github.com/tonfarm/farming_layer/pkg/logger"
)

var _ system.Service = (*Scheduler)(nil)

// SchedulerConfig tunes the reward scheduler.
type SchedulerConfig struct {
	// Schedule is a cron spec, e.g. "@every 5m".
	Schedule string
	// TickBudget is the wall-clock budget for one tick. When exceeded the
	// tick stops admitting accounts; in-flight writes finish.
	TickBudget time.Duration
	// LeaseTTL bounds how long a crashed tick holds its currency lease.
	LeaseTTL time.Duration
	// PendingTimeout is the age after which a pending ledger entry is swept
	// to failed.
	PendingTimeout time.Duration
}

func (c *SchedulerConfig) applyDefaults() {
	if c.Schedule == "" {
		c.Schedule = "@every 5m"
	}
	if c.TickBudget <= 0 {
		c.TickBudget = 4 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Minute
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 15 * time.Minute
	}
}

// Scheduler runs the periodic accrual pass, one independent stream per
// currency. A per-currency TTL lease keeps at most one tick in flight even
// with multiple process instances; a tick that finds the lease taken is
// skipped, not queued.
type Scheduler struct {
	service *Service
	writer  *ledgersvc.Writer
	lease   Lease
	clock   clockwork.Clock
	cfg     SchedulerConfig
	log     *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	running bool
}

// NewScheduler creates a lifecycle-managed reward scheduler.
func NewScheduler(service *Service, writer *ledgersvc.Writer, lease Lease, cfg SchedulerConfig, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("reward-scheduler")
	}
	cfg.applyDefaults()
	if lease == nil {
		lease = NewLocalLease(nil)
	}
	return &Scheduler{
		service: service,
		writer:  writer,
		lease:   lease,
		clock:   clockwork.NewRealClock(),
		cfg:     cfg,
		log:     log,
	}
}

// WithClock replaces the scheduler's clock; tests use a fake.
func (s *Scheduler) WithClock(clock clockwork.Clock) {
	s.mu.Lock()
	s.clock = clock
	s.mu.Unlock()
}

func (s *Scheduler) Name() string { return "reward-scheduler" }

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	// SkipIfStillRunning is the in-process leg of the no-overlap guarantee;
	// the lease covers the cross-process leg.
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	for _, currency := range ledgerdom.Currencies {
		currency := currency
		if _, err := c.AddFunc(s.cfg.Schedule, func() {
			s.RunTick(runCtx, currency)
		}); err != nil {
			cancel()
			return err
		}
	}

	s.cron = c
	s.runCtx = runCtx
	s.cancel = cancel
	s.running = true
	c.Start()

	s.log.WithField("schedule", s.cfg.Schedule).Info("reward scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.running = false
	s.mu.Unlock()

	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("reward scheduler stopped")
	return nil
}

// RunTick executes one accrual pass for a currency: take the lease, enumerate
// eligible positions, accrue each one in isolation, then sweep stale pending
// entries. Returns the number of positions processed successfully.
func (s *Scheduler) RunTick(ctx context.Context, currency ledgerdom.Currency) int {
	leaseKey := "accrual-tick:" + string(currency)
	acquired, err := s.lease.Acquire(ctx, leaseKey, s.cfg.LeaseTTL)
	if err != nil {
		s.log.WithError(err).WithField("currency", currency).Warn("tick lease acquire failed")
		return 0
	}
	if !acquired {
		s.log.WithField("currency", currency).Debug("tick already in flight; skipping")
		return 0
	}
	defer func() {
		if err := s.lease.Release(ctx, leaseKey); err != nil {
			s.log.WithError(err).WithField("currency", currency).Warn("tick lease release failed")
		}
	}()

	start := s.clock.Now()
	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.TickBudget)
	defer cancel()

	positions, err := s.service.ListActive(tickCtx, currency)
	if err != nil {
		s.log.WithError(err).WithField("currency", currency).Warn("enumerate positions failed")
		metrics.RecordAccrualTick(string(currency), s.clock.Since(start), false)
		return 0
	}

	processed := 0
	for _, pos := range positions {
		if tickCtx.Err() != nil {
			s.log.WithField("currency", currency).
				WithField("remaining", len(positions)-processed).
				Warn("tick budget exhausted; deferring remaining accounts")
			break
		}
		now := s.clock.Now()
		if _, _, err := s.service.Accrue(tickCtx, pos, now); err != nil {
			// One account's failure never aborts the rest of the tick. The
			// next cycle recomputes this account's yield from its unchanged
			// checkpoint.
			s.log.WithError(err).
				WithField("account_id", pos.AccountID).
				WithField("currency", currency).
				WithField("cycle", now.UTC().Format(time.RFC3339)).
				WithField("deposit", pos.DepositAmount.String()).
				Warn("accrual failed; account skipped this cycle")
			metrics.RecordAccrualAccount(string(currency), false)
			continue
		}
		metrics.RecordAccrualAccount(string(currency), true)
		processed++
	}

	cutoff := s.clock.Now().Add(-s.cfg.PendingTimeout)
	if swept, err := s.writer.FailStalePending(ctx, cutoff); err != nil {
		s.log.WithError(err).Warn("stale pending sweep failed")
	} else if swept > 0 {
		s.log.WithField("count", swept).Warn("swept stale pending entries")
	}

	metrics.RecordAccrualTick(string(currency), s.clock.Since(start), true)
	return processed
}
