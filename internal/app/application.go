package app

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tonfarm/farming_layer/internal/app/notify"
	accountssvc "github.com/tonfarm/farming_layer/internal/app/services/accounts"
	bonussvc "github.com/tonfarm/farming_layer/internal/app/services/bonus"
	depositssvc "github.com/tonfarm/farming_layer/internal/app/services/deposits"
	farmingsvc "github.com/tonfarm/farming_layer/internal/app/services/farming"
	ledgersvc "github.com/tonfarm/farming_layer/internal/app/services/ledger"
	referralsvc "github.com/tonfarm/farming_layer/internal/app/services/referral"
	withdrawalsvc "github.com/tonfarm/farming_layer/internal/app/services/withdrawal"
	"github.com/tonfarm/farming_layer/internal/app/storage"
	"github.com/tonfarm/farming_layer/internal/app/storage/memory"
	"github.com/tonfarm/farming_layer/internal/app/system"
	"github.com/tonfarm/farming_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Accounts storage.AccountStore
	Ledger   storage.LedgerStore
	Farming  storage.FarmingStore
}

// Options carries the assembled economic tables and scheduler settings.
type Options struct {
	FarmingConfig   farmingsvc.Config
	ReferralConfig  referralsvc.Config
	SchedulerConfig farmingsvc.SchedulerConfig
	DailyBonus      decimal.Decimal
	Lease           farmingsvc.Lease
}

// Application ties the domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Accounts    *accountssvc.Service
	Ledger      *ledgersvc.Writer
	Farming     *farmingsvc.Service
	Referral    *referralsvc.Service
	Deposits    *depositssvc.Service
	Bonus       *bonussvc.Service
	Withdrawals *withdrawalsvc.Service
	Scheduler   *farmingsvc.Scheduler
	Hub         *notify.Hub
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Accounts == nil {
		stores.Accounts = mem
	}
	if stores.Ledger == nil {
		stores.Ledger = mem
	}
	if stores.Farming == nil {
		stores.Farming = mem
	}

	manager := system.NewManager()
	hub := notify.NewHub(log)

	writer := ledgersvc.NewWriter(stores.Ledger, log)
	writer.WithNotifier(hub)

	acctService := accountssvc.New(stores.Accounts, log)
	farmingService := farmingsvc.New(stores.Farming, writer, opts.FarmingConfig, log)
	referralService := referralsvc.New(stores.Accounts, writer, opts.ReferralConfig, log)
	farmingService.WithDistributor(referralService)

	depositService := depositssvc.New(writer, farmingService, log)
	bonusService := bonussvc.New(writer, opts.DailyBonus, log)
	bonusService.WithDistributor(referralService)
	withdrawalService := withdrawalsvc.New(stores.Ledger, writer, log)

	scheduler := farmingsvc.NewScheduler(farmingService, writer, opts.Lease, opts.SchedulerConfig, log)

	for _, name := range []string{"accounts", "ledger", "farming", "referral"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}
	if err := manager.Register(scheduler); err != nil {
		return nil, fmt.Errorf("register scheduler: %w", err)
	}

	return &Application{
		manager:     manager,
		log:         log,
		Accounts:    acctService,
		Ledger:      writer,
		Farming:     farmingService,
		Referral:    referralService,
		Deposits:    depositService,
		Bonus:       bonusService,
		Withdrawals: withdrawalService,
		Scheduler:   scheduler,
		Hub:         hub,
	}, nil
}

// Start launches the background services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.StartAll(ctx)
}

// Stop shuts the background services down.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.StopAll(ctx)
}
