package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tonfarm/farming_layer/internal/app/domain/account"
	"github.com/tonfarm/farming_layer/internal/app/storage"
	"github.com/tonfarm/farming_layer/pkg/logger"
)

// MaxChainDepth bounds inviter-chain reads. The chain is a tree by
// construction; hitting the bound means the data is corrupt, not that the
// tree is deep.
const MaxChainDepth = 20

// ErrInviterNotFound reports a registration referencing an unknown inviter.
var ErrInviterNotFound = errors.New("accounts: inviter not found")

// Service manages account registration and the inviter relation.
type Service struct {
	store storage.AccountStore
	log   *logger.Logger
}

// New constructs an accounts service.
func New(store storage.AccountStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("accounts")
	}
	return &Service{store: store, log: log}
}

// Register creates an account, optionally bound to the inviter that referred
// it. The inviter must already exist; the bond is immutable afterwards, which
// is what keeps the referral graph a tree.
func (s *Service) Register(ctx context.Context, owner, inviterID string, metadata map[string]string) (account.Account, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return account.Account{}, fmt.Errorf("owner is required")
	}

	inviterID = strings.TrimSpace(inviterID)
	if inviterID != "" {
		if _, err := s.store.GetAccount(ctx, inviterID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return account.Account{}, ErrInviterNotFound
			}
			return account.Account{}, fmt.Errorf("inviter validation failed: %w", err)
		}
	}

	acct, err := s.store.CreateAccount(ctx, account.Account{
		Owner:     owner,
		InviterID: inviterID,
		Active:    true,
		Metadata:  metadata,
	})
	if err != nil {
		return account.Account{}, err
	}
	s.log.WithField("account_id", acct.ID).
		WithField("inviter_id", inviterID).
		Info("account registered")
	return acct, nil
}

// Get returns the account by id.
func (s *Service) Get(ctx context.Context, id string) (account.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// GetByOwner returns the account registered for the external identity.
func (s *Service) GetByOwner(ctx context.Context, owner string) (account.Account, error) {
	return s.store.GetAccountByOwner(ctx, owner)
}

// List returns all accounts.
func (s *Service) List(ctx context.Context) ([]account.Account, error) {
	return s.store.ListAccounts(ctx)
}

// SetActive toggles the account's active flag. Accounts are deactivated,
// never deleted, so their ledger history stays intact.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (account.Account, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return account.Account{}, err
	}
	if acct.Active == active {
		return acct, nil
	}
	acct.Active = active
	updated, err := s.store.UpdateAccount(ctx, acct)
	if err != nil {
		return account.Account{}, err
	}
	s.log.WithField("account_id", id).
		WithField("active", active).
		Info("account state changed")
	return updated, nil
}

// InviterChain returns the account's ancestors from closest to furthest,
// bounded by MaxChainDepth and guarded against cycles.
func (s *Service) InviterChain(ctx context.Context, accountID string) ([]account.Account, error) {
	visited := map[string]struct{}{accountID: {}}
	var chain []account.Account

	currentID := accountID
	for depth := 0; depth < MaxChainDepth; depth++ {
		acct, err := s.store.GetAccount(ctx, currentID)
		if err != nil {
			return nil, err
		}
		if acct.InviterID == "" {
			break
		}
		if _, seen := visited[acct.InviterID]; seen {
			return chain, fmt.Errorf("cycle detected in inviter chain at %s", acct.InviterID)
		}
		visited[acct.InviterID] = struct{}{}

		inviter, err := s.store.GetAccount(ctx, acct.InviterID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, inviter)
		currentID = inviter.ID
	}
	return chain, nil
}
