package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tonfarm/farming_layer/internal/app/domain/account"
	"github.com/tonfarm/farming_layer/internal/app/domain/farming"
	"github.com/tonfarm/farming_layer/internal/app/domain/ledger"
	"github.com/tonfarm/farming_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development. The single mutex makes entry commit and balance update one
// atomic step, matching the transactional contract of the SQL store.
type Store struct {
	mu              sync.RWMutex
	nextID          int64
	accounts        map[string]account.Account
	accountsByOwner map[string]string
	entries         map[string]ledger.Entry
	entryOrder      []string
	fingerprints    map[string]string // fingerprint -> completed entry id
	balances        map[string]ledger.Balance
	positions       map[string]farming.Position
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.FarmingStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:          1,
		accounts:        make(map[string]account.Account),
		accountsByOwner: make(map[string]string),
		entries:         make(map[string]ledger.Entry),
		fingerprints:    make(map[string]string),
		balances:        make(map[string]ledger.Balance),
		positions:       make(map[string]farming.Position),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

func pairKey(accountID string, currency ledger.Currency) string {
	return accountID + "/" + string(currency)
}

// AccountStore implementation -------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.ID == "" {
		acct.ID = s.nextIDLocked()
	} else if _, exists := s.accounts[acct.ID]; exists {
		return account.Account{}, fmt.Errorf("account %s already exists", acct.ID)
	}
	if acct.Owner != "" {
		if _, exists := s.accountsByOwner[strings.ToLower(acct.Owner)]; exists {
			return account.Account{}, fmt.Errorf("owner %s already registered", acct.Owner)
		}
	}

	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	acct.Metadata = copyMap(acct.Metadata)

	s.accounts[acct.ID] = acct
	if acct.Owner != "" {
		s.accountsByOwner[strings.ToLower(acct.Owner)] = acct.ID
	}
	return cloneAccount(acct), nil
}

func (s *Store) UpdateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.accounts[acct.ID]
	if !ok {
		return account.Account{}, storage.ErrNotFound
	}

	acct.CreatedAt = original.CreatedAt
	acct.UpdatedAt = time.Now().UTC()
	acct.Metadata = copyMap(acct.Metadata)

	s.accounts[acct.ID] = acct
	return cloneAccount(acct), nil
}

func (s *Store) GetAccount(_ context.Context, id string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return account.Account{}, storage.ErrNotFound
	}
	return cloneAccount(acct), nil
}

func (s *Store) GetAccountByOwner(_ context.Context, owner string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.accountsByOwner[strings.ToLower(owner)]
	if !ok {
		return account.Account{}, storage.ErrNotFound
	}
	return cloneAccount(s.accounts[id]), nil
}

func (s *Store) ListAccounts(_ context.Context) ([]account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]account.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		result = append(result, cloneAccount(acct))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) AppendPending(_ context.Context, entry ledger.Entry) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = s.nextIDLocked()
	} else if _, exists := s.entries[entry.ID]; exists {
		return ledger.Entry{}, fmt.Errorf("entry %s already exists", entry.ID)
	}

	now := time.Now().UTC()
	entry.Status = ledger.StatusPending
	entry.CreatedAt = now
	entry.UpdatedAt = now
	entry.Metadata = copyMap(entry.Metadata)

	s.entries[entry.ID] = entry
	s.entryOrder = append(s.entryOrder, entry.ID)
	return cloneEntry(entry), nil
}

func (s *Store) Commit(_ context.Context, entryID string) (ledger.Entry, ledger.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryID]
	if !ok {
		return ledger.Entry{}, ledger.Balance{}, storage.ErrNotFound
	}
	if entry.Status != ledger.StatusPending {
		return ledger.Entry{}, ledger.Balance{}, storage.ErrConflict
	}
	if entry.ExternalFingerprint != "" {
		if _, taken := s.fingerprints[entry.ExternalFingerprint]; taken {
			return ledger.Entry{}, ledger.Balance{}, storage.ErrDuplicateFingerprint
		}
	}

	now := time.Now().UTC()
	entry.Status = ledger.StatusCompleted
	entry.UpdatedAt = now
	s.entries[entryID] = entry
	if entry.ExternalFingerprint != "" {
		s.fingerprints[entry.ExternalFingerprint] = entryID
	}

	key := pairKey(entry.AccountID, entry.Currency)
	bal, ok := s.balances[key]
	if !ok {
		bal = ledger.Balance{AccountID: entry.AccountID, Currency: entry.Currency, Amount: decimal.Zero}
	}
	bal.Amount = bal.Amount.Add(entry.Delta())
	bal.UpdatedAt = now
	s.balances[key] = bal

	return cloneEntry(entry), bal, nil
}

func (s *Store) MarkFailed(_ context.Context, entryID, reason string) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryID]
	if !ok {
		return ledger.Entry{}, storage.ErrNotFound
	}
	if entry.Status != ledger.StatusPending {
		return ledger.Entry{}, storage.ErrConflict
	}

	entry.Status = ledger.StatusFailed
	entry.FailureReason = reason
	entry.UpdatedAt = time.Now().UTC()
	s.entries[entryID] = entry
	return cloneEntry(entry), nil
}

func (s *Store) GetEntry(_ context.Context, id string) (ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return ledger.Entry{}, storage.ErrNotFound
	}
	return cloneEntry(entry), nil
}

func (s *Store) FindCompletedByFingerprint(_ context.Context, fingerprint string) (ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.fingerprints[fingerprint]
	if !ok {
		return ledger.Entry{}, storage.ErrNotFound
	}
	return cloneEntry(s.entries[id]), nil
}

func (s *Store) ListEntries(_ context.Context, accountID string, f ledger.Filter) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]ledger.Entry, 0)
	// entryOrder is append-only, so walking it backwards yields newest first.
	for i := len(s.entryOrder) - 1; i >= 0; i-- {
		entry := s.entries[s.entryOrder[i]]
		if entry.AccountID != accountID || entry.Status != ledger.StatusCompleted {
			continue
		}
		if f.Currency != "" && entry.Currency != f.Currency {
			continue
		}
		if f.Type != "" && entry.Type != f.Type {
			continue
		}
		matched = append(matched, cloneEntry(entry))
	}

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []ledger.Entry{}, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (s *Store) ListStalePending(_ context.Context, cutoff time.Time) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []ledger.Entry
	for _, id := range s.entryOrder {
		entry := s.entries[id]
		if entry.Status == ledger.StatusPending && entry.CreatedAt.Before(cutoff) {
			stale = append(stale, cloneEntry(entry))
		}
	}
	return stale, nil
}

func (s *Store) GetBalance(_ context.Context, accountID string, currency ledger.Currency) (ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bal, ok := s.balances[pairKey(accountID, currency)]
	if !ok {
		return ledger.Balance{AccountID: accountID, Currency: currency, Amount: decimal.Zero}, nil
	}
	return bal, nil
}

func (s *Store) SumCompleted(_ context.Context, accountID string, currency ledger.Currency) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := decimal.Zero
	for _, entry := range s.entries {
		if entry.AccountID == accountID && entry.Currency == currency && entry.Status == ledger.StatusCompleted {
			sum = sum.Add(entry.Delta())
		}
	}
	return sum, nil
}

// FarmingStore implementation -------------------------------------------------

func (s *Store) CreatePosition(_ context.Context, pos farming.Position) (farming.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(pos.AccountID, pos.Currency)
	if _, exists := s.positions[key]; exists {
		return farming.Position{}, fmt.Errorf("position for %s already exists", key)
	}
	if pos.ID == "" {
		pos.ID = s.nextIDLocked()
	}

	now := time.Now().UTC()
	pos.CreatedAt = now
	pos.UpdatedAt = now
	s.positions[key] = pos
	return pos, nil
}

func (s *Store) UpdatePosition(_ context.Context, pos farming.Position) (farming.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(pos.AccountID, pos.Currency)
	original, ok := s.positions[key]
	if !ok {
		return farming.Position{}, storage.ErrNotFound
	}

	pos.ID = original.ID
	pos.CreatedAt = original.CreatedAt
	pos.UpdatedAt = time.Now().UTC()
	s.positions[key] = pos
	return pos, nil
}

func (s *Store) GetPosition(_ context.Context, accountID string, currency ledger.Currency) (farming.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[pairKey(accountID, currency)]
	if !ok {
		return farming.Position{}, storage.ErrNotFound
	}
	return pos, nil
}

func (s *Store) ListActivePositions(_ context.Context, currency ledger.Currency) ([]farming.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []farming.Position
	for _, pos := range s.positions {
		if pos.Currency == currency && pos.Active && pos.DepositAmount.IsPositive() {
			result = append(result, pos)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// helpers ---------------------------------------------------------------------

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneAccount(acct account.Account) account.Account {
	acct.Metadata = copyMap(acct.Metadata)
	return acct
}

func cloneEntry(entry ledger.Entry) ledger.Entry {
	entry.Metadata = copyMap(entry.Metadata)
	return entry
}
