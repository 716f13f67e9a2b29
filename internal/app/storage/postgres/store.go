package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/tonfarm/farming_layer/internal/app/domain/account"
	"github.com/tonfarm/farming_layer/internal/app/domain/farming"
	"github.com/tonfarm/farming_layer/internal/app/domain/ledger"
	"github.com/tonfarm/farming_layer/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. Entry commit
// and balance update run in one database transaction; the partial unique
// index on external_fingerprint (completed rows only) enforces the dedup
// invariant at the storage layer.
type Store struct {
	db *sql.DB
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.FarmingStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// --- AccountStore -----------------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	metadataJSON, err := json.Marshal(acct.Metadata)
	if err != nil {
		return account.Account{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO farm_accounts (id, owner, inviter_id, active, metadata, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
	`, acct.ID, acct.Owner, acct.InviterID, acct.Active, metadataJSON, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return account.Account{}, fmt.Errorf("owner %s already registered: %w", acct.Owner, storage.ErrConflict)
		}
		return account.Account{}, err
	}
	return acct, nil
}

func (s *Store) UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	existing, err := s.GetAccount(ctx, acct.ID)
	if err != nil {
		return account.Account{}, err
	}

	acct.CreatedAt = existing.CreatedAt
	acct.UpdatedAt = time.Now().UTC()

	metadataJSON, err := json.Marshal(acct.Metadata)
	if err != nil {
		return account.Account{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE farm_accounts
		SET owner = $2, inviter_id = NULLIF($3, ''), active = $4, metadata = $5, updated_at = $6
		WHERE id = $1
	`, acct.ID, acct.Owner, acct.InviterID, acct.Active, metadataJSON, acct.UpdatedAt)
	if err != nil {
		return account.Account{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return account.Account{}, storage.ErrNotFound
	}
	return acct, nil
}

const accountColumns = `id, owner, COALESCE(inviter_id, ''), active, metadata, created_at, updated_at`

func (s *Store) GetAccount(ctx context.Context, id string) (account.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM farm_accounts
		WHERE id = $1
	`, id)
	return scanAccount(row)
}

func (s *Store) GetAccountByOwner(ctx context.Context, owner string) (account.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM farm_accounts
		WHERE lower(owner) = lower($1)
	`, owner)
	return scanAccount(row)
}

func (s *Store) ListAccounts(ctx context.Context) ([]account.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM farm_accounts
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []account.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (account.Account, error) {
	var (
		acct        account.Account
		metadataRaw []byte
	)
	if err := row.Scan(&acct.ID, &acct.Owner, &acct.InviterID, &acct.Active, &metadataRaw, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return account.Account{}, mapNotFound(err)
	}
	if len(metadataRaw) > 0 {
		_ = json.Unmarshal(metadataRaw, &acct.Metadata)
	}
	return acct, nil
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) AppendPending(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	entry.Status = ledger.StatusPending
	entry.CreatedAt = now
	entry.UpdatedAt = now

	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return ledger.Entry{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, type, currency, amount, status, external_fingerprint, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)
	`, entry.ID, entry.AccountID, string(entry.Type), string(entry.Currency), entry.Amount.String(),
		string(entry.Status), entry.ExternalFingerprint, metadataJSON, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return ledger.Entry{}, err
	}
	return entry, nil
}

func (s *Store) Commit(ctx context.Context, entryID string) (ledger.Entry, ledger.Balance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, ledger.Balance{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE id = $1
		FOR UPDATE
	`, entryID)
	entry, err := scanEntry(row)
	if err != nil {
		return ledger.Entry{}, ledger.Balance{}, err
	}
	if entry.Status != ledger.StatusPending {
		return ledger.Entry{}, ledger.Balance{}, storage.ErrConflict
	}

	now := time.Now().UTC()
	entry.Status = ledger.StatusCompleted
	entry.UpdatedAt = now

	// The partial unique index on completed fingerprints turns a lost dedup
	// race into a constraint violation here.
	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = $2, updated_at = $3
		WHERE id = $1
	`, entry.ID, string(entry.Status), entry.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return ledger.Entry{}, ledger.Balance{}, storage.ErrDuplicateFingerprint
		}
		return ledger.Entry{}, ledger.Balance{}, err
	}

	var balanceRaw string
	bal := ledger.Balance{AccountID: entry.AccountID, Currency: entry.Currency, UpdatedAt: now}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO balance_cache (account_id, currency, balance, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, currency)
		DO UPDATE SET balance = balance_cache.balance + $3, updated_at = $4
		RETURNING balance
	`, entry.AccountID, string(entry.Currency), entry.Delta().String(), now).Scan(&balanceRaw); err != nil {
		return ledger.Entry{}, ledger.Balance{}, err
	}
	if bal.Amount, err = decimal.NewFromString(balanceRaw); err != nil {
		return ledger.Entry{}, ledger.Balance{}, fmt.Errorf("parse balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ledger.Entry{}, ledger.Balance{}, storage.ErrDuplicateFingerprint
		}
		return ledger.Entry{}, ledger.Balance{}, err
	}
	return entry, bal, nil
}

func (s *Store) MarkFailed(ctx context.Context, entryID, reason string) (ledger.Entry, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = $2, failure_reason = $3, updated_at = $4
		WHERE id = $1 AND status = $5
	`, entryID, string(ledger.StatusFailed), reason, now, string(ledger.StatusPending))
	if err != nil {
		return ledger.Entry{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		entry, err := s.GetEntry(ctx, entryID)
		if err != nil {
			return ledger.Entry{}, err
		}
		if entry.Status != ledger.StatusPending {
			return ledger.Entry{}, storage.ErrConflict
		}
		return ledger.Entry{}, storage.ErrNotFound
	}
	return s.GetEntry(ctx, entryID)
}

const entryColumns = `id, account_id, type, currency, amount, status, COALESCE(external_fingerprint, ''), metadata, COALESCE(failure_reason, ''), created_at, updated_at`

func (s *Store) GetEntry(ctx context.Context, id string) (ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE id = $1
	`, id)
	return scanEntry(row)
}

func (s *Store) FindCompletedByFingerprint(ctx context.Context, fingerprint string) (ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE external_fingerprint = $1 AND status = $2
	`, fingerprint, string(ledger.StatusCompleted))
	return scanEntry(row)
}

func (s *Store) ListEntries(ctx context.Context, accountID string, f ledger.Filter) ([]ledger.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE account_id = $1 AND status = $2`
	args := []interface{}{accountID, string(ledger.StatusCompleted)}

	if f.Currency != "" {
		args = append(args, string(f.Currency))
		query += fmt.Sprintf(" AND currency = $%d", len(args))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
	`, string(ledger.StatusPending), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanEntry(row rowScanner) (ledger.Entry, error) {
	var (
		entry       ledger.Entry
		typeRaw     string
		currencyRaw string
		amountRaw   string
		statusRaw   string
		metadataRaw []byte
	)
	if err := row.Scan(&entry.ID, &entry.AccountID, &typeRaw, &currencyRaw, &amountRaw, &statusRaw,
		&entry.ExternalFingerprint, &metadataRaw, &entry.FailureReason, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
		return ledger.Entry{}, mapNotFound(err)
	}

	entry.Type = ledger.EntryType(typeRaw)
	entry.Currency = ledger.Currency(currencyRaw)
	entry.Status = ledger.Status(statusRaw)

	amount, err := decimal.NewFromString(amountRaw)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("parse amount: %w", err)
	}
	entry.Amount = amount

	if len(metadataRaw) > 0 {
		_ = json.Unmarshal(metadataRaw, &entry.Metadata)
	}
	return entry, nil
}

func (s *Store) GetBalance(ctx context.Context, accountID string, currency ledger.Currency) (ledger.Balance, error) {
	var (
		bal       ledger.Balance
		amountRaw string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, currency, balance, updated_at
		FROM balance_cache
		WHERE account_id = $1 AND currency = $2
	`, accountID, string(currency)).Scan(&bal.AccountID, &bal.Currency, &amountRaw, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{AccountID: accountID, Currency: currency, Amount: decimal.Zero}, nil
	}
	if err != nil {
		return ledger.Balance{}, err
	}
	if bal.Amount, err = decimal.NewFromString(amountRaw); err != nil {
		return ledger.Balance{}, fmt.Errorf("parse balance: %w", err)
	}
	return bal, nil
}

func (s *Store) SumCompleted(ctx context.Context, accountID string, currency ledger.Currency) (decimal.Decimal, error) {
	var sumRaw string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN type IN ($3, $4) THEN -amount ELSE amount END), 0)
		FROM ledger_entries
		WHERE account_id = $1 AND currency = $2 AND status = $5
	`, accountID, string(currency), string(ledger.TypeBoostPurchase), string(ledger.TypeWithdrawal),
		string(ledger.StatusCompleted)).Scan(&sumRaw)
	if err != nil {
		return decimal.Zero, err
	}
	sum, err := decimal.NewFromString(sumRaw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse sum: %w", err)
	}
	return sum, nil
}

// --- FarmingStore -----------------------------------------------------------

const positionColumns = `id, account_id, currency, deposit_amount, rate, COALESCE(package_id, ''), active, period_start, COALESCE(period_end, 'epoch'::timestamptz), last_accrual_at, created_at, updated_at`

func (s *Store) CreatePosition(ctx context.Context, pos farming.Position) (farming.Position, error) {
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	pos.CreatedAt = now
	pos.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO farming_positions (id, account_id, currency, deposit_amount, rate, package_id, active, period_start, period_end, last_accrual_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12)
	`, pos.ID, pos.AccountID, string(pos.Currency), pos.DepositAmount.String(), pos.Rate.String(),
		pos.PackageID, pos.Active, pos.PeriodStart, nullTime(pos.PeriodEnd), pos.LastAccrualAt, pos.CreatedAt, pos.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return farming.Position{}, storage.ErrConflict
		}
		return farming.Position{}, err
	}
	return pos, nil
}

func (s *Store) UpdatePosition(ctx context.Context, pos farming.Position) (farming.Position, error) {
	pos.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE farming_positions
		SET deposit_amount = $3, rate = $4, package_id = NULLIF($5, ''), active = $6,
		    period_start = $7, period_end = $8, last_accrual_at = $9, updated_at = $10
		WHERE account_id = $1 AND currency = $2
	`, pos.AccountID, string(pos.Currency), pos.DepositAmount.String(), pos.Rate.String(),
		pos.PackageID, pos.Active, pos.PeriodStart, nullTime(pos.PeriodEnd), pos.LastAccrualAt, pos.UpdatedAt)
	if err != nil {
		return farming.Position{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return farming.Position{}, storage.ErrNotFound
	}
	return pos, nil
}

func (s *Store) GetPosition(ctx context.Context, accountID string, currency ledger.Currency) (farming.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+positionColumns+`
		FROM farming_positions
		WHERE account_id = $1 AND currency = $2
	`, accountID, string(currency))
	return scanPosition(row)
}

func (s *Store) ListActivePositions(ctx context.Context, currency ledger.Currency) ([]farming.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+positionColumns+`
		FROM farming_positions
		WHERE currency = $1 AND active = TRUE AND deposit_amount > 0
		ORDER BY created_at
	`, string(currency))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []farming.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func scanPosition(row rowScanner) (farming.Position, error) {
	var (
		pos         farming.Position
		currencyRaw string
		depositRaw  string
		rateRaw     string
		periodEnd   time.Time
	)
	if err := row.Scan(&pos.ID, &pos.AccountID, &currencyRaw, &depositRaw, &rateRaw, &pos.PackageID,
		&pos.Active, &pos.PeriodStart, &periodEnd, &pos.LastAccrualAt, &pos.CreatedAt, &pos.UpdatedAt); err != nil {
		return farming.Position{}, mapNotFound(err)
	}

	pos.Currency = ledger.Currency(currencyRaw)
	if periodEnd.Unix() != 0 {
		pos.PeriodEnd = periodEnd
	}

	var err error
	if pos.DepositAmount, err = decimal.NewFromString(depositRaw); err != nil {
		return farming.Position{}, fmt.Errorf("parse deposit: %w", err)
	}
	if pos.Rate, err = decimal.NewFromString(rateRaw); err != nil {
		return farming.Position{}, fmt.Errorf("parse rate: %w", err)
	}
	return pos, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
