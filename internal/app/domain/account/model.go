package account

import "time"

// Account is a registered user of the farming platform. Balances are never
// stored on the account; they live in the ledger's balance projection.
// InviterID points at the account that invited this one; walked transitively
// it forms the referral tree. Accounts are deactivated, never deleted.
type Account struct {
	ID        string
	Owner     string
	InviterID string
	Active    bool
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}
