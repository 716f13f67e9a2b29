package ledger

import "errors"

// Outcome errors callers are expected to branch on.
var (
	// ErrDuplicate reports the external credit was already applied. It is an
	// idempotent success signal, not a failure: the caller proceeds as if the
	// first call had just succeeded.
	ErrDuplicate = errors.New("ledger: duplicate external fingerprint")
	// ErrInvalidFingerprint reports a structurally empty fingerprint. The
	// guard rejects instead of guessing one.
	ErrInvalidFingerprint = errors.New("ledger: invalid fingerprint")
	// ErrInvalidAmount reports a non-positive amount for a typed entry that
	// requires one.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrInsufficientBalance reports a debit larger than the spendable
	// balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
)
