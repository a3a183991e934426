package types

import "math/big"

// Account is the on-ledger balance record for a settlement address. Nonce
// counts escrow creations by the address and feeds deterministic escrow
// identifiers.
type Account struct {
	Nonce   uint64
	Balance *big.Int
}

// Clone returns a deep copy so callers can mutate without touching the
// stored instance.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	clone := &Account{Nonce: a.Nonce, Balance: big.NewInt(0)}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	return clone
}

// Ensure normalises a possibly-nil account into a usable value.
func Ensure(a *Account) *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	if a.Balance == nil {
		a.Balance = big.NewInt(0)
	}
	return a
}
