package models

import (
	"math/big"
	"time"
)

// AccountState is the lifecycle state of a borrower account
type AccountState string

const (
	AccountStateActive      AccountState = "active"
	AccountStateBlacklisted AccountState = "blacklisted"
)

// Account is the local view of one borrower contract
type Account struct {
	ID              int64               `json:"id" db:"id"`
	WalletAddress   string              `json:"wallet_address" db:"wallet_address"`
	ContractAddress string              `json:"contract_address" db:"contract_address"`
	CodeVersion     int64               `json:"code_version" db:"code_version"`
	CreatedAt       time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at" db:"updated_at"`
	Principals      map[string]*big.Int `json:"principals" db:"principals"` // keyed by asset symbol
	State           AccountState        `json:"state" db:"state"`
}

// Principal returns the principal for symbol, zero when absent
func (a *Account) Principal(symbol string) *big.Int {
	if p, ok := a.Principals[symbol]; ok && p != nil {
		return p
	}
	return new(big.Int)
}
