package models

import (
	"math/big"
	"time"
)

// TaskState is the lifecycle state of a liquidation task
type TaskState string

const (
	TaskStatePending             TaskState = "pending"
	TaskStateSent                TaskState = "sent"
	TaskStateSuccess             TaskState = "success"
	TaskStateFailed              TaskState = "failed"
	TaskStateCancelled           TaskState = "cancelled"
	TaskStateInsufficientBalance TaskState = "insufficient_balance"
)

// AllTaskStates lists every task state
var AllTaskStates = []TaskState{
	TaskStatePending,
	TaskStateSent,
	TaskStateSuccess,
	TaskStateFailed,
	TaskStateCancelled,
	TaskStateInsufficientBalance,
}

// Valid reports whether s is a known task state
func (s TaskState) Valid() bool {
	for _, st := range AllTaskStates {
		if s == st {
			return true
		}
	}
	return false
}

// LiquidationTask is one liquidation attempt against a borrower
type LiquidationTask struct {
	ID                  int64     `json:"id" db:"id"`
	QueryID             uint64    `json:"query_id" db:"query_id"`
	WalletAddress       string    `json:"wallet_address" db:"wallet_address"`
	ContractAddress     string    `json:"contract_address" db:"contract_address"`
	LoanAsset           *big.Int  `json:"loan_asset" db:"loan_asset"`
	CollateralAsset     *big.Int  `json:"collateral_asset" db:"collateral_asset"`
	LiquidationAmount   *big.Int  `json:"liquidation_amount" db:"liquidation_amount"`
	MinCollateralAmount *big.Int  `json:"min_collateral_amount" db:"min_collateral_amount"`
	PricesCell          []byte    `json:"prices_cell" db:"prices_cell"` // BOC, forwarded verbatim
	Signature           []byte    `json:"signature" db:"signature"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
	State               TaskState `json:"state" db:"state"`
}

// DedupWindows bounds how long a task of each state blocks a new task for the same wallet
type DedupWindows struct {
	Pending time.Duration
	Sent    time.Duration
	Success time.Duration
}

// TaskFilter for listing tasks
type TaskFilter struct {
	State         *TaskState `json:"state,omitempty"`
	WalletAddress string     `json:"wallet_address,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
}

// TaskStats summarises store contents
type TaskStats struct {
	TasksByState        map[TaskState]int64 `json:"tasks_by_state"`
	TotalAccounts       int64               `json:"total_accounts"`
	BlacklistedAccounts int64               `json:"blacklisted_accounts"`
	IndexedTransactions int64               `json:"indexed_transactions"`
}
