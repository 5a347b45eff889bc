// Package codec translates between the lending protocol's cell encoding and typed values.
package codec

import "fmt"

// Inbound operation codes seen on the master contract.
const (
	OpSupply                     uint32 = 0x1
	OpWithdraw                   uint32 = 0x2
	OpLiquidate                  uint32 = 0x3
	OpIdle                       uint32 = 0xd2
	OpJettonTransferNotification uint32 = 0x7362d09c

	OpSupplyReport    uint32 = 0x11a
	OpWithdrawReport  uint32 = 0x211
	OpLiquidateReport uint32 = 0x311
)

// OpLiquidationSatisfied is the opcode inside the liquidation report body.
const OpLiquidationSatisfied uint32 = 0x311a

// OpJettonTransfer opens a jetton transfer envelope.
const OpJettonTransfer uint32 = 0xf8a7ea5

// OpKind groups inbound opcodes by how the indexer resolves the account
type OpKind int

const (
	OpKindIgnored OpKind = iota
	OpKindAccountMutating
	OpKindReport
)

// ClassifyOp returns the kind of an inbound opcode
func ClassifyOp(op uint32) OpKind {
	switch op {
	case OpSupply, OpWithdraw, OpLiquidate, OpJettonTransferNotification, OpIdle:
		return OpKindAccountMutating
	case OpSupplyReport, OpWithdrawReport, OpLiquidateReport:
		return OpKindReport
	default:
		return OpKindIgnored
	}
}

func (k OpKind) String() string {
	switch k {
	case OpKindAccountMutating:
		return "account_mutating"
	case OpKindReport:
		return "report"
	default:
		return "ignored"
	}
}

var opNames = map[uint32]string{
	OpSupply:                     "supply",
	OpWithdraw:                   "withdraw",
	OpLiquidate:                  "liquidate",
	OpIdle:                       "idle",
	OpJettonTransferNotification: "jetton_transfer_notification",
	OpSupplyReport:               "supply_report",
	OpWithdrawReport:             "withdraw_report",
	OpLiquidateReport:            "liquidate_report",
}

// OpName returns a readable name for log fields, hex for unknown opcodes
func OpName(op uint32) string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("0x%x", op)
}
