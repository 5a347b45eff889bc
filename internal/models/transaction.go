package models

import "time"

// IndexedTransaction marks a ledger transaction as already observed
type IndexedTransaction struct {
	Hash  string    `json:"hash" db:"hash"`
	Utime time.Time `json:"utime" db:"utime"`
}

// ChainTransaction is one entry of the remote transaction history
type ChainTransaction struct {
	Hash           string
	LT             uint64
	Utime          time.Time
	InMsg          InMessage
	OutMsgs        []OutMessage
	ComputeSuccess bool
}

// InMessage is the inbound message of a transaction
type InMessage struct {
	OpCode    uint32
	HasOpCode bool
	Source    string // raw form, workchain:hex
}

// OutMessage is an outbound message of a transaction
type OutMessage struct {
	Destination string // raw form, workchain:hex
	RawBody     string // hex BOC
}
