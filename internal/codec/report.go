package codec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/xssnick/tonutils-go/tvm/cell"
)

var (
	ErrUnexpectedReportOpcode = errors.New("unexpected report opcode")
	ErrMalformedReport        = errors.New("malformed liquidation report")
)

// DecodeLiquidationReport reads the query id out of a liquidation report body.
// Layout: version (coins), maybe-ref upgrade info, int2 upgrade exec,
// uint32 opcode, uint64 query id.
func DecodeLiquidationReport(body *cell.Cell) (uint64, error) {
	if body == nil {
		return 0, fmt.Errorf("%w: empty body", ErrMalformedReport)
	}
	s := body.BeginParse()

	if _, err := s.LoadBigCoins(); err != nil {
		return 0, fmt.Errorf("%w: version: %v", ErrMalformedReport, err)
	}
	if _, err := s.LoadMaybeRef(); err != nil {
		return 0, fmt.Errorf("%w: upgrade info: %v", ErrMalformedReport, err)
	}
	if _, err := s.LoadInt(2); err != nil {
		return 0, fmt.Errorf("%w: upgrade exec: %v", ErrMalformedReport, err)
	}

	op, err := s.LoadUInt(32)
	if err != nil {
		return 0, fmt.Errorf("%w: opcode: %v", ErrMalformedReport, err)
	}
	if uint32(op) != OpLiquidationSatisfied {
		return 0, fmt.Errorf("%w: 0x%x", ErrUnexpectedReportOpcode, op)
	}

	queryID, err := s.LoadUInt(64)
	if err != nil {
		return 0, fmt.Errorf("%w: query id: %v", ErrMalformedReport, err)
	}
	return queryID, nil
}

// DecodeLiquidationReportHex decodes a hex-encoded BOC report body
func DecodeLiquidationReportHex(rawBody string) (uint64, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(rawBody, "0x"))
	if err != nil {
		return 0, fmt.Errorf("%w: hex: %v", ErrMalformedReport, err)
	}
	body, err := cell.FromBOC(data)
	if err != nil {
		return 0, fmt.Errorf("%w: boc: %v", ErrMalformedReport, err)
	}
	return DecodeLiquidationReport(body)
}
