package codec

import (
	"fmt"
	"math/big"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tvm/cell"

	"github.com/smartdevs17/ton-liquidator/internal/models"
)

// maxSignatureBytes keeps the signature inside one cell next to its ref
const maxSignatureBytes = 1023 / 8

// MessageParams carries the addresses and amounts a liquidation body needs
// beyond the task itself.
type MessageParams struct {
	Master        *address.Address // protocol master contract
	BotWallet     *address.Address // response destination for jetton transfers
	ForwardAmount *big.Int         // nanotons forwarded with the jetton transfer
}

// BuildPricesCell wraps the attestation blob as a ref followed by the raw signature bits
func BuildPricesCell(pricesBOC, signature []byte) (*cell.Cell, error) {
	prices, err := cell.FromBOC(pricesBOC)
	if err != nil {
		return nil, fmt.Errorf("prices cell: %w", err)
	}
	if len(signature) == 0 {
		return nil, fmt.Errorf("signature is empty")
	}
	if len(signature) > maxSignatureBytes {
		return nil, fmt.Errorf("signature is %d bytes, max %d", len(signature), maxSignatureBytes)
	}

	b := cell.BeginCell()
	if err := b.StoreRef(prices); err != nil {
		return nil, err
	}
	if err := b.StoreSlice(signature, uint(len(signature)*8)); err != nil {
		return nil, err
	}
	return b.EndCell(), nil
}

// BuildBaseLiquidationBody builds the body sent to the master when repaying in the base asset
func BuildBaseLiquidationBody(task *models.LiquidationTask, pricesCell *cell.Cell) (*cell.Cell, error) {
	wallet, err := ParseAddress(task.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("wallet address: %w", err)
	}
	if task.CollateralAsset == nil || task.MinCollateralAmount == nil {
		return nil, fmt.Errorf("collateral asset and minimum amount are required")
	}
	if !task.MinCollateralAmount.IsUint64() {
		return nil, fmt.Errorf("min collateral amount %s does not fit 64 bits", task.MinCollateralAmount)
	}

	b := cell.BeginCell()
	if err := b.StoreUInt(uint64(OpLiquidate), 32); err != nil {
		return nil, err
	}
	if err := b.StoreUInt(task.QueryID, 64); err != nil {
		return nil, err
	}
	if err := b.StoreAddr(wallet); err != nil {
		return nil, err
	}
	if err := b.StoreBigUInt(task.CollateralAsset, 256); err != nil {
		return nil, fmt.Errorf("collateral asset: %w", err)
	}
	if err := b.StoreUInt(task.MinCollateralAmount.Uint64(), 64); err != nil {
		return nil, err
	}
	// include-prices marker, all ones
	if err := b.StoreInt(-1, 2); err != nil {
		return nil, err
	}
	if err := b.StoreRef(pricesCell); err != nil {
		return nil, err
	}
	return b.EndCell(), nil
}

// BuildTokenLiquidationBody wraps the base body in a jetton transfer to the master
func BuildTokenLiquidationBody(task *models.LiquidationTask, pricesCell *cell.Cell, params MessageParams) (*cell.Cell, error) {
	if params.Master == nil || params.BotWallet == nil {
		return nil, fmt.Errorf("master and bot wallet addresses are required")
	}
	if params.ForwardAmount == nil {
		return nil, fmt.Errorf("forward amount is required")
	}

	inner, err := BuildBaseLiquidationBody(task, pricesCell)
	if err != nil {
		return nil, err
	}

	b := cell.BeginCell()
	if err := b.StoreUInt(uint64(OpJettonTransfer), 32); err != nil {
		return nil, err
	}
	if err := b.StoreUInt(task.QueryID, 64); err != nil {
		return nil, err
	}
	if err := b.StoreBigCoins(task.LiquidationAmount); err != nil {
		return nil, fmt.Errorf("liquidation amount: %w", err)
	}
	if err := b.StoreAddr(params.Master); err != nil {
		return nil, err
	}
	if err := b.StoreAddr(params.BotWallet); err != nil {
		return nil, err
	}
	// no custom payload
	if err := b.StoreBoolBit(false); err != nil {
		return nil, err
	}
	if err := b.StoreBigCoins(params.ForwardAmount); err != nil {
		return nil, fmt.Errorf("forward amount: %w", err)
	}
	// forward payload follows as a ref
	if err := b.StoreBoolBit(true); err != nil {
		return nil, err
	}
	if err := b.StoreRef(inner); err != nil {
		return nil, err
	}
	return b.EndCell(), nil
}

// EncodeLiquidationMessage builds the outgoing body for task according to the loan asset kind
func EncodeLiquidationMessage(task *models.LiquidationTask, kind models.AssetKind, params MessageParams) (*cell.Cell, error) {
	if task.LiquidationAmount == nil || task.LiquidationAmount.Sign() <= 0 {
		return nil, fmt.Errorf("liquidation amount must be positive")
	}

	pricesCell, err := BuildPricesCell(task.PricesCell, task.Signature)
	if err != nil {
		return nil, err
	}

	switch kind {
	case models.AssetKindBase:
		return BuildBaseLiquidationBody(task, pricesCell)
	case models.AssetKindJetton:
		return BuildTokenLiquidationBody(task, pricesCell, params)
	default:
		return nil, fmt.Errorf("unknown asset kind %q", kind)
	}
}
