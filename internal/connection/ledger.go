package connection

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"github.com/xssnick/tonutils-go/tvm/cell"

	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

const (
	getUserStateMethod  = "getAllUserScData"
	getWalletDataMethod = "get_wallet_data"
)

// Ledger reads contract state and submits messages from the bot wallet
type Ledger struct {
	manager Manager
	wallet  *wallet.Wallet
	logger  *logrus.Entry
}

// NewLedger opens the bot wallet on top of a connected manager
func NewLedger(manager Manager, mnemonic string) (*Ledger, error) {
	api, err := manager.API()
	if err != nil {
		return nil, err
	}

	w, err := wallet.FromSeed(api, strings.Fields(mnemonic), wallet.V4R2)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Failed to open bot wallet", err.Error())
	}

	l := &Ledger{
		manager: manager,
		wallet:  w,
		logger:  utils.ComponentLogger("ledger"),
	}
	l.logger.WithField("wallet", w.WalletAddress().String()).Info("Bot wallet opened")
	return l, nil
}

// WalletAddress returns the bot wallet address
func (l *Ledger) WalletAddress() *address.Address {
	return l.wallet.WalletAddress()
}

// ReadUserState runs the account contract's state getter and returns its raw stack
func (l *Ledger) ReadUserState(ctx context.Context, contract *address.Address) ([]any, error) {
	res, err := l.runGetMethod(ctx, contract, getUserStateMethod)
	if err != nil {
		return nil, err
	}
	return res.AsTuple(), nil
}

// BaseBalance returns the bot wallet balance in nano units of the native coin
func (l *Ledger) BaseBalance(ctx context.Context) (*big.Int, error) {
	api, err := l.manager.API()
	if err != nil {
		return nil, err
	}

	block, err := api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, classifyLiteError("masterchain info", err)
	}

	account, err := api.GetAccount(ctx, block, l.wallet.WalletAddress())
	if err != nil {
		return nil, classifyLiteError("get account", err)
	}
	if account.State == nil {
		return new(big.Int), nil
	}
	return account.State.Balance.Nano(), nil
}

// JettonBalance returns the balance held by one of the bot's jetton wallets
func (l *Ledger) JettonBalance(ctx context.Context, jettonWallet *address.Address) (*big.Int, error) {
	res, err := l.runGetMethod(ctx, jettonWallet, getWalletDataMethod)
	if err != nil {
		return nil, err
	}
	balance, err := res.Int(0)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDecode, "Unexpected jetton wallet data", err.Error())
	}
	return balance, nil
}

// Send submits an internal message from the bot wallet, paying fees separately
func (l *Ledger) Send(ctx context.Context, to *address.Address, amount *big.Int, body *cell.Cell) error {
	msg := &wallet.Message{
		Mode: wallet.PayGasSeparately,
		InternalMessage: &tlb.InternalMessage{
			IHRDisabled: true,
			Bounce:      true,
			DstAddr:     to,
			Amount:      tlb.FromNanoTON(amount),
			Body:        body,
		},
	}

	if err := l.wallet.Send(ctx, msg, false); err != nil {
		return classifyLiteError("send message", err)
	}
	return nil
}

func (l *Ledger) runGetMethod(ctx context.Context, addr *address.Address, method string) (*ton.ExecutionResult, error) {
	api, err := l.manager.API()
	if err != nil {
		return nil, err
	}

	block, err := api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, classifyLiteError("masterchain info", err)
	}

	res, err := api.RunGetMethod(ctx, block, addr, method)
	if err != nil {
		return nil, classifyGetMethodError(method, err)
	}
	return res, nil
}

func classifyGetMethodError(method string, err error) error {
	var execErr ton.ContractExecError
	if errors.As(err, &execErr) {
		return &ExitCodeError{Method: method, Code: execErr.Code}
	}
	var execErrPtr *ton.ContractExecError
	if errors.As(err, &execErrPtr) {
		return &ExitCodeError{Method: method, Code: execErrPtr.Code}
	}
	return classifyLiteError(fmt.Sprintf("run %s", method), err)
}

// classifyLiteError marks transport failures as transient. Everything else,
// lite server rejections included, propagates as a plain error.
func classifyLiteError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isTransportError(err) {
		return Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
