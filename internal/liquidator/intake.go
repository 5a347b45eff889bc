package liquidator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/ton-liquidator/internal/codec"
	"github.com/smartdevs17/ton-liquidator/internal/models"
	"github.com/smartdevs17/ton-liquidator/internal/storage"
	"github.com/smartdevs17/ton-liquidator/pkg/utils"
)

var (
	// ErrDuplicateTask is returned when the wallet already has a fresh task
	ErrDuplicateTask = errors.New("wallet already has an active liquidation task")
	// ErrDuplicateQueryID is returned when the query id is taken
	ErrDuplicateQueryID = errors.New("query id already used")
	// ErrBlacklisted is returned for accounts excluded from liquidation
	ErrBlacklisted = errors.New("account is blacklisted")
)

// maxCoinsBits is the width of a VarUInteger 16 amount
const maxCoinsBits = 120

// TaskRequest is a liquidation opportunity produced by the risk engine
type TaskRequest struct {
	QueryID             uint64 // generated when zero
	WalletAddress       string
	ContractAddress     string
	LoanAsset           *big.Int
	CollateralAsset     *big.Int
	LiquidationAmount   *big.Int
	MinCollateralAmount *big.Int
	PricesCell          []byte
	Signature           []byte
}

// Intake validates task requests and stores them as pending tasks
type Intake struct {
	storage  storage.Storage
	registry *models.AssetRegistry
	windows  models.DedupWindows
	testnet  bool
	logger   *logrus.Entry
	now      func() time.Time
}

// NewIntake creates a task intake
func NewIntake(store storage.Storage, registry *models.AssetRegistry, windows models.DedupWindows, testnet bool) *Intake {
	return &Intake{
		storage:  store,
		registry: registry,
		windows:  windows,
		testnet:  testnet,
		logger:   utils.ComponentLogger("intake"),
		now:      time.Now,
	}
}

// Submit validates req and creates a pending task
func (in *Intake) Submit(ctx context.Context, req TaskRequest) (*models.LiquidationTask, error) {
	task, err := in.build(req)
	if err != nil {
		return nil, err
	}

	account, err := in.storage.GetAccount(ctx, task.ContractAddress)
	if err != nil {
		return nil, err
	}
	if account != nil && account.State == models.AccountStateBlacklisted {
		return nil, ErrBlacklisted
	}

	existing, err := in.storage.GetTaskByQueryID(ctx, task.QueryID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrDuplicateQueryID
	}

	created, err := in.storage.CreateTask(ctx, task, in.windows)
	if errors.Is(err, storage.ErrQueryIDTaken) {
		// lost a race with a concurrent submission using the same query id
		return nil, ErrDuplicateQueryID
	}
	if err != nil {
		return nil, err
	}
	if !created {
		in.logger.WithField("wallet", task.WalletAddress).Debug("Task deduplicated")
		return nil, ErrDuplicateTask
	}

	in.logger.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"query_id": task.QueryID,
		"wallet":   task.WalletAddress,
	}).Info("Liquidation task created")
	return task, nil
}

func (in *Intake) build(req TaskRequest) (*models.LiquidationTask, error) {
	wallet, err := codec.NormalizeAddress(req.WalletAddress, in.testnet)
	if err != nil {
		return nil, invalid("wallet_address", err.Error())
	}
	contract, err := codec.NormalizeAddress(req.ContractAddress, in.testnet)
	if err != nil {
		return nil, invalid("contract_address", err.Error())
	}

	if _, ok := in.registry.Lookup(req.LoanAsset); !ok {
		return nil, invalid("loan_asset", "unknown asset")
	}
	if _, ok := in.registry.Lookup(req.CollateralAsset); !ok {
		return nil, invalid("collateral_asset", "unknown asset")
	}
	if req.LoanAsset.Cmp(req.CollateralAsset) == 0 {
		return nil, invalid("collateral_asset", "must differ from the loan asset")
	}

	if req.LiquidationAmount == nil || req.LiquidationAmount.Sign() <= 0 {
		return nil, invalid("liquidation_amount", "must be positive")
	}
	if req.LiquidationAmount.BitLen() > maxCoinsBits {
		return nil, invalid("liquidation_amount", "too large")
	}
	if req.MinCollateralAmount == nil || req.MinCollateralAmount.Sign() < 0 || !req.MinCollateralAmount.IsUint64() {
		return nil, invalid("min_collateral_amount", "must fit an unsigned 64-bit integer")
	}

	if _, err := codec.BuildPricesCell(req.PricesCell, req.Signature); err != nil {
		return nil, invalid("prices_cell", err.Error())
	}

	queryID := req.QueryID
	if queryID == 0 {
		queryID = newQueryID()
	}

	now := in.now()
	return &models.LiquidationTask{
		QueryID:             queryID,
		WalletAddress:       wallet,
		ContractAddress:     contract,
		LoanAsset:           new(big.Int).Set(req.LoanAsset),
		CollateralAsset:     new(big.Int).Set(req.CollateralAsset),
		LiquidationAmount:   new(big.Int).Set(req.LiquidationAmount),
		MinCollateralAmount: new(big.Int).Set(req.MinCollateralAmount),
		PricesCell:          req.PricesCell,
		Signature:           req.Signature,
		CreatedAt:           now,
		UpdatedAt:           now,
		State:               models.TaskStatePending,
	}, nil
}

// newQueryID derives a non-zero 63-bit id from a random uuid
func newQueryID() uint64 {
	id := uuid.New()
	q := binary.BigEndian.Uint64(id[:8]) >> 1
	if q == 0 {
		q = 1
	}
	return q
}

func invalid(field, reason string) error {
	return utils.NewAppError(utils.ErrCodeValidation, fmt.Sprintf("Invalid %s", field), reason)
}
