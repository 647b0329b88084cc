package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"custody-pipeline/internal/approval"
	"custody-pipeline/internal/asset"
	xerrors "custody-pipeline/internal/errors"
	"custody-pipeline/internal/oracle"
	"custody-pipeline/internal/vault"
	"custody-pipeline/pkg/logger"
)

// CashoutConfig 控制提取阶段的风控参数。
type CashoutConfig struct {
	// Quorum 放行一笔提取所需的不同审批人数量。
	Quorum int
	// PerTransferLimitUSD 单笔上限，0 表示不限。
	PerTransferLimitUSD float64
	// DailyLimitUSD 单个目的地账户滚动 24 小时总额上限，0 表示不限。
	DailyLimitUSD float64
	MaxAttempts   int
	Backoff       time.Duration
}

func (cfg *CashoutConfig) applyDefaults() {
	if cfg.Quorum < 2 {
		cfg.Quorum = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
}

// CashoutRequest 描述一次提取请求。
type CashoutRequest struct {
	AssetID     string
	Destination string
	AmountUSD   float64
	Operator    string
}

// CashoutResult 描述一次成功的提取。
type CashoutResult struct {
	AssetID   string  `json:"asset_id"`
	Reference string  `json:"reference"`
	AmountUSD float64 `json:"amount_usd"`
}

// CashoutController 执行受控提取：审批法定人数、限额、按目的地串行化，
// 以及外部转账网关的有界重试。提取被拒不改变资产阶段，资产保持封存。
type CashoutController struct {
	store     asset.Store
	approvals approval.Store
	ledger    CashoutLedger
	vault     *vault.Vault
	gateway   oracle.TransferGateway
	cfg       CashoutConfig
	nowFn     func() time.Time

	mu    sync.Mutex
	dests map[string]*sync.Mutex
}

// NewCashoutController 构造 CashoutController。
func NewCashoutController(
	store asset.Store,
	approvals approval.Store,
	ledger CashoutLedger,
	v *vault.Vault,
	gateway oracle.TransferGateway,
	cfg CashoutConfig,
) *CashoutController {
	cfg.applyDefaults()
	return &CashoutController{
		store:     store,
		approvals: approvals,
		ledger:    ledger,
		vault:     v,
		gateway:   gateway,
		cfg:       cfg,
		nowFn:     time.Now,
		dests:     make(map[string]*sync.Mutex),
	}
}

// destLock 返回目的地专属的互斥锁，同一目的地的提取串行执行。
func (c *CashoutController) destLock(destination string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.dests[destination]
	if !ok {
		lock = &sync.Mutex{}
		c.dests[destination] = lock
	}
	return lock
}

// Cashout 执行一次提取。风控未通过时返回 TRANSFER_DENIED，资产保持封存，
// 可在补齐审批或等待限额窗口后重试。
func (c *CashoutController) Cashout(ctx context.Context, req CashoutRequest) (*CashoutResult, error) {
	if c.store == nil || c.vault == nil || c.gateway == nil || c.ledger == nil || c.approvals == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "提取控制器未初始化")
	}
	if strings.TrimSpace(req.Destination) == "" {
		return nil, xerrors.New(asset.CodeValidationFailed, "提取目的地不能为空")
	}
	if req.AmountUSD <= 0 {
		return nil, xerrors.New(asset.CodeValidationFailed, "提取金额必须为正数")
	}
	if strings.TrimSpace(req.Operator) == "" {
		return nil, xerrors.New(asset.CodeValidationFailed, "提取请求必须指明操作员")
	}

	lock := c.destLock(req.Destination)
	lock.Lock()
	defer lock.Unlock()

	record, err := c.store.Get(ctx, req.AssetID)
	if err != nil {
		return nil, err
	}
	if record.Stage != asset.StageVaulted {
		return nil, asset.ErrStageConflict
	}

	if err := c.checkGates(ctx, record, req); err != nil {
		c.recordDenial(ctx, record.ID, err)
		return nil, err
	}

	// 一次性解密出凭据送交网关，调用结束后立即清零。
	payload, err := c.vault.Retrieve(ctx, record.VaultRef, req.Operator)
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range payload {
			payload[i] = 0
		}
	}()

	receipt, err := c.transferWithRetry(ctx, record, req, payload)
	if err != nil {
		c.recordDenial(ctx, record.ID, err)
		return nil, err
	}

	now := c.nowFn().Unix()
	transfer := &Transfer{
		AssetID:     record.ID,
		Destination: req.Destination,
		AmountUSD:   req.AmountUSD,
		Reference:   receipt.Reference,
		CreatedAt:   now,
	}
	if err := c.ledger.RecordTransfer(ctx, transfer); err != nil {
		// 台账写入失败必须告警：资金已出，限额统计从此不完整。
		logger.Audit().Error("转账台账写入失败",
			slog.Any("error", err),
			slog.String("asset_id", record.ID),
			slog.String("reference", receipt.Reference),
		)
	}

	_, err = c.store.Transition(ctx, record.ID, asset.StageVaulted, asset.StageCashedOut, func(r *asset.Record) error {
		r.PurgeAfter = now
		r.Audit = append(r.Audit, asset.StageEvent{
			Stage:   asset.StageVaulted,
			Outcome: "pass",
			Actor:   req.Operator,
			Detail:  fmt.Sprintf("cashed_out ref=%s amount_usd=%.2f", receipt.Reference, req.AmountUSD),
			At:      now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Audit().Info("资产提取完成",
		slog.String("asset_id", record.ID),
		slog.String("reference", receipt.Reference),
		slog.Float64("amount_usd", req.AmountUSD),
		slog.String("operator", req.Operator),
	)
	return &CashoutResult{AssetID: record.ID, Reference: receipt.Reference, AmountUSD: req.AmountUSD}, nil
}

// checkGates 依次校验审批裁决、法定人数与限额。
func (c *CashoutController) checkGates(ctx context.Context, record *asset.Record, req CashoutRequest) error {
	approvals, err := c.approvals.ListByAsset(ctx, record.ID)
	if err != nil {
		return err
	}
	if denial, ok := approval.Denied(approvals); ok {
		return xerrors.New(asset.CodeTransferDenied,
			fmt.Sprintf("资产 %s 的提取被 %s 否决", record.ID, denial.Approver),
			xerrors.WithRetryable(false),
		)
	}
	if !approval.Satisfied(approvals, c.cfg.Quorum) {
		return xerrors.New(asset.CodeTransferDenied,
			fmt.Sprintf("资产 %s 的审批人数未达到法定数量 %d", record.ID, c.cfg.Quorum),
			xerrors.WithRetryable(false),
		)
	}
	if c.cfg.PerTransferLimitUSD > 0 && req.AmountUSD > c.cfg.PerTransferLimitUSD {
		return xerrors.New(asset.CodeTransferDenied,
			fmt.Sprintf("提取金额 %.2f 超过单笔上限 %.2f", req.AmountUSD, c.cfg.PerTransferLimitUSD),
			xerrors.WithRetryable(false),
		)
	}
	if c.cfg.DailyLimitUSD > 0 {
		since := c.nowFn().Add(-24 * time.Hour).Unix()
		total, err := c.ledger.SumSince(ctx, req.Destination, since)
		if err != nil {
			return err
		}
		if total+req.AmountUSD > c.cfg.DailyLimitUSD {
			return xerrors.New(asset.CodeTransferDenied,
				fmt.Sprintf("目的地 %s 滚动 24 小时总额 %.2f 加本笔 %.2f 超过上限 %.2f",
					req.Destination, total, req.AmountUSD, c.cfg.DailyLimitUSD),
				xerrors.WithRetryable(false),
			)
		}
	}
	return nil
}

// transferWithRetry 调用外部转账网关，对可重试错误做有界退避重试。
func (c *CashoutController) transferWithRetry(ctx context.Context, record *asset.Record, req CashoutRequest, payload []byte) (oracle.TransferReceipt, error) {
	transferReq := oracle.TransferRequest{
		AssetID:     record.ID,
		VaultRef:    record.VaultRef,
		Destination: req.Destination,
		AmountUSD:   req.AmountUSD,
		Payload:     payload,
	}
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		receipt, err := c.gateway.Transfer(ctx, transferReq)
		if err == nil {
			return receipt, nil
		}
		lastErr = err
		if !xerrors.RetryableError(err) {
			return oracle.TransferReceipt{}, err
		}
		logger.L().Warn("转账网关调用失败，准备重试",
			slog.Any("error", err),
			slog.String("asset_id", record.ID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.cfg.MaxAttempts),
		)
		select {
		case <-ctx.Done():
			return oracle.TransferReceipt{}, ctx.Err()
		case <-time.After(c.cfg.Backoff * time.Duration(attempt)):
		}
	}
	return oracle.TransferReceipt{}, xerrors.Wrap(asset.CodeGatewayFailure, lastErr,
		fmt.Sprintf("资产 %s 的转账在 %d 次尝试后仍未完成", record.ID, c.cfg.MaxAttempts))
}

// recordDenial 在资产记录上追加一条拒绝事件，阶段保持 vaulted 不变。
func (c *CashoutController) recordDenial(ctx context.Context, assetID string, cause error) {
	now := c.nowFn().Unix()
	_, err := c.store.Transition(ctx, assetID, asset.StageVaulted, asset.StageVaulted, func(r *asset.Record) error {
		r.LastError = cause.Error()
		r.ErrorCode = string(xerrors.CodeOf(cause))
		r.Audit = append(r.Audit, asset.StageEvent{
			Stage:   asset.StageVaulted,
			Outcome: "denied",
			Actor:   "cashout-controller",
			Detail:  cause.Error(),
			At:      now,
		})
		return nil
	})
	if err != nil {
		logger.L().Error("记录提取拒绝事件失败",
			slog.Any("error", err),
			slog.String("asset_id", assetID),
		)
	}
	logger.Audit().Warn("提取请求被拒绝",
		slog.String("asset_id", assetID),
		slog.String("reason", cause.Error()),
	)
}
