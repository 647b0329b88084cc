package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"custody-pipeline/internal/asset"
	xerrors "custody-pipeline/internal/errors"
	"custody-pipeline/internal/oracle"
	"custody-pipeline/pkg/logger"
)

// HoldConfig 控制定时持有阶段的行为。
type HoldConfig struct {
	// Duration 资产进入持有阶段后必须静置的时长。
	Duration time.Duration
	// CheckInterval 持有期内周期性复查的间隔。
	CheckInterval time.Duration
	// AnomalyTolerance 估值允许的相对偏差，超出即判定异常。
	// 0.2 表示复查估值偏离入库估值超过 20% 触发隔离。
	AnomalyTolerance float64
	OracleTimeout    time.Duration
	// MonitorBatch 每轮监控最多处理的到期资产数。
	MonitorBatch int
}

func (cfg *HoldConfig) applyDefaults() {
	if cfg.Duration <= 0 {
		cfg.Duration = 72 * time.Hour
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Hour
	}
	if cfg.AnomalyTolerance <= 0 {
		cfg.AnomalyTolerance = 0.2
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = 10 * time.Second
	}
	if cfg.MonitorBatch <= 0 {
		cfg.MonitorBatch = 32
	}
}

// HoldingVault 管理资产的定时持有期：入仓、周期复查、异常隔离与到期放行。
// 持有计时完全落在存储层的 HoldUntil/NextCheckAt 字段上，进程重启后监控
// 循环从存储恢复，不依赖内存中的定时器。
type HoldingVault struct {
	store    asset.Store
	values   *oracle.ValueRouter
	producer asset.Producer
	cfg      HoldConfig
	nowFn    func() time.Time
}

// NewHoldingVault 构造 HoldingVault。
func NewHoldingVault(store asset.Store, values *oracle.ValueRouter, producer asset.Producer, cfg HoldConfig) *HoldingVault {
	cfg.applyDefaults()
	return &HoldingVault{store: store, values: values, producer: producer, cfg: cfg, nowFn: time.Now}
}

// Begin 将已验证资产转入持有阶段并登记计时字段。
func (h *HoldingVault) Begin(ctx context.Context, assetID string) error {
	if h.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "持有仓未初始化")
	}
	now := h.nowFn().Unix()
	holdUntil := now + int64(h.cfg.Duration/time.Second)
	nextCheck := now + int64(h.cfg.CheckInterval/time.Second)
	if nextCheck > holdUntil {
		nextCheck = holdUntil
	}
	_, err := h.store.Transition(ctx, assetID, asset.StageVerified, asset.StageHolding, func(r *asset.Record) error {
		if r.EstimatedValueUSD <= 0 {
			return xerrors.New(asset.CodeValidationFailed,
				fmt.Sprintf("资产 %s 缺少有效估值，无法进入持有阶段", r.ID))
		}
		r.HoldStartedAt = now
		r.HoldUntil = holdUntil
		r.NextCheckAt = nextCheck
		r.Audit = append(r.Audit, asset.StageEvent{
			Stage:   asset.StageVerified,
			Outcome: "pass",
			Actor:   "holding-vault",
			Detail:  fmt.Sprintf("hold_until=%d", holdUntil),
			At:      now,
		})
		return nil
	})
	if err != nil {
		return err
	}
	logger.Audit().Info("资产进入持有阶段",
		slog.String("asset_id", assetID),
		slog.Int64("hold_until", holdUntil),
	)
	return nil
}

// RunMonitor 周期轮询到期复查的持有资产，直到 ctx 取消。
func (h *HoldingVault) RunMonitor(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *HoldingVault) sweep(ctx context.Context) {
	due, err := h.store.DueForCheck(ctx, h.nowFn().Unix(), h.cfg.MonitorBatch)
	if err != nil {
		logger.L().Error("扫描到期复查资产失败", slog.Any("error", err))
		return
	}
	for _, record := range due {
		err := h.CheckOne(ctx, record.ID)
		if err == nil || asset.IsLifecycleError(err) {
			continue
		}
		// 隔离本身是复查的正常结论，已在转移时记过审计。
		if xerrors.CodeOf(err) == asset.CodeHoldAnomaly {
			continue
		}
		logger.L().Error("持有期复查失败",
			slog.Any("error", err),
			slog.String("asset_id", record.ID),
		)
	}
}

// CheckOne 复查一条持有中的资产：到期则放行，估值异常则隔离，
// 否则仅推进下一次复查时间。
func (h *HoldingVault) CheckOne(ctx context.Context, assetID string) error {
	record, err := h.store.Get(ctx, assetID)
	if err != nil {
		return err
	}
	if record.Stage != asset.StageHolding {
		return asset.ErrStageConflict
	}
	now := h.nowFn().Unix()

	if anomaly, detail := h.detectAnomaly(ctx, record); anomaly {
		return h.quarantine(ctx, record, detail, now)
	}

	if now >= record.HoldUntil {
		return h.complete(ctx, record, "hold_elapsed", "holding-vault", now)
	}

	nextCheck := now + int64(h.cfg.CheckInterval/time.Second)
	if nextCheck > record.HoldUntil {
		nextCheck = record.HoldUntil
	}
	_, err = h.store.Transition(ctx, record.ID, asset.StageHolding, asset.StageHolding, func(r *asset.Record) error {
		r.NextCheckAt = nextCheck
		return nil
	})
	return err
}

// ReleaseHold 由操作员提前结束持有期。
func (h *HoldingVault) ReleaseHold(ctx context.Context, assetID, operator string) error {
	if operator == "" {
		return xerrors.New(asset.CodeValidationFailed, "提前放行必须指明操作员")
	}
	record, err := h.store.Get(ctx, assetID)
	if err != nil {
		return err
	}
	if record.Stage != asset.StageHolding {
		return asset.ErrStageConflict
	}
	return h.complete(ctx, record, "operator_release", operator, h.nowFn().Unix())
}

// detectAnomaly 重新估值并与入库估值比较，偏差超过容忍度即为异常。
// 估值服务临时不可用不算异常，等下一轮复查再看。
func (h *HoldingVault) detectAnomaly(ctx context.Context, record *asset.Record) (bool, string) {
	if h.values == nil {
		return false, ""
	}
	callCtx, cancel := context.WithTimeout(ctx, h.cfg.OracleTimeout)
	valuation, err := h.values.Appraise(callCtx, record)
	cancel()
	if err != nil {
		logger.L().Warn("持有期复查估值失败，跳过本轮异常判定",
			slog.Any("error", err),
			slog.String("asset_id", record.ID),
		)
		return false, ""
	}
	baseline := record.EstimatedValueUSD
	if baseline <= 0 {
		return false, ""
	}
	deviation := math.Abs(valuation.ValueUSD-baseline) / baseline
	if deviation > h.cfg.AnomalyTolerance {
		return true, fmt.Sprintf("value_deviation baseline=%.2f current=%.2f deviation=%.2f",
			baseline, valuation.ValueUSD, deviation)
	}
	return false, ""
}

func (h *HoldingVault) quarantine(ctx context.Context, record *asset.Record, detail string, now int64) error {
	updated, err := h.store.Transition(ctx, record.ID, asset.StageHolding, asset.StageQuarantineFailed, func(r *asset.Record) error {
		r.ErrorCode = string(asset.CodeHoldAnomaly)
		r.LastError = detail
		r.Attempts++
		r.HoldStartedAt = 0
		r.HoldUntil = 0
		r.NextCheckAt = 0
		r.Audit = append(r.Audit, asset.StageEvent{
			Stage:   asset.StageHolding,
			Outcome: "quarantined",
			Actor:   "holding-vault",
			Detail:  detail,
			At:      now,
		})
		return nil
	})
	if err != nil {
		return err
	}
	logger.Audit().Warn("持有期检出异常，资产转入隔离区",
		slog.String("asset_id", record.ID),
		slog.String("detail", detail),
		slog.Int("attempts", updated.Attempts),
	)
	// 复筛保留重试计数，隔离次数耗尽后不再自动复筛，
	// 等待人工介入或恢复扫描。
	if updated.Attempts >= updated.MaxRetries {
		logger.Audit().Warn("资产隔离次数耗尽，停止自动复筛",
			slog.String("asset_id", record.ID),
			slog.Int("attempts", updated.Attempts),
		)
	} else {
		h.republish(ctx, record.ID)
	}
	return xerrors.New(asset.CodeHoldAnomaly,
		fmt.Sprintf("资产 %s 持有期异常：%s", record.ID, detail))
}

func (h *HoldingVault) complete(ctx context.Context, record *asset.Record, detail, actor string, now int64) error {
	_, err := h.store.Transition(ctx, record.ID, asset.StageHolding, asset.StageHoldComplete, func(r *asset.Record) error {
		r.NextCheckAt = 0
		r.Audit = append(r.Audit, asset.StageEvent{
			Stage:   asset.StageHolding,
			Outcome: "pass",
			Actor:   actor,
			Detail:  detail,
			At:      now,
		})
		return nil
	})
	if err != nil {
		return err
	}
	logger.Audit().Info("资产持有期结束",
		slog.String("asset_id", record.ID),
		slog.String("detail", detail),
		slog.String("actor", actor),
	)
	h.republish(ctx, record.ID)
	return nil
}

func (h *HoldingVault) republish(ctx context.Context, assetID string) {
	if h.producer == nil {
		return
	}
	if err := h.producer.Publish(ctx, assetID); err != nil {
		logger.L().Error("重新投递资产失败，等待恢复扫描接管",
			slog.Any("error", err),
			slog.String("asset_id", assetID),
		)
	}
}
