package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"custody-pipeline/internal/asset"
	xerrors "custody-pipeline/internal/errors"
	"custody-pipeline/internal/oracle"
	"custody-pipeline/pkg/logger"
)

// VerifyConfig 控制验证阶段的行为。
type VerifyConfig struct {
	// ConfidenceFloor 估值置信度下限，低于该值视为估值不可信。
	ConfidenceFloor float64
	MaxAttempts     int
	Backoff         time.Duration
	OracleTimeout   time.Duration
	PurgeRetention  time.Duration
}

func (cfg *VerifyConfig) applyDefaults() {
	if cfg.ConfidenceFloor <= 0 || cfg.ConfidenceFloor > 1 {
		cfg.ConfidenceFloor = 0.6
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = 10 * time.Second
	}
	if cfg.PurgeRetention <= 0 {
		cfg.PurgeRetention = 7 * 24 * time.Hour
	}
}

// Verifier 对通过筛查的资产做估值验证：确认资产确有价值且估值可信。
type Verifier struct {
	store  asset.Store
	values *oracle.ValueRouter
	cfg    VerifyConfig
}

// NewVerifier 构造 Verifier。
func NewVerifier(store asset.Store, values *oracle.ValueRouter, cfg VerifyConfig) *Verifier {
	cfg.applyDefaults()
	return &Verifier{store: store, values: values, cfg: cfg}
}

// Process 验证一条已筛查资产的价值。
// 估值为零或负数立即拒绝；置信度不足时按次数重试，耗尽后拒绝。
func (v *Verifier) Process(ctx context.Context, assetID string) error {
	if v.store == nil || v.values == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "验证器未初始化")
	}
	record, err := v.store.Get(ctx, assetID)
	if err != nil {
		return err
	}
	if record.Stage != asset.StageScreened {
		return asset.ErrStageConflict
	}

	valuation, appraiseErr := v.appraiseWithRetry(ctx, record)
	if appraiseErr != nil {
		return v.reject(ctx, record, "oracle_unavailable", appraiseErr)
	}

	if valuation.ValueUSD <= 0 {
		return v.reject(ctx, record, "no_value",
			xerrors.New(asset.CodeVerificationFailed,
				fmt.Sprintf("资产 %s 估值为 %.2f USD", record.ID, valuation.ValueUSD)))
	}
	if valuation.Confidence < v.cfg.ConfidenceFloor {
		return v.reject(ctx, record, "low_confidence",
			xerrors.New(asset.CodeVerificationFailed,
				fmt.Sprintf("资产 %s 估值置信度 %.2f 低于下限 %.2f",
					record.ID, valuation.Confidence, v.cfg.ConfidenceFloor)))
	}

	now := time.Now().Unix()
	_, err = v.store.Transition(ctx, record.ID, asset.StageScreened, asset.StageVerified, func(r *asset.Record) error {
		r.EstimatedValueUSD = valuation.ValueUSD
		r.ValueConfidence = valuation.Confidence
		// 重试计数只在首次筛查时清零，这里保留，
		// 反复进出隔离区的资产才能真正耗尽重试。
		r.LastError = ""
		r.ErrorCode = ""
		r.Audit = append(r.Audit, asset.StageEvent{
			Stage:   asset.StageScreened,
			Outcome: "pass",
			Actor:   "verifier",
			Detail:  fmt.Sprintf("value_usd=%.2f confidence=%.2f", valuation.ValueUSD, valuation.Confidence),
			At:      now,
		})
		return nil
	})
	if err != nil {
		return err
	}
	logger.Audit().Info("资产估值验证通过",
		slog.String("asset_id", record.ID),
		slog.Float64("value_usd", valuation.ValueUSD),
		slog.Float64("confidence", valuation.Confidence),
	)
	return nil
}

// appraiseWithRetry 调用估值服务。置信度不足与可重试错误都会触发重试，
// 重试耗尽后返回最后一次的结果或错误。
func (v *Verifier) appraiseWithRetry(ctx context.Context, record *asset.Record) (oracle.Valuation, error) {
	var (
		last    oracle.Valuation
		lastErr error
		got     bool
	)
	for attempt := 1; attempt <= v.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, v.cfg.OracleTimeout)
		valuation, err := v.values.Appraise(callCtx, record)
		cancel()
		if err == nil {
			last, got = valuation, true
			// 有价值但置信度不足时继续尝试，期望拿到更可信的估值。
			if valuation.ValueUSD <= 0 || valuation.Confidence >= v.cfg.ConfidenceFloor {
				return valuation, nil
			}
			lastErr = nil
		} else {
			lastErr = err
			if !xerrors.RetryableError(err) {
				break
			}
		}
		logger.L().Warn("估值尚未达标，准备重试",
			slog.String("asset_id", record.ID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", v.cfg.MaxAttempts),
			slog.Any("error", lastErr),
		)
		select {
		case <-ctx.Done():
			return oracle.Valuation{}, ctx.Err()
		case <-time.After(v.cfg.Backoff * time.Duration(attempt)):
		}
	}
	if got && lastErr == nil {
		return last, nil
	}
	return oracle.Valuation{}, lastErr
}

func (v *Verifier) reject(ctx context.Context, record *asset.Record, detail string, cause error) error {
	now := time.Now().Unix()
	code := asset.CodeVerificationFailed
	if detail == "oracle_unavailable" {
		code = asset.CodeOracleUnavailable
	}
	_, err := v.store.Transition(ctx, record.ID, asset.StageScreened, asset.StageRejected, func(r *asset.Record) error {
		r.ErrorCode = string(code)
		r.LastError = cause.Error()
		r.PurgeAfter = now + int64(v.cfg.PurgeRetention/time.Second)
		r.Audit = append(r.Audit, asset.StageEvent{
			Stage:   asset.StageScreened,
			Outcome: "rejected",
			Actor:   "verifier",
			Detail:  detail,
			At:      now,
		})
		return nil
	})
	if err != nil {
		return err
	}
	logger.Audit().Warn("资产验证失败已拒绝",
		slog.String("asset_id", record.ID),
		slog.String("detail", detail),
		slog.String("error", cause.Error()),
	)
	return xerrors.Wrap(code, cause, fmt.Sprintf("资产 %s 验证失败: %s", record.ID, detail))
}
