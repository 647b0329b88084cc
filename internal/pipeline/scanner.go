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

// ScanConfig 控制风险筛查阶段的行为。
type ScanConfig struct {
	// RejectThreshold 0-100，风险分数达到该值即拒绝。
	RejectThreshold int
	// LocalSignalWeight 每个入库预检信号对分数的附加贡献。
	LocalSignalWeight int
	MaxAttempts       int
	Backoff           time.Duration
	OracleTimeout     time.Duration
	// PurgeRetention 拒绝后负载的保留时长，到期清除。
	PurgeRetention time.Duration
}

func (cfg *ScanConfig) applyDefaults() {
	if cfg.RejectThreshold <= 0 || cfg.RejectThreshold > 100 {
		cfg.RejectThreshold = 70
	}
	if cfg.LocalSignalWeight < 0 {
		cfg.LocalSignalWeight = 0
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

// RiskScanner 消费入库阶段的资产，委托威胁检测服务给出风险分数。
// 检测服务不可用时按 fail-closed 原则拒绝资产，绝不放行。
type RiskScanner struct {
	store  asset.Store
	threat oracle.ThreatOracle
	cfg    ScanConfig
}

// NewRiskScanner 构造 RiskScanner。
func NewRiskScanner(store asset.Store, threat oracle.ThreatOracle, cfg ScanConfig) *RiskScanner {
	cfg.applyDefaults()
	return &RiskScanner{store: store, threat: threat, cfg: cfg}
}

// Process 筛查一条入库阶段的资产。
func (s *RiskScanner) Process(ctx context.Context, assetID string) error {
	return s.screen(ctx, assetID, asset.StageAcquired)
}

// Rescreen 对隔离区中的资产重新筛查。
func (s *RiskScanner) Rescreen(ctx context.Context, assetID string) error {
	return s.screen(ctx, assetID, asset.StageQuarantineFailed)
}

func (s *RiskScanner) screen(ctx context.Context, assetID string, from asset.Stage) error {
	if s.store == nil || s.threat == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "风险筛查器未初始化")
	}
	record, err := s.store.Get(ctx, assetID)
	if err != nil {
		return err
	}
	if record.Stage != from {
		return asset.ErrStageConflict
	}

	verdict, inspectErr := s.inspectWithRetry(ctx, record)
	if inspectErr != nil {
		return s.rejectOracleUnavailable(ctx, record, from, inspectErr)
	}

	score := verdict.Score + s.cfg.LocalSignalWeight*len(record.RiskSignals)
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	signals := mergeSignals(record.RiskSignals, verdict.Signals)

	now := time.Now().Unix()
	if score >= s.cfg.RejectThreshold {
		_, err := s.store.Transition(ctx, record.ID, from, asset.StageRejected, func(r *asset.Record) error {
			r.RiskScore = score
			r.RiskSignals = signals
			r.ErrorCode = string(asset.CodeThreatDetected)
			r.LastError = fmt.Sprintf("risk score %d >= threshold %d", score, s.cfg.RejectThreshold)
			r.PurgeAfter = now + int64(s.cfg.PurgeRetention/time.Second)
			r.Audit = append(r.Audit, asset.StageEvent{
				Stage:   from,
				Outcome: "rejected",
				Actor:   "risk-scanner",
				Detail:  fmt.Sprintf("threat_detected score=%d", score),
				At:      now,
			})
			return nil
		})
		if err != nil {
			return err
		}
		logger.Audit().Warn("资产因威胁拒绝",
			slog.String("asset_id", record.ID),
			slog.Int("risk_score", score),
			slog.Int("threshold", s.cfg.RejectThreshold),
		)
		return xerrors.New(asset.CodeThreatDetected,
			fmt.Sprintf("资产 %s 风险分数 %d 达到拒绝阈值", record.ID, score))
	}

	_, err = s.store.Transition(ctx, record.ID, from, asset.StageScreened, func(r *asset.Record) error {
		r.RiskScore = score
		r.RiskSignals = signals
		// 只有首次筛查清零重试计数。复筛保留计数，让反复异常的
		// 资产最终耗尽重试而不是无限循环。
		if from == asset.StageAcquired {
			r.Attempts = 0
		}
		r.LastError = ""
		r.ErrorCode = ""
		r.Audit = append(r.Audit, asset.StageEvent{
			Stage:   from,
			Outcome: "pass",
			Actor:   "risk-scanner",
			Detail:  fmt.Sprintf("score=%d", score),
			At:      now,
		})
		return nil
	})
	if err != nil {
		return err
	}
	logger.Audit().Info("资产通过风险筛查",
		slog.String("asset_id", record.ID),
		slog.Int("risk_score", score),
	)
	return nil
}

// inspectWithRetry 带退避地调用威胁检测服务，只对可重试错误重试。
func (s *RiskScanner) inspectWithRetry(ctx context.Context, record *asset.Record) (oracle.ThreatVerdict, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.OracleTimeout)
		verdict, err := s.threat.Inspect(callCtx, record)
		cancel()
		if err == nil {
			return verdict, nil
		}
		lastErr = err
		if !xerrors.RetryableError(err) {
			break
		}
		logger.L().Warn("威胁检测调用失败，准备重试",
			slog.Any("error", err),
			slog.String("asset_id", record.ID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.cfg.MaxAttempts),
		)
		select {
		case <-ctx.Done():
			return oracle.ThreatVerdict{}, ctx.Err()
		case <-time.After(s.cfg.Backoff * time.Duration(attempt)):
		}
	}
	return oracle.ThreatVerdict{}, lastErr
}

// rejectOracleUnavailable 在检测服务耗尽重试后按 fail-closed 拒绝资产。
func (s *RiskScanner) rejectOracleUnavailable(ctx context.Context, record *asset.Record, from asset.Stage, cause error) error {
	now := time.Now().Unix()
	_, err := s.store.Transition(ctx, record.ID, from, asset.StageRejected, func(r *asset.Record) error {
		r.ErrorCode = string(asset.CodeOracleUnavailable)
		r.LastError = cause.Error()
		r.PurgeAfter = now + int64(s.cfg.PurgeRetention/time.Second)
		r.Audit = append(r.Audit, asset.StageEvent{
			Stage:   from,
			Outcome: "rejected",
			Actor:   "risk-scanner",
			Detail:  "oracle_unavailable",
			At:      now,
		})
		return nil
	})
	if err != nil {
		return err
	}
	logger.Audit().Error("威胁检测服务不可用，资产已拒绝",
		slog.String("asset_id", record.ID),
		slog.String("error", cause.Error()),
	)
	return xerrors.Wrap(asset.CodeOracleUnavailable, cause,
		fmt.Sprintf("资产 %s 因检测服务不可用被拒绝", record.ID))
}

func mergeSignals(local, remote []string) []string {
	seen := make(map[string]struct{}, len(local)+len(remote))
	merged := make([]string, 0, len(local)+len(remote))
	for _, signal := range append(append([]string(nil), local...), remote...) {
		if _, ok := seen[signal]; ok {
			continue
		}
		seen[signal] = struct{}{}
		merged = append(merged, signal)
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}
