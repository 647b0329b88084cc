package pipeline

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"custody-pipeline/internal/approval"
	"custody-pipeline/internal/asset"
	xerrors "custody-pipeline/internal/errors"
	"custody-pipeline/pkg/logger"
)

// SubmitRequest 是外部采集源提交的原始资产。
type SubmitRequest struct {
	Kind       asset.Kind `json:"kind"`
	Payload    []byte     `json:"payload"`
	SourceTag  string     `json:"source_tag"`
	AcquiredAt int64      `json:"acquired_at,omitempty"`
}

// Service 负责资产的入库、查询与审批入口。
type Service struct {
	store           asset.Store
	producer        asset.Producer
	approvals       approval.Store
	maxRetries      int
	maxPayloadBytes int
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithMaxPayloadBytes 限制单次提交的负载大小。
func WithMaxPayloadBytes(limit int) ServiceOption {
	return func(s *Service) {
		if limit > 0 {
			s.maxPayloadBytes = limit
		}
	}
}

// NewService 构造入库服务。
func NewService(store asset.Store, producer asset.Producer, approvals approval.Store, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{
		store:           store,
		producer:        producer,
		approvals:       approvals,
		maxRetries:      maxRetries,
		maxPayloadBytes: 1 << 20,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 接收原始资产并创建处于入库阶段的记录。
// 同一指纹的活跃记录已存在时返回现有记录：入库是幂等操作，不是错误。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*asset.Record, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "入库服务未初始化")
	}
	if len(req.Payload) == 0 {
		return nil, xerrors.New(asset.CodeValidationFailed, "资产负载不能为空")
	}
	if s.maxPayloadBytes > 0 && len(req.Payload) > s.maxPayloadBytes {
		return nil, xerrors.New(asset.CodeValidationFailed, "资产负载超过大小上限")
	}
	if !asset.IsValidKind(req.Kind) {
		return nil, xerrors.New(asset.CodeValidationFailed, "不支持的资产类型")
	}
	if strings.TrimSpace(req.SourceTag) == "" {
		return nil, xerrors.New(asset.CodeValidationFailed, "缺少来源元数据")
	}

	if signal := criticalPrescreen(req.Payload); signal != "" {
		logger.Audit().Warn("入口预检拦截投毒负载",
			slog.String("source_tag", req.SourceTag),
			slog.String("signal", signal),
		)
		return nil, xerrors.New(asset.CodeThreatDetected,
			"负载命中致命特征 "+signal+"，入口拒收",
			xerrors.WithRetryable(false),
		)
	}

	fingerprint := asset.Fingerprint(req.Payload)
	if existing, err := s.store.FindActiveByFingerprint(ctx, fingerprint); err == nil {
		logger.L().Debug("重复提交，返回现有记录",
			slog.String("asset_id", existing.ID),
			slog.String("fingerprint", fingerprint),
		)
		return existing, nil
	} else if !stdErrors.Is(err, asset.ErrAssetNotFound) {
		return nil, err
	}

	record := asset.NewRecord(req.Kind, req.Payload, strings.TrimSpace(req.SourceTag), s.maxRetries)
	if req.AcquiredAt > 0 {
		record.AcquiredAt = req.AcquiredAt
	}
	record.RiskSignals = prescreenSignals(req.Payload)
	record.Audit = append(record.Audit, asset.StageEvent{
		Stage:   asset.StageAcquired,
		Outcome: "accepted",
		Actor:   "intake",
		Detail:  "fingerprint " + fingerprint,
		At:      time.Now().Unix(),
	})

	if err := s.store.Create(ctx, record); err != nil {
		if stdErrors.Is(err, asset.ErrAssetConflict) {
			// 并发提交竞争同一指纹，认领失败方返回赢家的记录。
			existing, getErr := s.store.FindActiveByFingerprint(ctx, fingerprint)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, asset.ErrAssetNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}

	if err := s.producer.Publish(ctx, record.ID); err != nil {
		logger.L().Error("资产入队失败", slog.Any("error", err), slog.String("asset_id", record.ID))
		wrapped := xerrors.Wrap(asset.CodeDispatchFailure, err, "发布资产到队列失败")
		if _, markErr := s.store.Transition(ctx, record.ID, asset.StageAcquired, asset.StageAcquired, func(r *asset.Record) error {
			r.LastError = wrapped.Error()
			r.ErrorCode = string(asset.CodeDispatchFailure)
			return nil
		}); markErr != nil {
			logger.L().Error("回写入队失败状态出错", slog.Any("error", markErr), slog.String("asset_id", record.ID))
		}
		return nil, wrapped
	}

	logger.Audit().Info("资产入库成功",
		slog.String("asset_id", record.ID),
		slog.String("fingerprint", fingerprint),
		slog.String("kind", string(record.Kind)),
		slog.String("source_tag", record.SourceTag),
		slog.Int("prescreen_signals", len(record.RiskSignals)),
	)
	return record, nil
}

// Get 返回指定资产记录。
func (s *Service) Get(ctx context.Context, id string) (*asset.Record, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "资产存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的资产列表。
func (s *Service) List(ctx context.Context, opts ...asset.ListOption) ([]*asset.Record, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "资产存储未初始化")
	}
	return s.store.List(ctx, buildOptions(opts))
}

// Stats 返回符合过滤条件的资产统计信息。
func (s *Service) Stats(ctx context.Context, opts ...asset.ListOption) (asset.PipelineStats, error) {
	if s.store == nil {
		return asset.PipelineStats{}, xerrors.New(xerrors.CodeInitializationFailure, "资产存储未初始化")
	}
	return s.store.Stats(ctx, buildOptions(opts))
}

// Approve 记录一条针对已封存资产的出库审批。
func (s *Service) Approve(ctx context.Context, assetID, approver string, decision approval.Decision, comment string) error {
	if s.store == nil || s.approvals == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "审批服务未初始化")
	}
	record, err := s.store.Get(ctx, assetID)
	if err != nil {
		return err
	}
	if record.Stage != asset.StageVaulted {
		return xerrors.New(asset.CodeStageConflict, "仅封存状态的资产可以审批出库")
	}
	if err := s.approvals.Record(ctx, &approval.Approval{
		AssetID:  assetID,
		Approver: approver,
		Decision: decision,
		Comment:  comment,
	}); err != nil {
		return err
	}
	logger.Audit().Info("出库审批已记录",
		slog.String("asset_id", assetID),
		slog.String("approver", approver),
		slog.String("decision", string(decision)),
	)
	return nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

func buildOptions(opts []asset.ListOption) asset.ListOptions {
	options := asset.ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}
