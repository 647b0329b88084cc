package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"custody-pipeline/internal/asset"
	xerrors "custody-pipeline/internal/errors"
	"custody-pipeline/internal/observability/alerting"
	"custody-pipeline/pkg/logger"
)

// StageHandler 处理某一管线阶段的资产。
type StageHandler interface {
	Process(ctx context.Context, assetID string) error
}

// Processor 从队列消费资产并按当前阶段派发给对应的处理器。
// 阶段推进写在存储层，消息只携带资产 ID，重复投递是无害的。
type Processor struct {
	store       asset.Store
	consumer    asset.Consumer
	producer    asset.Producer
	scanner     *RiskScanner
	verifier    *Verifier
	holding     *HoldingVault
	sealer      *Sealer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(
	store asset.Store,
	consumer asset.Consumer,
	producer asset.Producer,
	scanner *RiskScanner,
	verifier *Verifier,
	holding *HoldingVault,
	sealer *Sealer,
	opts ...ProcessorOption,
) *Processor {
	p := &Processor{
		store:       store,
		consumer:    consumer,
		producer:    producer,
		scanner:     scanner,
		verifier:    verifier,
		holding:     holding,
		sealer:      sealer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动消费循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置资产消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// Recover 把所有停留在可推进阶段的资产重新投递，用于进程重启后续跑。
func (p *Processor) Recover(ctx context.Context) error {
	if p.store == nil || p.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	pending := []asset.Stage{
		asset.StageAcquired,
		asset.StageScreened,
		asset.StageVerified,
		asset.StageQuarantineFailed,
		asset.StageHoldComplete,
	}
	const pageSize = 100
	requeued := 0
	for offset := 0; ; offset += pageSize {
		records, err := p.store.List(ctx, buildOptions([]asset.ListOption{
			asset.WithStages(pending...),
			asset.WithLimit(pageSize),
			asset.WithOffset(offset),
		}))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描待恢复资产失败")
		}
		for _, record := range records {
			if err := p.producer.Publish(ctx, record.ID); err != nil {
				logger.L().Error("恢复投递失败",
					slog.Any("error", err),
					slog.String("asset_id", record.ID),
					slog.String("stage", string(record.Stage)),
				)
				continue
			}
			requeued++
			p.logDebug("资产已恢复投递",
				slog.String("asset_id", record.ID),
				slog.String("stage", string(record.Stage)),
			)
		}
		if len(records) < pageSize {
			break
		}
	}
	if requeued > 0 {
		logger.L().Info("启动恢复扫描完成", slog.Int("requeued", requeued))
	}
	return nil
}

func (p *Processor) handle(ctx context.Context, assetID string) error {
	if p.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	record, err := p.store.Get(ctx, assetID)
	if err != nil {
		if asset.IsLifecycleError(err) {
			p.logDebug("跳过资产", slog.String("asset_id", assetID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("读取资产失败", slog.Any("error", err), slog.String("asset_id", assetID))
		return err
	}

	var (
		handleErr error
		chained   bool
	)
	switch record.Stage {
	case asset.StageAcquired:
		handleErr = p.scanner.Process(ctx, assetID)
		chained = true
	case asset.StageQuarantineFailed:
		handleErr = p.scanner.Rescreen(ctx, assetID)
		chained = true
	case asset.StageScreened:
		handleErr = p.verifier.Process(ctx, assetID)
		chained = true
	case asset.StageVerified:
		// 持有阶段由监控循环按 NextCheckAt 推进，入仓后不再投递。
		handleErr = p.holding.Begin(ctx, assetID)
	case asset.StageHoldComplete:
		handleErr = p.sealer.Process(ctx, assetID)
	default:
		// holding 由监控循环驱动，vaulted 的提取由 API 触发，终态不再处理。
		p.logDebug("阶段无需派发",
			slog.String("asset_id", assetID),
			slog.String("stage", string(record.Stage)),
		)
		return nil
	}

	if handleErr == nil {
		if chained {
			if pubErr := p.producer.Publish(ctx, assetID); pubErr != nil {
				return xerrors.Wrap(asset.CodeDispatchFailure, pubErr,
					fmt.Sprintf("资产 %s 阶段推进后重投失败", assetID))
			}
		}
		return nil
	}
	return p.handleFailure(ctx, record, handleErr)
}

func (p *Processor) handleFailure(ctx context.Context, record *asset.Record, cause error) error {
	// 阶段处理器内部已把业务性失败落成 rejected/quarantine 等终局，
	// 这里只需要告警；并发竞争与记录缺失直接跳过。
	if asset.IsLifecycleError(cause) {
		p.logDebug("资产状态已被并发推进",
			slog.String("asset_id", record.ID),
			slog.String("reason", cause.Error()),
		)
		return nil
	}

	code := xerrors.CodeOf(cause)
	if xerrors.ShouldAlert(cause) {
		p.emitAlert(ctx, record, code, cause)
	}

	if !xerrors.RetryableError(cause) {
		logger.Audit().Warn("资产处理失败",
			slog.String("asset_id", record.ID),
			slog.String("stage", string(record.Stage)),
			slog.String("error", cause.Error()),
			slog.String("error_code", string(code)),
		)
		return nil
	}

	// 可重试的基础设施错误：在当前阶段登记一次尝试并重投，超限后等待恢复扫描。
	updated, err := p.store.Transition(ctx, record.ID, record.Stage, record.Stage, func(r *asset.Record) error {
		r.Attempts++
		r.LastError = cause.Error()
		r.ErrorCode = string(code)
		return nil
	})
	if err != nil {
		if asset.IsLifecycleError(err) {
			return nil
		}
		logger.L().Error("登记处理失败状态出错", slog.Any("error", err), slog.String("asset_id", record.ID))
		return err
	}
	if updated.Attempts >= updated.MaxRetries {
		logger.Audit().Warn("资产重试次数耗尽，等待人工介入或恢复扫描",
			slog.String("asset_id", record.ID),
			slog.String("stage", string(record.Stage)),
			slog.Int("attempts", updated.Attempts),
			slog.Int("max_retries", updated.MaxRetries),
		)
		return nil
	}
	if pubErr := p.producer.Publish(ctx, record.ID); pubErr != nil {
		return xerrors.Wrap(asset.CodeDispatchFailure, pubErr,
			fmt.Sprintf("资产 %s 重投失败", record.ID))
	}
	p.logDebug("资产已重新排队",
		slog.String("asset_id", record.ID),
		slog.Int("attempts", updated.Attempts),
	)
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, record *asset.Record, code xerrors.Code, cause error) {
	if p == nil || p.alerter == nil || record == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": string(record.Stage),
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		AssetID:    record.ID,
		Stage:      string(record.Stage),
		Attempts:   record.Attempts,
		MaxRetries: record.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("asset_id", record.ID),
			slog.String("stage", string(record.Stage)),
		)
	}
}
