package pipeline

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"custody-pipeline/internal/asset"
	xerrors "custody-pipeline/internal/errors"
	"custody-pipeline/internal/oracle"
)

func fastHoldConfig() HoldConfig {
	return HoldConfig{
		Duration:         72 * time.Hour,
		CheckInterval:    time.Hour,
		AnomalyTolerance: 0.2,
		OracleTimeout:    time.Second,
	}
}

func TestHoldingBeginSetsTimers(t *testing.T) {
	ctx := context.Background()
	store := asset.NewMemoryStore()
	record := seedRecord(t, store, asset.KindWallet, []byte("w"), asset.StageVerified)

	holding := NewHoldingVault(store, singleRouter(staticValuation(1000, 0.9)), &fakeProducer{}, fastHoldConfig())
	base := time.Now()
	holding.nowFn = func() time.Time { return base }

	if err := holding.Begin(ctx, record.ID); err != nil {
		t.Fatalf("入仓失败: %v", err)
	}
	got, _ := store.Get(ctx, record.ID)
	if got.Stage != asset.StageHolding {
		t.Fatalf("期望 holding，实际 %s", got.Stage)
	}
	wantUntil := base.Unix() + int64(72*time.Hour/time.Second)
	if got.HoldUntil != wantUntil {
		t.Fatalf("期望 hold_until=%d，实际 %d", wantUntil, got.HoldUntil)
	}
	if got.NextCheckAt != base.Unix()+int64(time.Hour/time.Second) {
		t.Fatalf("下次复查时间不正确: %d", got.NextCheckAt)
	}
}

func TestHoldingCheckAdvancesNextCheck(t *testing.T) {
	ctx := context.Background()
	store := asset.NewMemoryStore()
	record := seedRecord(t, store, asset.KindWallet, []byte("w"), asset.StageVerified)

	producer := &fakeProducer{}
	holding := NewHoldingVault(store, singleRouter(staticValuation(1000, 0.9)), producer, fastHoldConfig())
	base := time.Now()
	holding.nowFn = func() time.Time { return base }
	if err := holding.Begin(ctx, record.ID); err != nil {
		t.Fatalf("入仓失败: %v", err)
	}

	// 前进两小时：未到期，估值稳定，只推进复查时间。
	holding.nowFn = func() time.Time { return base.Add(2 * time.Hour) }
	if err := holding.CheckOne(ctx, record.ID); err != nil {
		t.Fatalf("复查失败: %v", err)
	}
	got, _ := store.Get(ctx, record.ID)
	if got.Stage != asset.StageHolding {
		t.Fatalf("期望仍在 holding，实际 %s", got.Stage)
	}
	if want := base.Add(2 * time.Hour).Unix() + int64(time.Hour/time.Second); got.NextCheckAt != want {
		t.Fatalf("期望 next_check_at=%d，实际 %d", want, got.NextCheckAt)
	}
	if producer.count() != 0 {
		t.Fatal("中途复查不应重新投递")
	}
}

func TestHoldingCheckCompletesAfterDeadline(t *testing.T) {
	ctx := context.Background()
	store := asset.NewMemoryStore()
	record := seedRecord(t, store, asset.KindWallet, []byte("w"), asset.StageVerified)

	producer := &fakeProducer{}
	holding := NewHoldingVault(store, singleRouter(staticValuation(1000, 0.9)), producer, fastHoldConfig())
	base := time.Now()
	holding.nowFn = func() time.Time { return base }
	if err := holding.Begin(ctx, record.ID); err != nil {
		t.Fatalf("入仓失败: %v", err)
	}

	holding.nowFn = func() time.Time { return base.Add(73 * time.Hour) }
	if err := holding.CheckOne(ctx, record.ID); err != nil {
		t.Fatalf("复查失败: %v", err)
	}
	got, _ := store.Get(ctx, record.ID)
	if got.Stage != asset.StageHoldComplete {
		t.Fatalf("持有期已满应放行，实际 %s", got.Stage)
	}
	if producer.count() != 1 {
		t.Fatalf("放行后应重新投递，实际 %d 次", producer.count())
	}
	if event := lastEvent(t, got); event.Detail != "hold_elapsed" {
		t.Fatalf("期望审计细节 hold_elapsed，实际 %s", event.Detail)
	}
}

func TestHoldingQuarantinesOnValueDrain(t *testing.T) {
	ctx := context.Background()
	store := asset.NewMemoryStore()
	record := seedRecord(t, store, asset.KindWallet, []byte("w"), asset.StageVerified)

	// 入仓时估值 1000，复查时钱包已被抽空。
	current := 1000.0
	oracleFn := appraiseFunc(func(context.Context, *asset.Record) (oracle.Valuation, error) {
		return oracle.Valuation{ValueUSD: current, Confidence: 0.9}, nil
	})
	producer := &fakeProducer{}
	holding := NewHoldingVault(store, singleRouter(oracleFn), producer, fastHoldConfig())
	base := time.Now()
	holding.nowFn = func() time.Time { return base }
	if err := holding.Begin(ctx, record.ID); err != nil {
		t.Fatalf("入仓失败: %v", err)
	}

	current = 0
	holding.nowFn = func() time.Time { return base.Add(time.Hour) }
	err := holding.CheckOne(ctx, record.ID)
	if xerrors.CodeOf(err) != asset.CodeHoldAnomaly {
		t.Fatalf("期望 HOLD_ANOMALY，实际 %v", err)
	}

	got, _ := store.Get(ctx, record.ID)
	if got.Stage != asset.StageQuarantineFailed {
		t.Fatalf("异常应转入隔离区，实际 %s", got.Stage)
	}
	if producer.count() != 1 {
		t.Fatal("隔离后应重新投递以触发复筛")
	}
	if got.HoldUntil != 0 || got.NextCheckAt != 0 {
		t.Fatal("隔离后应清空持有计时字段")
	}
	if got.Attempts != 1 {
		t.Fatalf("隔离应累计重试计数，期望 1，实际 %d", got.Attempts)
	}
}

func TestHoldingStopsRepublishWhenQuarantineExhausted(t *testing.T) {
	ctx := context.Background()
	store := asset.NewMemoryStore()
	record := seedRecord(t, store, asset.KindWallet, []byte("w"), asset.StageVerified)

	// 已经隔离过两轮的反复异常资产，本次隔离耗尽最后一次重试。
	_, err := store.Transition(ctx, record.ID, asset.StageVerified, asset.StageVerified, func(r *asset.Record) error {
		r.Attempts = 2
		return nil
	})
	if err != nil {
		t.Fatalf("写入重试计数失败: %v", err)
	}

	current := 1000.0
	oracleFn := appraiseFunc(func(context.Context, *asset.Record) (oracle.Valuation, error) {
		return oracle.Valuation{ValueUSD: current, Confidence: 0.9}, nil
	})
	producer := &fakeProducer{}
	holding := NewHoldingVault(store, singleRouter(oracleFn), producer, fastHoldConfig())
	base := time.Now()
	holding.nowFn = func() time.Time { return base }
	if err := holding.Begin(ctx, record.ID); err != nil {
		t.Fatalf("入仓失败: %v", err)
	}

	current = 0
	holding.nowFn = func() time.Time { return base.Add(time.Hour) }
	if err := holding.CheckOne(ctx, record.ID); xerrors.CodeOf(err) != asset.CodeHoldAnomaly {
		t.Fatalf("期望 HOLD_ANOMALY，实际 %v", err)
	}

	got, _ := store.Get(ctx, record.ID)
	if got.Stage != asset.StageQuarantineFailed {
		t.Fatalf("异常应转入隔离区，实际 %s", got.Stage)
	}
	if got.Attempts != 3 {
		t.Fatalf("期望重试计数 3，实际 %d", got.Attempts)
	}
	if producer.count() != 0 {
		t.Fatal("重试耗尽后不应再自动投递复筛")
	}
}

func TestHoldingSkipsAnomalyCheckWhenOracleDown(t *testing.T) {
	ctx := context.Background()
	store := asset.NewMemoryStore()
	record := seedRecord(t, store, asset.KindWallet, []byte("w"), asset.StageVerified)

	oracleFn := appraiseFunc(func(context.Context, *asset.Record) (oracle.Valuation, error) {
		return oracle.Valuation{}, xerrors.New(xerrors.CodeOracleFailure, "超时", xerrors.WithRetryable(true))
	})
	holding := NewHoldingVault(store, singleRouter(oracleFn), &fakeProducer{}, fastHoldConfig())
	base := time.Now()
	holding.nowFn = func() time.Time { return base }
	if err := holding.Begin(ctx, record.ID); err != nil {
		t.Fatalf("入仓失败: %v", err)
	}

	holding.nowFn = func() time.Time { return base.Add(time.Hour) }
	if err := holding.CheckOne(ctx, record.ID); err != nil {
		t.Fatalf("估值服务临时不可用不应报错: %v", err)
	}
	got, _ := store.Get(ctx, record.ID)
	if got.Stage != asset.StageHolding {
		t.Fatalf("期望仍在 holding，实际 %s", got.Stage)
	}
}

func TestReleaseHoldByOperator(t *testing.T) {
	ctx := context.Background()
	store := asset.NewMemoryStore()
	record := seedRecord(t, store, asset.KindWallet, []byte("w"), asset.StageVerified)

	producer := &fakeProducer{}
	holding := NewHoldingVault(store, singleRouter(staticValuation(1000, 0.9)), producer, fastHoldConfig())
	if err := holding.Begin(ctx, record.ID); err != nil {
		t.Fatalf("入仓失败: %v", err)
	}

	if err := holding.ReleaseHold(ctx, record.ID, ""); xerrors.CodeOf(err) != asset.CodeValidationFailed {
		t.Fatalf("缺少操作员应拒绝，实际 %v", err)
	}
	if err := holding.ReleaseHold(ctx, record.ID, "ops-alice"); err != nil {
		t.Fatalf("提前放行失败: %v", err)
	}
	got, _ := store.Get(ctx, record.ID)
	if got.Stage != asset.StageHoldComplete {
		t.Fatalf("期望 hold_complete，实际 %s", got.Stage)
	}
	event := lastEvent(t, got)
	if event.Actor != "ops-alice" || event.Detail != "operator_release" {
		t.Fatalf("审计应记录操作员放行: %+v", event)
	}
}

func TestReleaseHoldRequiresHoldingStage(t *testing.T) {
	ctx := context.Background()
	store := asset.NewMemoryStore()
	record := seedRecord(t, store, asset.KindWallet, []byte("w"), asset.StageVerified)

	holding := NewHoldingVault(store, nil, nil, fastHoldConfig())
	if err := holding.ReleaseHold(ctx, record.ID, "ops-alice"); !stdErrors.Is(err, asset.ErrStageConflict) {
		t.Fatalf("期望阶段冲突，实际 %v", err)
	}
}
