package pipeline

import (
	"context"
	stdErrors "errors"
	"strings"
	"testing"

	"custody-pipeline/internal/approval"
	"custody-pipeline/internal/asset"
	xerrors "custody-pipeline/internal/errors"
)

func newIntakeService(t *testing.T) (*Service, *asset.MemoryStore, *fakeProducer) {
	t.Helper()
	store := asset.NewMemoryStore()
	producer := &fakeProducer{}
	service := NewService(store, producer, approval.NewMemoryStore(), 3)
	return service, store, producer
}

func TestSubmitCreatesAcquiredRecord(t *testing.T) {
	ctx := context.Background()
	service, store, producer := newIntakeService(t)

	record, err := service.Submit(ctx, SubmitRequest{
		Kind:      asset.KindGiftCard,
		Payload:   []byte("GC-123"),
		SourceTag: "partner-feed",
	})
	if err != nil {
		t.Fatalf("入库失败: %v", err)
	}
	if record.Stage != asset.StageAcquired {
		t.Fatalf("期望 acquired，实际 %s", record.Stage)
	}
	if record.Fingerprint != asset.Fingerprint([]byte("GC-123")) {
		t.Fatal("指纹未按负载计算")
	}
	if record.RiskScore != asset.RiskScoreUnset {
		t.Fatalf("风险分数应为未写入，实际 %d", record.RiskScore)
	}
	if producer.count() != 1 {
		t.Fatalf("入库后应投递一次，实际 %d", producer.count())
	}
	stored, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("读取记录失败: %v", err)
	}
	if event := stored.Audit[0]; event.Outcome != "accepted" || event.Actor != "intake" {
		t.Fatalf("入库审计事件不正确: %+v", event)
	}
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newIntakeService(t)

	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"空负载", SubmitRequest{Kind: asset.KindGiftCard, SourceTag: "feed"}},
		{"未知类型", SubmitRequest{Kind: "beanie_babies", Payload: []byte("x"), SourceTag: "feed"}},
		{"缺少来源", SubmitRequest{Kind: asset.KindGiftCard, Payload: []byte("x")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.Submit(ctx, tc.req)
			if xerrors.CodeOf(err) != asset.CodeValidationFailed {
				t.Fatalf("期望校验失败，实际 %v", err)
			}
		})
	}
}

func TestSubmitRejectsOversizedPayload(t *testing.T) {
	ctx := context.Background()
	store := asset.NewMemoryStore()
	service := NewService(store, &fakeProducer{}, approval.NewMemoryStore(), 3, WithMaxPayloadBytes(16))

	_, err := service.Submit(ctx, SubmitRequest{
		Kind:      asset.KindGiftCard,
		Payload:   []byte(strings.Repeat("x", 17)),
		SourceTag: "feed",
	})
	if xerrors.CodeOf(err) != asset.CodeValidationFailed {
		t.Fatalf("超大负载应拒绝，实际 %v", err)
	}
}

func TestSubmitIsIdempotentByFingerprint(t *testing.T) {
	ctx := context.Background()
	service, _, producer := newIntakeService(t)

	req := SubmitRequest{Kind: asset.KindGiftCard, Payload: []byte("GC-9"), SourceTag: "feed"}
	first, err := service.Submit(ctx, req)
	if err != nil {
		t.Fatalf("首次入库失败: %v", err)
	}
	second, err := service.Submit(ctx, req)
	if err != nil {
		t.Fatalf("重复入库失败: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("重复提交应返回同一记录: %s vs %s", first.ID, second.ID)
	}
	if producer.count() != 1 {
		t.Fatalf("重复提交不应再次投递，实际 %d", producer.count())
	}
}

func TestSubmitRecordsPrescreenSignals(t *testing.T) {
	ctx := context.Background()
	service, _, _ := newIntakeService(t)

	record, err := service.Submit(ctx, SubmitRequest{
		Kind:      asset.KindWallet,
		Payload:   []byte(`contract calls setApprovalForAll then sweepAllTokens`),
		SourceTag: "crawler",
	})
	if err != nil {
		t.Fatalf("入库失败: %v", err)
	}
	want := map[string]bool{"signature:drainer_approve": true, "signature:drainer_sweep": true}
	if len(record.RiskSignals) != 2 {
		t.Fatalf("期望 2 条预检信号，实际 %v", record.RiskSignals)
	}
	for _, signal := range record.RiskSignals {
		if !want[signal] {
			t.Fatalf("出现未预期的信号 %s", signal)
		}
	}
}

func TestSubmitRejectsExecutablePayloadAtBoundary(t *testing.T) {
	ctx := context.Background()
	service, store, producer := newIntakeService(t)

	_, err := service.Submit(ctx, SubmitRequest{
		Kind:      asset.KindAPIKey,
		Payload:   append([]byte("MZ"), []byte("\x90\x00binary")...),
		SourceTag: "crawler",
	})
	if xerrors.CodeOf(err) != asset.CodeThreatDetected {
		t.Fatalf("可执行负载应在入口拒收，实际 %v", err)
	}
	records, listErr := store.List(ctx, asset.ListOptions{})
	if listErr != nil || len(records) != 0 {
		t.Fatalf("入口拒收不应创建记录: %v %d", listErr, len(records))
	}
	if producer.count() != 0 {
		t.Fatal("入口拒收不应投递")
	}
}

func TestSubmitPublishFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	store := asset.NewMemoryStore()
	producer := &fakeProducer{err: stdErrors.New("broker down")}
	service := NewService(store, producer, approval.NewMemoryStore(), 3)

	_, err := service.Submit(ctx, SubmitRequest{
		Kind:      asset.KindGiftCard,
		Payload:   []byte("GC-1"),
		SourceTag: "feed",
	})
	if xerrors.CodeOf(err) != asset.CodeDispatchFailure {
		t.Fatalf("期望投递失败错误，实际 %v", err)
	}

	// 记录仍然保留在入库阶段，等待恢复扫描重投。
	records, listErr := store.List(ctx, asset.ListOptions{Stages: []asset.Stage{asset.StageAcquired}})
	if listErr != nil || len(records) != 1 {
		t.Fatalf("记录应保留在入库阶段: %v %d", listErr, len(records))
	}
	if records[0].ErrorCode != string(asset.CodeDispatchFailure) {
		t.Fatalf("应回写投递失败错误码，实际 %q", records[0].ErrorCode)
	}
}

func TestApproveOnlyVaultedAssets(t *testing.T) {
	ctx := context.Background()
	store := asset.NewMemoryStore()
	approvals := approval.NewMemoryStore()
	service := NewService(store, &fakeProducer{}, approvals, 3)

	record := seedRecord(t, store, asset.KindGiftCard, []byte("GC-2"), asset.StageHolding)
	err := service.Approve(ctx, record.ID, "ops-alice", approval.DecisionApprove, "")
	if xerrors.CodeOf(err) != asset.CodeStageConflict {
		t.Fatalf("非封存资产不可审批，实际 %v", err)
	}

	vaulted := seedRecord(t, store, asset.KindGiftCard, []byte("GC-3"), asset.StageVaulted)
	if err := service.Approve(ctx, vaulted.ID, "ops-alice", approval.DecisionApprove, "ok"); err != nil {
		t.Fatalf("封存资产审批失败: %v", err)
	}
	if err := service.Approve(ctx, vaulted.ID, "ops-alice", approval.DecisionApprove, "again"); !stdErrors.Is(err, approval.ErrDuplicateApprover) {
		t.Fatalf("重复审批应被拒绝，实际 %v", err)
	}
	listed, err := approvals.ListByAsset(ctx, vaulted.ID)
	if err != nil || len(listed) != 1 {
		t.Fatalf("审批记录应只有一条: %v %d", err, len(listed))
	}
}
