package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"custody-pipeline/internal/approval"
	"custody-pipeline/internal/asset"
	xerrors "custody-pipeline/internal/errors"
	"custody-pipeline/internal/oracle"
	"custody-pipeline/internal/vault"
)

type cashoutHarness struct {
	store     *asset.MemoryStore
	approvals *approval.MemoryStore
	ledger    *MemoryLedger
	vault     *vault.Vault
	record    *asset.Record
}

func newCashoutHarness(t *testing.T) *cashoutHarness {
	t.Helper()
	ctx := context.Background()
	store := asset.NewMemoryStore()
	payload := []byte(`{"card":"GC-1","pin":"0000"}`)
	record := seedRecord(t, store, asset.KindGiftCard, payload, asset.StageHoldComplete)

	v := newTestVault(t)
	if err := NewSealer(store, v).Process(ctx, record.ID); err != nil {
		t.Fatalf("封存失败: %v", err)
	}
	sealed, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("读取封存记录失败: %v", err)
	}
	return &cashoutHarness{
		store:     store,
		approvals: approval.NewMemoryStore(),
		ledger:    NewMemoryLedger(),
		vault:     v,
		record:    sealed,
	}
}

func (h *cashoutHarness) approveTwice(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, who := range []string{"ops-alice", "ops-bob"} {
		err := h.approvals.Record(ctx, &approval.Approval{
			AssetID:  h.record.ID,
			Approver: who,
			Decision: approval.DecisionApprove,
		})
		if err != nil {
			t.Fatalf("记录审批失败: %v", err)
		}
	}
}

func okGateway(captured *oracle.TransferRequest) gatewayFunc {
	return func(_ context.Context, req oracle.TransferRequest) (oracle.TransferReceipt, error) {
		if captured != nil {
			*captured = req
		}
		return oracle.TransferReceipt{Reference: "txn-001", CompletedAt: time.Now().Unix()}, nil
	}
}

func fastCashoutConfig() CashoutConfig {
	return CashoutConfig{Quorum: 2, MaxAttempts: 2, Backoff: time.Millisecond}
}

func TestCashoutHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newCashoutHarness(t)
	h.approveTwice(t)

	var sent oracle.TransferRequest
	controller := NewCashoutController(h.store, h.approvals, h.ledger, h.vault, okGateway(&sent), fastCashoutConfig())

	result, err := controller.Cashout(ctx, CashoutRequest{
		AssetID:     h.record.ID,
		Destination: "acct-dest-1",
		AmountUSD:   800,
		Operator:    "ops-carol",
	})
	if err != nil {
		t.Fatalf("提取失败: %v", err)
	}
	if result.Reference != "txn-001" {
		t.Fatalf("期望回执 txn-001，实际 %s", result.Reference)
	}
	if sent.VaultRef != h.record.VaultRef || sent.AmountUSD != 800 {
		t.Fatalf("网关请求不正确: %+v", sent)
	}
	if string(sent.Payload) != `{"card":"GC-1","pin":"0000"}` {
		t.Fatalf("解密凭据未随请求送达网关: %q", sent.Payload)
	}

	got, _ := h.store.Get(ctx, h.record.ID)
	if got.Stage != asset.StageCashedOut {
		t.Fatalf("期望 cashed_out，实际 %s", got.Stage)
	}
	transfers, err := h.ledger.ListByAsset(ctx, h.record.ID)
	if err != nil || len(transfers) != 1 {
		t.Fatalf("台账应有一笔转账: %v %d", err, len(transfers))
	}
	if transfers[0].Reference != "txn-001" {
		t.Fatalf("台账回执不正确: %s", transfers[0].Reference)
	}
}

func TestCashoutDeniedWithoutQuorum(t *testing.T) {
	ctx := context.Background()
	h := newCashoutHarness(t)
	// 只有一票。
	if err := h.approvals.Record(ctx, &approval.Approval{
		AssetID:  h.record.ID,
		Approver: "ops-alice",
		Decision: approval.DecisionApprove,
	}); err != nil {
		t.Fatalf("记录审批失败: %v", err)
	}

	gatewayCalled := false
	gateway := gatewayFunc(func(context.Context, oracle.TransferRequest) (oracle.TransferReceipt, error) {
		gatewayCalled = true
		return oracle.TransferReceipt{}, nil
	})
	controller := NewCashoutController(h.store, h.approvals, h.ledger, h.vault, gateway, fastCashoutConfig())

	_, err := controller.Cashout(ctx, CashoutRequest{
		AssetID:     h.record.ID,
		Destination: "acct-dest-1",
		AmountUSD:   100,
		Operator:    "ops-carol",
	})
	if xerrors.CodeOf(err) != asset.CodeTransferDenied {
		t.Fatalf("期望 TRANSFER_DENIED，实际 %v", err)
	}
	if gatewayCalled {
		t.Fatal("审批不足时不得触达网关")
	}

	got, _ := h.store.Get(ctx, h.record.ID)
	if got.Stage != asset.StageVaulted {
		t.Fatalf("被拒后资产应保持封存，实际 %s", got.Stage)
	}
	if event := lastEvent(t, got); event.Outcome != "denied" {
		t.Fatalf("期望拒绝审计事件，实际 %+v", event)
	}

	// 补齐第二票后同一请求应放行。
	if err := h.approvals.Record(ctx, &approval.Approval{
		AssetID:  h.record.ID,
		Approver: "ops-bob",
		Decision: approval.DecisionApprove,
	}); err != nil {
		t.Fatalf("记录审批失败: %v", err)
	}
	controller = NewCashoutController(h.store, h.approvals, h.ledger, h.vault, okGateway(nil), fastCashoutConfig())
	if _, err := controller.Cashout(ctx, CashoutRequest{
		AssetID:     h.record.ID,
		Destination: "acct-dest-1",
		AmountUSD:   100,
		Operator:    "ops-carol",
	}); err != nil {
		t.Fatalf("补齐审批后提取仍失败: %v", err)
	}
}

func TestCashoutDeniedByVeto(t *testing.T) {
	ctx := context.Background()
	h := newCashoutHarness(t)
	h.approveTwice(t)
	if err := h.approvals.Record(ctx, &approval.Approval{
		AssetID:  h.record.ID,
		Approver: "ops-dave",
		Decision: approval.DecisionDeny,
		Comment:  "来源存疑",
	}); err != nil {
		t.Fatalf("记录否决失败: %v", err)
	}

	controller := NewCashoutController(h.store, h.approvals, h.ledger, h.vault, okGateway(nil), fastCashoutConfig())
	_, err := controller.Cashout(ctx, CashoutRequest{
		AssetID:     h.record.ID,
		Destination: "acct-dest-1",
		AmountUSD:   100,
		Operator:    "ops-carol",
	})
	if xerrors.CodeOf(err) != asset.CodeTransferDenied {
		t.Fatalf("否决票应拦截提取，实际 %v", err)
	}
}

func TestCashoutEnforcesPerTransferLimit(t *testing.T) {
	ctx := context.Background()
	h := newCashoutHarness(t)
	h.approveTwice(t)

	cfg := fastCashoutConfig()
	cfg.PerTransferLimitUSD = 500
	controller := NewCashoutController(h.store, h.approvals, h.ledger, h.vault, okGateway(nil), cfg)

	_, err := controller.Cashout(ctx, CashoutRequest{
		AssetID:     h.record.ID,
		Destination: "acct-dest-1",
		AmountUSD:   900,
		Operator:    "ops-carol",
	})
	if xerrors.CodeOf(err) != asset.CodeTransferDenied {
		t.Fatalf("超过单笔上限应拒绝，实际 %v", err)
	}
}

func TestCashoutEnforcesRollingDailyLimit(t *testing.T) {
	ctx := context.Background()
	h := newCashoutHarness(t)
	h.approveTwice(t)

	// 同一目的地 23 小时前已转出 900，上限 1000，本笔 200 应被拒。
	if err := h.ledger.RecordTransfer(ctx, &Transfer{
		AssetID:     "other-asset",
		Destination: "acct-dest-1",
		AmountUSD:   900,
		Reference:   "txn-prev",
		CreatedAt:   time.Now().Add(-23 * time.Hour).Unix(),
	}); err != nil {
		t.Fatalf("预置台账失败: %v", err)
	}

	cfg := fastCashoutConfig()
	cfg.DailyLimitUSD = 1000
	controller := NewCashoutController(h.store, h.approvals, h.ledger, h.vault, okGateway(nil), cfg)

	_, err := controller.Cashout(ctx, CashoutRequest{
		AssetID:     h.record.ID,
		Destination: "acct-dest-1",
		AmountUSD:   200,
		Operator:    "ops-carol",
	})
	if xerrors.CodeOf(err) != asset.CodeTransferDenied {
		t.Fatalf("超过滚动日限应拒绝，实际 %v", err)
	}
	got, _ := h.store.Get(ctx, h.record.ID)
	if got.Stage != asset.StageVaulted {
		t.Fatalf("被拒后资产应保持封存，实际 %s", got.Stage)
	}

	// 限额按目的地独立累计，换一个目的地应放行。
	if _, err := controller.Cashout(ctx, CashoutRequest{
		AssetID:     h.record.ID,
		Destination: "acct-dest-2",
		AmountUSD:   200,
		Operator:    "ops-carol",
	}); err != nil {
		t.Fatalf("其他目的地不受该限额影响: %v", err)
	}
}

func TestCashoutGatewayFailureKeepsAssetVaulted(t *testing.T) {
	ctx := context.Background()
	h := newCashoutHarness(t)
	h.approveTwice(t)

	calls := 0
	gateway := gatewayFunc(func(context.Context, oracle.TransferRequest) (oracle.TransferReceipt, error) {
		calls++
		return oracle.TransferReceipt{}, xerrors.New(asset.CodeGatewayFailure, "网关超时", xerrors.WithRetryable(true))
	})
	controller := NewCashoutController(h.store, h.approvals, h.ledger, h.vault, gateway, fastCashoutConfig())

	_, err := controller.Cashout(ctx, CashoutRequest{
		AssetID:     h.record.ID,
		Destination: "acct-dest-1",
		AmountUSD:   100,
		Operator:    "ops-carol",
	})
	if xerrors.CodeOf(err) != asset.CodeGatewayFailure {
		t.Fatalf("期望 GATEWAY_FAILURE，实际 %v", err)
	}
	if calls != 2 {
		t.Fatalf("期望网关重试 2 次，实际 %d", calls)
	}
	got, _ := h.store.Get(ctx, h.record.ID)
	if got.Stage != asset.StageVaulted {
		t.Fatalf("网关失败后资产应保持封存，实际 %s", got.Stage)
	}
	if total, _ := h.ledger.SumSince(ctx, "acct-dest-1", 0); total != 0 {
		t.Fatalf("失败的转账不得入账: %.2f", total)
	}
}

func TestCashoutSerializesPerDestination(t *testing.T) {
	ctx := context.Background()
	store := asset.NewMemoryStore()
	v := newTestVault(t)
	approvals := approval.NewMemoryStore()
	ledger := NewMemoryLedger()

	var records []*asset.Record
	for i := 0; i < 4; i++ {
		payload := []byte(fmt.Sprintf(`{"card":"GC-%d"}`, i))
		record := seedRecord(t, store, asset.KindGiftCard, payload, asset.StageHoldComplete)
		if err := NewSealer(store, v).Process(ctx, record.ID); err != nil {
			t.Fatalf("封存失败: %v", err)
		}
		for _, who := range []string{"ops-alice", "ops-bob"} {
			if err := approvals.Record(ctx, &approval.Approval{
				AssetID:  record.ID,
				Approver: who,
				Decision: approval.DecisionApprove,
			}); err != nil {
				t.Fatalf("记录审批失败: %v", err)
			}
		}
		sealed, _ := store.Get(ctx, record.ID)
		records = append(records, sealed)
	}

	var inFlight, maxInFlight int64
	gateway := gatewayFunc(func(context.Context, oracle.TransferRequest) (oracle.TransferReceipt, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			prev := atomic.LoadInt64(&maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt64(&maxInFlight, prev, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return oracle.TransferReceipt{Reference: "txn", CompletedAt: time.Now().Unix()}, nil
	})
	controller := NewCashoutController(store, approvals, ledger, v, gateway, fastCashoutConfig())

	var wg sync.WaitGroup
	for _, record := range records {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := controller.Cashout(ctx, CashoutRequest{
				AssetID:     id,
				Destination: "acct-shared",
				AmountUSD:   10,
				Operator:    "ops-carol",
			})
			if err != nil {
				t.Errorf("提取失败: %v", err)
			}
		}(record.ID)
	}
	wg.Wait()

	if atomic.LoadInt64(&maxInFlight) != 1 {
		t.Fatalf("同一目的地的提取必须串行，观测到并发 %d", maxInFlight)
	}
}
