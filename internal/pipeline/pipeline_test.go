package pipeline

import (
	"context"
	"sync"
	"testing"

	"custody-pipeline/internal/asset"
	"custody-pipeline/internal/oracle"
	"custody-pipeline/internal/vault"
)

type threatFunc func(ctx context.Context, record *asset.Record) (oracle.ThreatVerdict, error)

func (f threatFunc) Inspect(ctx context.Context, record *asset.Record) (oracle.ThreatVerdict, error) {
	return f(ctx, record)
}

type appraiseFunc func(ctx context.Context, record *asset.Record) (oracle.Valuation, error)

func (f appraiseFunc) Appraise(ctx context.Context, record *asset.Record) (oracle.Valuation, error) {
	return f(ctx, record)
}

type gatewayFunc func(ctx context.Context, req oracle.TransferRequest) (oracle.TransferReceipt, error)

func (f gatewayFunc) Transfer(ctx context.Context, req oracle.TransferRequest) (oracle.TransferReceipt, error) {
	return f(ctx, req)
}

type fakeProducer struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *fakeProducer) Publish(_ context.Context, assetID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, assetID)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func staticValuation(valueUSD, confidence float64) appraiseFunc {
	return func(context.Context, *asset.Record) (oracle.Valuation, error) {
		return oracle.Valuation{ValueUSD: valueUSD, Confidence: confidence}, nil
	}
}

func singleRouter(o oracle.ValueOracle) *oracle.ValueRouter {
	return oracle.NewValueRouter(nil, o)
}

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	encoded, err := vault.GenerateMasterKey()
	if err != nil {
		t.Fatalf("生成根密钥失败: %v", err)
	}
	t.Setenv("CUSTODY_TEST_MASTER_KEY", encoded)
	master, err := vault.LoadMasterKey("CUSTODY_TEST_MASTER_KEY", "")
	if err != nil {
		t.Fatalf("加载根密钥失败: %v", err)
	}
	v, err := vault.New(master, vault.NewMemoryCatalog())
	if err != nil {
		t.Fatalf("构造封存库失败: %v", err)
	}
	return v
}

// seedRecord 建一条记录并推进到指定阶段。
func seedRecord(t *testing.T, store asset.Store, kind asset.Kind, payload []byte, target asset.Stage) *asset.Record {
	t.Helper()
	ctx := context.Background()
	record := asset.NewRecord(kind, payload, "test-feed", 3)
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("创建记录失败: %v", err)
	}
	path := []asset.Stage{
		asset.StageAcquired,
		asset.StageScreened,
		asset.StageVerified,
		asset.StageHolding,
		asset.StageHoldComplete,
		asset.StageVaulted,
	}
	for i := 0; i+1 < len(path); i++ {
		if path[i] == target {
			break
		}
		from, to := path[i], path[i+1]
		_, err := store.Transition(ctx, record.ID, from, to, func(r *asset.Record) error {
			if to == asset.StageVerified || to == asset.StageHolding {
				if r.EstimatedValueUSD <= 0 {
					r.EstimatedValueUSD = 1000
					r.ValueConfidence = 0.9
				}
			}
			if to == asset.StageScreened && r.RiskScore == asset.RiskScoreUnset {
				r.RiskScore = 10
			}
			return nil
		})
		if err != nil {
			t.Fatalf("推进记录到 %s 失败: %v", to, err)
		}
		if to == target {
			break
		}
	}
	got, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("读取记录失败: %v", err)
	}
	if got.Stage != target {
		t.Fatalf("期望阶段 %s，实际 %s", target, got.Stage)
	}
	return got
}

func lastEvent(t *testing.T, record *asset.Record) asset.StageEvent {
	t.Helper()
	if len(record.Audit) == 0 {
		t.Fatalf("记录 %s 没有审计事件", record.ID)
	}
	return record.Audit[len(record.Audit)-1]
}
