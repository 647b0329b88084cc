package pipeline

import (
	"context"
	"testing"
	"time"

	"custody-pipeline/internal/asset"
	xerrors "custody-pipeline/internal/errors"
	"custody-pipeline/internal/oracle"
)

func fastVerifyConfig() VerifyConfig {
	return VerifyConfig{
		ConfidenceFloor: 0.6,
		MaxAttempts:     3,
		Backoff:         time.Millisecond,
		OracleTimeout:   time.Second,
	}
}

func TestVerifierPromotesValuedAsset(t *testing.T) {
	ctx := context.Background()
	store := asset.NewMemoryStore()
	record := seedRecord(t, store, asset.KindGiftCard, []byte("GC-1"), asset.StageScreened)

	verifier := NewVerifier(store, singleRouter(staticValuation(250, 0.95)), fastVerifyConfig())
	if err := verifier.Process(ctx, record.ID); err != nil {
		t.Fatalf("验证失败: %v", err)
	}

	got, _ := store.Get(ctx, record.ID)
	if got.Stage != asset.StageVerified {
		t.Fatalf("期望 verified，实际 %s", got.Stage)
	}
	if got.EstimatedValueUSD != 250 || got.ValueConfidence != 0.95 {
		t.Fatalf("估值未写入: value=%.2f confidence=%.2f", got.EstimatedValueUSD, got.ValueConfidence)
	}
}

func TestVerifierRejectsWorthlessAsset(t *testing.T) {
	ctx := context.Background()
	store := asset.NewMemoryStore()
	record := seedRecord(t, store, asset.KindGiftCard, []byte("GC-0"), asset.StageScreened)

	verifier := NewVerifier(store, singleRouter(staticValuation(0, 0.99)), fastVerifyConfig())
	err := verifier.Process(ctx, record.ID)
	if xerrors.CodeOf(err) != asset.CodeVerificationFailed {
		t.Fatalf("期望 VERIFICATION_FAILED，实际 %v", err)
	}

	got, _ := store.Get(ctx, record.ID)
	if got.Stage != asset.StageRejected {
		t.Fatalf("无价值资产必须拒绝，实际 %s", got.Stage)
	}
	if event := lastEvent(t, got); event.Detail != "no_value" {
		t.Fatalf("期望审计细节 no_value，实际 %s", event.Detail)
	}
}

func TestVerifierRetriesLowConfidence(t *testing.T) {
	ctx := context.Background()
	store := asset.NewMemoryStore()
	record := seedRecord(t, store, asset.KindWallet, []byte("w"), asset.StageScreened)

	calls := 0
	oracleFn := appraiseFunc(func(context.Context, *asset.Record) (oracle.Valuation, error) {
		calls++
		if calls == 1 {
			return oracle.Valuation{ValueUSD: 500, Confidence: 0.3}, nil
		}
		return oracle.Valuation{ValueUSD: 500, Confidence: 0.8}, nil
	})
	verifier := NewVerifier(store, singleRouter(oracleFn), fastVerifyConfig())

	if err := verifier.Process(ctx, record.ID); err != nil {
		t.Fatalf("验证失败: %v", err)
	}
	if calls != 2 {
		t.Fatalf("期望重试后第二次成功，实际调用 %d 次", calls)
	}
	got, _ := store.Get(ctx, record.ID)
	if got.Stage != asset.StageVerified {
		t.Fatalf("期望 verified，实际 %s", got.Stage)
	}
}

func TestVerifierRejectsAfterConfidenceRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	store := asset.NewMemoryStore()
	record := seedRecord(t, store, asset.KindWallet, []byte("w"), asset.StageScreened)

	calls := 0
	oracleFn := appraiseFunc(func(context.Context, *asset.Record) (oracle.Valuation, error) {
		calls++
		return oracle.Valuation{ValueUSD: 500, Confidence: 0.2}, nil
	})
	cfg := fastVerifyConfig()
	cfg.MaxAttempts = 2
	verifier := NewVerifier(store, singleRouter(oracleFn), cfg)

	err := verifier.Process(ctx, record.ID)
	if xerrors.CodeOf(err) != asset.CodeVerificationFailed {
		t.Fatalf("期望 VERIFICATION_FAILED，实际 %v", err)
	}
	if calls != 2 {
		t.Fatalf("期望尝试 2 次，实际 %d", calls)
	}
	got, _ := store.Get(ctx, record.ID)
	if got.Stage != asset.StageRejected {
		t.Fatalf("置信度不足必须拒绝，实际 %s", got.Stage)
	}
	if event := lastEvent(t, got); event.Detail != "low_confidence" {
		t.Fatalf("期望审计细节 low_confidence，实际 %s", event.Detail)
	}
}

func TestVerifierRejectsWhenOracleExhausted(t *testing.T) {
	ctx := context.Background()
	store := asset.NewMemoryStore()
	record := seedRecord(t, store, asset.KindWallet, []byte("w"), asset.StageScreened)

	oracleFn := appraiseFunc(func(context.Context, *asset.Record) (oracle.Valuation, error) {
		return oracle.Valuation{}, xerrors.New(xerrors.CodeOracleFailure, "估值服务超时", xerrors.WithRetryable(true))
	})
	cfg := fastVerifyConfig()
	cfg.MaxAttempts = 2
	verifier := NewVerifier(store, singleRouter(oracleFn), cfg)

	err := verifier.Process(ctx, record.ID)
	if xerrors.CodeOf(err) != asset.CodeOracleUnavailable {
		t.Fatalf("期望 ORACLE_UNAVAILABLE，实际 %v", err)
	}
	got, _ := store.Get(ctx, record.ID)
	if got.Stage != asset.StageRejected {
		t.Fatalf("估值服务不可用必须拒绝，实际 %s", got.Stage)
	}
}
