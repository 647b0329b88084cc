package asset

import (
	"context"
	"testing"
)

func TestObservedStoreEmitsOnStageChange(t *testing.T) {
	var seen []Stage
	store := NewObservedStore(NewMemoryStore(), func(r *Record) {
		seen = append(seen, r.Stage)
	})
	ctx := context.Background()

	record := NewRecord(KindGiftCard, []byte("card-777"), "drop", 3)
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := store.Transition(ctx, record.ID, StageAcquired, StageScreened, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	// 同阶段检查点不触发回调。
	if _, err := store.Transition(ctx, record.ID, StageScreened, StageScreened, nil); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if _, err := store.Transition(ctx, record.ID, StageScreened, StageVerified, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}

	if len(seen) != 2 || seen[0] != StageScreened || seen[1] != StageVerified {
		t.Fatalf("unexpected observed stages: %v", seen)
	}
}

func TestObservedStoreSilentOnFailure(t *testing.T) {
	calls := 0
	store := NewObservedStore(NewMemoryStore(), func(*Record) { calls++ })
	ctx := context.Background()

	record := NewRecord(KindWallet, []byte("seed-9"), "drop", 3)
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Transition(ctx, record.ID, StageScreened, StageVerified, nil); err == nil {
		t.Fatalf("expected stage conflict")
	}
	if calls != 0 {
		t.Fatalf("observer fired on failed transition")
	}
}
