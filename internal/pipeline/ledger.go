package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transfer 记录一笔已完成的提取转账。
type Transfer struct {
	ID          string
	AssetID     string
	Destination string
	AmountUSD   float64
	Reference   string
	CreatedAt   int64
}

// CashoutLedger 是提取转账的只追加台账，用于累计滚动限额。
type CashoutLedger interface {
	RecordTransfer(ctx context.Context, transfer *Transfer) error
	// SumSince 返回某目的地在 since（Unix 秒）之后的转账总额。
	// 滚动限额按目的地账户独立累计。
	SumSince(ctx context.Context, destination string, since int64) (float64, error)
	ListByAsset(ctx context.Context, assetID string) ([]*Transfer, error)
	Close() error
}

// MemoryLedger 内存台账，供测试与单机部署使用。
type MemoryLedger struct {
	mu        sync.RWMutex
	transfers []*Transfer
}

var _ CashoutLedger = (*MemoryLedger)(nil)

// NewMemoryLedger 构造 MemoryLedger。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) RecordTransfer(_ context.Context, transfer *Transfer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored := *transfer
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt == 0 {
		stored.CreatedAt = time.Now().Unix()
	}
	l.transfers = append(l.transfers, &stored)
	transfer.ID = stored.ID
	transfer.CreatedAt = stored.CreatedAt
	return nil
}

func (l *MemoryLedger) SumSince(_ context.Context, destination string, since int64) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total float64
	for _, transfer := range l.transfers {
		if transfer.Destination == destination && transfer.CreatedAt >= since {
			total += transfer.AmountUSD
		}
	}
	return total, nil
}

func (l *MemoryLedger) ListByAsset(_ context.Context, assetID string) ([]*Transfer, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Transfer
	for _, transfer := range l.transfers {
		if transfer.AssetID == assetID {
			copied := *transfer
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (l *MemoryLedger) Close() error { return nil }
