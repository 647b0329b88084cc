package approval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "custody-pipeline/internal/errors"
)

// MemoryStore 以内存方式保存审批记录，主要用于测试。
type MemoryStore struct {
	mu      sync.RWMutex
	byAsset map[string][]*Approval
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byAsset: make(map[string][]*Approval)}
}

// Record 实现 Store 接口。
func (m *MemoryStore) Record(_ context.Context, approval *Approval) error {
	if approval == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "approval 不能为空")
	}
	if strings.TrimSpace(approval.AssetID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "资产 ID 不能为空")
	}
	if strings.TrimSpace(approval.Approver) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "审批人不能为空")
	}
	if !IsValidDecision(approval.Decision) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的审批裁决")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byAsset[approval.AssetID] {
		if existing.Approver == approval.Approver {
			return ErrDuplicateApprover
		}
	}
	if approval.ID == "" {
		approval.ID = uuid.NewString()
	}
	if approval.CreatedAt == 0 {
		approval.CreatedAt = time.Now().Unix()
	}
	clone := *approval
	m.byAsset[approval.AssetID] = append(m.byAsset[approval.AssetID], &clone)
	return nil
}

// ListByAsset 按时间顺序返回某资产的全部审批记录。
func (m *MemoryStore) ListByAsset(_ context.Context, assetID string) ([]*Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	approvals := m.byAsset[assetID]
	result := make([]*Approval, 0, len(approvals))
	for _, a := range approvals {
		clone := *a
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt == result[j].CreatedAt {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt < result[j].CreatedAt
	})
	return result, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
