package vault

import (
	"context"
	"strings"
	"sync"
	"time"

	xerrors "custody-pipeline/internal/errors"
)

// MemoryCatalog 以内存方式保存封存目录，主要用于测试。
type MemoryCatalog struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryCatalog 创建 MemoryCatalog。
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{entries: make(map[string]*Entry)}
}

// Put 实现 Catalog 接口。
func (m *MemoryCatalog) Put(_ context.Context, entry *Entry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry 不能为空")
	}
	if strings.TrimSpace(entry.Ref) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "封存引用不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.Ref]; ok {
		return ErrEntryExists
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}
	m.entries[entry.Ref] = cloneEntry(entry)
	return nil
}

// Get 返回封存记录。
func (m *MemoryCatalog) Get(_ context.Context, ref string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[ref]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return cloneEntry(entry), nil
}

// Freeze 将记录标记为冻结。
func (m *MemoryCatalog) Freeze(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[ref]
	if !ok {
		return ErrEntryNotFound
	}
	entry.Frozen = true
	return nil
}

// Close 对内存目录无需操作。
func (m *MemoryCatalog) Close() error {
	return nil
}

// corrupt 仅供测试使用：篡改密文以触发完整性校验失败。
func (m *MemoryCatalog) corrupt(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[ref]
	if !ok || len(entry.Ciphertext) == 0 {
		return false
	}
	entry.Ciphertext[len(entry.Ciphertext)-1] ^= 0xff
	return true
}

func cloneEntry(entry *Entry) *Entry {
	clone := *entry
	if entry.WrappedKey != nil {
		clone.WrappedKey = append([]byte(nil), entry.WrappedKey...)
	}
	if entry.Ciphertext != nil {
		clone.Ciphertext = append([]byte(nil), entry.Ciphertext...)
	}
	return &clone
}

var _ Catalog = (*MemoryCatalog)(nil)
