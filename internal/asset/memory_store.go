package asset

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "custody-pipeline/internal/errors"
)

// MemoryStore 以内存方式保存资产记录，主要用于测试。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "资产 ID 不能为空")
	}
	if record.Fingerprint == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "资产指纹不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; ok {
		return ErrAssetConflict
	}
	for _, existing := range m.records {
		if existing.Fingerprint == record.Fingerprint && !existing.Stage.IsTerminal() {
			return ErrAssetConflict
		}
	}
	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	m.records[record.ID] = record.Clone()
	return nil
}

// Get 返回资产记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrAssetNotFound
	}
	return record.Clone(), nil
}

// FindActiveByFingerprint 返回同一指纹下仍处于活跃阶段的记录。
func (m *MemoryStore) FindActiveByFingerprint(_ context.Context, fingerprint string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, record := range m.records {
		if record.Fingerprint == fingerprint && !record.Stage.IsTerminal() {
			return record.Clone(), nil
		}
	}
	return nil, ErrAssetNotFound
}

// Transition 在记录处于 from 阶段时原子地执行修改并推进到 to 阶段。
func (m *MemoryStore) Transition(_ context.Context, id string, from, to Stage, mutate Mutator) (*Record, error) {
	if from != to && !CanTransition(from, to) {
		return nil, ErrIllegalTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrAssetNotFound
	}
	if record.Stage != from {
		if record.Stage.IsTerminal() {
			return record.Clone(), ErrAssetTerminal
		}
		return record.Clone(), ErrStageConflict
	}
	updated := record.Clone()
	if mutate != nil {
		if err := mutate(updated); err != nil {
			return nil, err
		}
	}
	updated.ID = record.ID
	updated.Fingerprint = record.Fingerprint
	updated.CreatedAt = record.CreatedAt
	updated.Stage = to
	updated.UpdatedAt = time.Now().Unix()
	m.records[id] = updated
	return updated.Clone(), nil
}

// List 返回最近的资产记录。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		if !matchesListFilters(record, opts) {
			continue
		}
		results = append(results, record.Clone())
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Record{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的资产数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (PipelineStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := PipelineStats{}
	for _, record := range m.records {
		if !matchesListFilters(record, opts) {
			continue
		}
		stats.count(record.Stage)
		if record.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = record.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (record.UpdatedAt != 0 && record.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = record.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// DueForCheck 返回托管巡检时间已到的记录，按计划时间升序。
func (m *MemoryStore) DueForCheck(_ context.Context, now int64, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	due := make([]*Record, 0, limit)
	for _, record := range m.records {
		if record.Stage != StageHolding {
			continue
		}
		if record.NextCheckAt == 0 || record.NextCheckAt > now {
			continue
		}
		due = append(due, record.Clone())
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextCheckAt == due[j].NextCheckAt {
			return due[i].ID < due[j].ID
		}
		return due[i].NextCheckAt < due[j].NextCheckAt
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// PurgeExpiredPayloads 清除保留期已过的终态记录负载。
func (m *MemoryStore) PurgeExpiredPayloads(_ context.Context, now int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for _, record := range m.records {
		if len(record.Payload) == 0 {
			continue
		}
		if record.PurgeAfter == 0 || record.PurgeAfter > now {
			continue
		}
		if !record.Stage.IsTerminal() {
			continue
		}
		record.ClearPayload()
		record.UpdatedAt = time.Now().Unix()
		purged++
	}
	return purged, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(record *Record, opts ListOptions) bool {
	if len(opts.Stages) > 0 {
		matched := false
		for _, stage := range opts.Stages {
			if record.Stage == stage {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(opts.Kinds) > 0 {
		matched := false
		for _, kind := range opts.Kinds {
			if record.Kind == kind {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && record.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && record.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasVaultRef != nil && (record.VaultRef != "") != *opts.HasVaultRef {
		return false
	}
	if opts.Query != "" {
		needle := strings.ToLower(opts.Query)
		haystack := strings.ToLower(strings.Join([]string{
			record.ID,
			record.Fingerprint,
			string(record.Kind),
			record.SourceTag,
			record.LastError,
			record.VaultRef,
		}, "\n"))
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
