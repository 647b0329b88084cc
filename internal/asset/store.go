package asset

import "context"

// Mutator 在条件更新的临界区内修改记录。返回错误会使整个流转失败。
type Mutator func(*Record) error

// Store 抽象了资产记录的持久化接口。
//
// Transition 是唯一的写入路径：只有当记录当前处于 from 阶段时，
// 修改才会生效（from == to 表示同阶段检查点更新，例如托管期巡检）。
// 并发的竞争方拿到 ErrStageConflict，从而保证每次流转恰好发生一次。
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	FindActiveByFingerprint(ctx context.Context, fingerprint string) (*Record, error)
	Transition(ctx context.Context, id string, from, to Stage, mutate Mutator) (*Record, error)
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	Stats(ctx context.Context, opts ListOptions) (PipelineStats, error)
	DueForCheck(ctx context.Context, now int64, limit int) ([]*Record, error)
	PurgeExpiredPayloads(ctx context.Context, now int64) (int, error)
	Close() error
}
