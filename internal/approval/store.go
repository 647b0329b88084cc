package approval

import "context"

// Store 抽象了审批记录的持久化接口。记录只追加、不修改。
type Store interface {
	Record(ctx context.Context, approval *Approval) error
	ListByAsset(ctx context.Context, assetID string) ([]*Approval, error)
	Close() error
}
