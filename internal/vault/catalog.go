package vault

import (
	"context"

	xerrors "custody-pipeline/internal/errors"
)

// Entry 是封存目录中的一条记录。
// WrappedKey 是由根密钥包裹的数据密钥，Ciphertext 是由数据密钥加密的负载，
// 两者都带有各自的 GCM nonce 前缀。
type Entry struct {
	Ref        string `json:"ref"`
	AssetID    string `json:"asset_id"`
	WrappedKey []byte `json:"wrapped_key"`
	Ciphertext []byte `json:"ciphertext"`
	Frozen     bool   `json:"frozen"`
	CreatedAt  int64  `json:"created_at"`
}

var (
	// ErrEntryNotFound 表示封存目录中不存在该引用。
	ErrEntryNotFound = xerrors.New(xerrors.CodeNotFound, "封存记录不存在")
	// ErrEntryExists 表示引用冲突。
	ErrEntryExists = xerrors.New(xerrors.CodeConflict, "封存记录已存在")
	// ErrEntryFrozen 表示该记录因完整性校验失败被冻结。
	ErrEntryFrozen = xerrors.New(CodeEntryFrozen, "封存记录已被冻结", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeEntryFrozen xerrors.Code = "VAULT_ENTRY_FROZEN"
)

func init() {
	xerrors.Register(CodeEntryFrozen, xerrors.Attributes{
		Message:   "vault entry frozen after failed integrity verification",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Catalog 抽象了封存目录的持久化接口。
type Catalog interface {
	Put(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, ref string) (*Entry, error)
	Freeze(ctx context.Context, ref string) error
	Close() error
}
