// Package vault 以信封加密封存资产负载：每个资产一把随机数据密钥,
// 数据密钥再由进程级根密钥包裹。目录中只存密文与包裹后的密钥。
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"custody-pipeline/internal/asset"
	xerrors "custody-pipeline/internal/errors"
	"custody-pipeline/pkg/logger"
)

// Vault 负责封存与取回资产负载，所有访问都会写入审计日志。
type Vault struct {
	master  MasterKey
	catalog Catalog
}

// New 构造 Vault。
func New(master MasterKey, catalog Catalog) (*Vault, error) {
	if !master.Valid() {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "根密钥未加载")
	}
	if catalog == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置封存目录")
	}
	return &Vault{master: master, catalog: catalog}, nil
}

// Seal 加密记录负载并写入封存目录，返回封存引用。
// AAD 绑定资产 ID，防止目录条目被跨资产移花接木。
func (v *Vault) Seal(ctx context.Context, record *asset.Record) (string, error) {
	if record == nil || len(record.Payload) == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "没有可封存的负载")
	}

	dataKey := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return "", xerrors.Wrap(asset.CodeVaultIntegrity, err, "生成数据密钥失败")
	}

	ciphertext, err := gcmSeal(dataKey, record.Payload, []byte(record.ID))
	if err != nil {
		return "", xerrors.Wrap(asset.CodeVaultIntegrity, err, "加密负载失败")
	}
	wrappedKey, err := gcmSeal(v.master.key, dataKey, []byte(record.ID))
	if err != nil {
		return "", xerrors.Wrap(asset.CodeVaultIntegrity, err, "包裹数据密钥失败")
	}

	ref := "vlt-" + uuid.NewString()
	entry := &Entry{
		Ref:        ref,
		AssetID:    record.ID,
		WrappedKey: wrappedKey,
		Ciphertext: ciphertext,
		CreatedAt:  time.Now().Unix(),
	}
	if err := v.catalog.Put(ctx, entry); err != nil {
		return "", err
	}

	logger.Audit().Info("资产已封存",
		slog.String("asset_id", record.ID),
		slog.String("vault_ref", ref),
		slog.String("kind", string(record.Kind)),
	)
	return ref, nil
}

// Retrieve 解封负载并做完整性校验。校验失败时冻结目录条目并返回
// VAULT_INTEGRITY 错误，由上层触发告警。
func (v *Vault) Retrieve(ctx context.Context, ref, actor string) ([]byte, error) {
	entry, err := v.catalog.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if entry.Frozen {
		logger.Audit().Warn("访问被冻结的封存记录",
			slog.String("vault_ref", ref),
			slog.String("actor", actor),
		)
		return nil, ErrEntryFrozen
	}

	dataKey, err := gcmOpen(v.master.key, entry.WrappedKey, []byte(entry.AssetID))
	if err != nil {
		return nil, v.quarantine(ctx, entry, actor, err)
	}
	payload, err := gcmOpen(dataKey, entry.Ciphertext, []byte(entry.AssetID))
	if err != nil {
		return nil, v.quarantine(ctx, entry, actor, err)
	}

	logger.Audit().Info("封存负载已取回",
		slog.String("asset_id", entry.AssetID),
		slog.String("vault_ref", ref),
		slog.String("actor", actor),
	)
	return payload, nil
}

// Freeze 手动冻结一条封存记录，之后的取回请求一律拒绝。
func (v *Vault) Freeze(ctx context.Context, ref string) error {
	if err := v.catalog.Freeze(ctx, ref); err != nil {
		return err
	}
	logger.Audit().Warn("封存记录已冻结", slog.String("vault_ref", ref))
	return nil
}

// Verify 只做完整性校验，不返回明文。
func (v *Vault) Verify(ctx context.Context, ref string) error {
	payload, err := v.Retrieve(ctx, ref, "integrity-check")
	if err != nil {
		return err
	}
	for i := range payload {
		payload[i] = 0
	}
	return nil
}

func (v *Vault) quarantine(ctx context.Context, entry *Entry, actor string, cause error) error {
	if err := v.catalog.Freeze(ctx, entry.Ref); err != nil {
		logger.L().Error("冻结封存记录失败",
			slog.Any("error", err),
			slog.String("vault_ref", entry.Ref),
		)
	}
	logger.Audit().Error("封存记录完整性校验失败",
		slog.String("asset_id", entry.AssetID),
		slog.String("vault_ref", entry.Ref),
		slog.String("actor", actor),
	)
	return xerrors.Wrap(asset.CodeVaultIntegrity, cause, "封存记录完整性校验失败")
}

func gcmSeal(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func gcmOpen(key, sealed, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, xerrors.New(asset.CodeVaultIntegrity, "封存数据长度异常")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, aad)
}
