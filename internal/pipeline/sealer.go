package pipeline

import (
	"context"
	"log/slog"
	"time"

	"custody-pipeline/internal/asset"
	xerrors "custody-pipeline/internal/errors"
	"custody-pipeline/internal/vault"
	"custody-pipeline/pkg/logger"
)

// Sealer 把持有期结束的资产负载封存进加密保险库，
// 封存成功后明文负载立即从记录中抹除。
type Sealer struct {
	store asset.Store
	vault *vault.Vault
}

// NewSealer 构造 Sealer。
func NewSealer(store asset.Store, v *vault.Vault) *Sealer {
	return &Sealer{store: store, vault: v}
}

// Process 封存一条持有期已结束的资产。
func (s *Sealer) Process(ctx context.Context, assetID string) error {
	if s.store == nil || s.vault == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "封存器未初始化")
	}
	record, err := s.store.Get(ctx, assetID)
	if err != nil {
		return err
	}
	if record.Stage != asset.StageHoldComplete {
		return asset.ErrStageConflict
	}
	if len(record.Payload) == 0 {
		return xerrors.New(asset.CodeValidationFailed, "资产负载为空，无法封存")
	}

	ref, err := s.vault.Seal(ctx, record)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	_, err = s.store.Transition(ctx, record.ID, asset.StageHoldComplete, asset.StageVaulted, func(r *asset.Record) error {
		r.VaultRef = ref
		r.ClearPayload()
		r.Audit = append(r.Audit, asset.StageEvent{
			Stage:   asset.StageHoldComplete,
			Outcome: "pass",
			Actor:   "sealer",
			Detail:  "sealed ref=" + ref,
			At:      now,
		})
		return nil
	})
	if err != nil {
		// 状态推进失败时冻结刚写入的条目，避免出现无主的可解密负载。
		if freezeErr := s.vault.Freeze(ctx, ref); freezeErr != nil {
			logger.L().Error("冻结孤立保险库条目失败",
				slog.Any("error", freezeErr),
				slog.String("vault_ref", ref),
			)
		}
		return err
	}
	logger.Audit().Info("资产已封存入库",
		slog.String("asset_id", record.ID),
		slog.String("vault_ref", ref),
	)
	return nil
}
