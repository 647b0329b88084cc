package pipeline

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	xerrors "custody-pipeline/internal/errors"
)

// MySQLLedger 使用 MySQL 保存提取转账台账。
type MySQLLedger struct {
	db *sql.DB
}

var _ CashoutLedger = (*MySQLLedger)(nil)

// NewMySQLLedger 创建一个新的 MySQLLedger。
func NewMySQLLedger(dsn string) (*MySQLLedger, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	ledger := &MySQLLedger{db: db}
	if err := ledger.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ledger, nil
}

func (l *MySQLLedger) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS cashout_transfers (
        id VARCHAR(64) PRIMARY KEY,
        asset_id VARCHAR(64) NOT NULL,
        destination VARCHAR(256) NOT NULL,
        amount_usd DOUBLE NOT NULL,
        reference VARCHAR(128) NOT NULL,
        created_at BIGINT NOT NULL,
        INDEX idx_transfer_asset (asset_id),
        INDEX idx_transfer_dest_created (destination, created_at)
)`
	if _, err := l.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 cashout_transfers 表失败")
	}
	return nil
}

// RecordTransfer 插入一笔已完成的转账。
func (l *MySQLLedger) RecordTransfer(ctx context.Context, transfer *Transfer) error {
	if transfer == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transfer 不能为空")
	}
	if transfer.ID == "" {
		transfer.ID = uuid.NewString()
	}
	if transfer.CreatedAt == 0 {
		transfer.CreatedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO cashout_transfers (id, asset_id, destination, amount_usd, reference, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	_, err := l.db.ExecContext(ctx, stmt,
		transfer.ID,
		transfer.AssetID,
		transfer.Destination,
		transfer.AmountUSD,
		transfer.Reference,
		transfer.CreatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入转账台账失败")
	}
	return nil
}

// SumSince 返回某目的地在 since 之后的转账总额。
func (l *MySQLLedger) SumSince(ctx context.Context, destination string, since int64) (float64, error) {
	const stmt = `SELECT COALESCE(SUM(amount_usd), 0) FROM cashout_transfers WHERE destination = ? AND created_at >= ?`
	var total float64
	if err := l.db.QueryRowContext(ctx, stmt, destination, since).Scan(&total); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计转账总额失败")
	}
	return total, nil
}

// ListByAsset 返回某资产的全部转账记录。
func (l *MySQLLedger) ListByAsset(ctx context.Context, assetID string) ([]*Transfer, error) {
	const stmt = `SELECT id, asset_id, destination, amount_usd, reference, created_at
        FROM cashout_transfers WHERE asset_id = ? ORDER BY created_at ASC, id ASC`

	rows, err := l.db.QueryContext(ctx, stmt, assetID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询转账台账失败")
	}
	defer rows.Close()

	transfers := make([]*Transfer, 0, 4)
	for rows.Next() {
		var t Transfer
		if err := rows.Scan(&t.ID, &t.AssetID, &t.Destination, &t.AmountUSD, &t.Reference, &t.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析转账记录失败")
		}
		transfers = append(transfers, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历转账台账失败")
	}
	return transfers, nil
}

// Close 关闭底层数据库连接。
func (l *MySQLLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
