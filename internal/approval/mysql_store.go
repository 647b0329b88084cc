package approval

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	xerrors "custody-pipeline/internal/errors"
)

// MySQLStore 使用 MySQL 保存审批记录。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
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

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS asset_approvals (
        id VARCHAR(64) PRIMARY KEY,
        asset_id VARCHAR(64) NOT NULL,
        approver VARCHAR(128) NOT NULL,
        decision VARCHAR(16) NOT NULL,
        comment TEXT,
        created_at BIGINT NOT NULL,
        UNIQUE KEY uq_approval_asset_approver (asset_id, approver),
        INDEX idx_approval_asset (asset_id)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 asset_approvals 表失败")
	}
	return nil
}

// Record 插入新的审批记录。重复表决由唯一索引拦截。
func (s *MySQLStore) Record(ctx context.Context, approval *Approval) error {
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
	if approval.ID == "" {
		approval.ID = uuid.NewString()
	}
	if approval.CreatedAt == 0 {
		approval.CreatedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO asset_approvals (id, asset_id, approver, decision, comment, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		approval.ID,
		approval.AssetID,
		approval.Approver,
		approval.Decision,
		approval.Comment,
		approval.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrDuplicateApprover
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入审批记录失败")
	}
	return nil
}

// ListByAsset 按时间顺序返回某资产的全部审批记录。
func (s *MySQLStore) ListByAsset(ctx context.Context, assetID string) ([]*Approval, error) {
	const stmt = `SELECT id, asset_id, approver, decision, comment, created_at
        FROM asset_approvals WHERE asset_id = ? ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, stmt, assetID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审批记录失败")
	}
	defer rows.Close()

	approvals := make([]*Approval, 0, 4)
	for rows.Next() {
		var a Approval
		var comment sql.NullString
		if err := rows.Scan(&a.ID, &a.AssetID, &a.Approver, &a.Decision, &comment, &a.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审批记录失败")
		}
		a.Comment = comment.String
		approvals = append(approvals, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审批记录失败")
	}
	return approvals, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
