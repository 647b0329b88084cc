package vault

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "custody-pipeline/internal/errors"
)

// MySQLCatalog 使用 MySQL 保存封存目录。
type MySQLCatalog struct {
	db *sql.DB
}

// NewMySQLCatalog 创建一个新的 MySQLCatalog。
func NewMySQLCatalog(dsn string) (*MySQLCatalog, error) {
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

	catalog := &MySQLCatalog{db: db}
	if err := catalog.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return catalog, nil
}

func (c *MySQLCatalog) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS vault_entries (
        ref VARCHAR(128) PRIMARY KEY,
        asset_id VARCHAR(64) NOT NULL,
        wrapped_key VARBINARY(256) NOT NULL,
        ciphertext MEDIUMBLOB NOT NULL,
        frozen TINYINT(1) NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        INDEX idx_vault_asset (asset_id)
)`
	if _, err := c.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 vault_entries 表失败")
	}
	return nil
}

// Put 插入封存记录。
func (c *MySQLCatalog) Put(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry 不能为空")
	}
	if strings.TrimSpace(entry.Ref) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "封存引用不能为空")
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO vault_entries (ref, asset_id, wrapped_key, ciphertext, frozen, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	_, err := c.db.ExecContext(ctx, stmt,
		entry.Ref,
		entry.AssetID,
		entry.WrappedKey,
		entry.Ciphertext,
		entry.Frozen,
		entry.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrEntryExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入封存记录失败")
	}
	return nil
}

// Get 返回封存记录。
func (c *MySQLCatalog) Get(ctx context.Context, ref string) (*Entry, error) {
	const stmt = `SELECT ref, asset_id, wrapped_key, ciphertext, frozen, created_at
        FROM vault_entries WHERE ref = ?`

	var entry Entry
	if err := c.db.QueryRowContext(ctx, stmt, ref).Scan(
		&entry.Ref,
		&entry.AssetID,
		&entry.WrappedKey,
		&entry.Ciphertext,
		&entry.Frozen,
		&entry.CreatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询封存记录失败")
	}
	return &entry, nil
}

// Freeze 将记录标记为冻结。
func (c *MySQLCatalog) Freeze(ctx context.Context, ref string) error {
	const stmt = `UPDATE vault_entries SET frozen = 1 WHERE ref = ?`
	res, err := c.db.ExecContext(ctx, stmt, ref)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "冻结封存记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// Close 关闭底层数据库连接。
func (c *MySQLCatalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

var _ Catalog = (*MySQLCatalog)(nil)
