package asset

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "custody-pipeline/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录资产状态。
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

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
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
	// active_fingerprint 仅在记录处于活跃阶段时与 fingerprint 相同，
	// 终态时置空；配合唯一索引实现“同一指纹只允许一条活跃记录”。
	const schema = `CREATE TABLE IF NOT EXISTS asset_records (
        id VARCHAR(64) PRIMARY KEY,
        fingerprint VARCHAR(64) NOT NULL,
        active_fingerprint VARCHAR(64) NULL,
        kind VARCHAR(32) NOT NULL,
        payload BLOB,
        source_tag VARCHAR(255) DEFAULT '',
        acquired_at BIGINT NOT NULL DEFAULT 0,
        stage VARCHAR(32) NOT NULL,
        risk_score INT NOT NULL DEFAULT -1,
        risk_signals TEXT,
        estimated_value_usd DOUBLE NOT NULL DEFAULT 0,
        value_confidence DOUBLE NOT NULL DEFAULT 0,
        hold_started_at BIGINT NOT NULL DEFAULT 0,
        hold_until BIGINT NOT NULL DEFAULT 0,
        next_check_at BIGINT NOT NULL DEFAULT 0,
        vault_ref VARCHAR(128) DEFAULT '',
        purge_after BIGINT NOT NULL DEFAULT 0,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        audit TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        UNIQUE KEY uq_asset_active_fingerprint (active_fingerprint),
        INDEX idx_asset_stage (stage),
        INDEX idx_asset_updated (updated_at),
        INDEX idx_asset_next_check (stage, next_check_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 asset_records 表失败")
	}
	return nil
}

// Create 插入新的资产记录。
func (s *MySQLStore) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "资产 ID 不能为空")
	}
	if strings.TrimSpace(record.Fingerprint) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "资产指纹不能为空")
	}

	now := time.Now().Unix()
	record.CreatedAt = now
	record.UpdatedAt = now

	signalsValue, err := marshalStrings(record.RiskSignals)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码风险信号失败")
	}
	auditValue, err := marshalAudit(record.Audit)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码审计事件失败")
	}

	const stmt = `INSERT INTO asset_records
        (id, fingerprint, active_fingerprint, kind, payload, source_tag, acquired_at, stage, risk_score, risk_signals,
        estimated_value_usd, value_confidence, hold_started_at, hold_until, next_check_at, vault_ref, purge_after,
        attempts, max_retries, last_error, error_code, audit, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		record.ID,
		record.Fingerprint,
		activeFingerprint(record),
		record.Kind,
		record.Payload,
		record.SourceTag,
		record.AcquiredAt,
		record.Stage,
		record.RiskScore,
		signalsValue,
		record.EstimatedValueUSD,
		record.ValueConfidence,
		record.HoldStartedAt,
		record.HoldUntil,
		record.NextCheckAt,
		record.VaultRef,
		record.PurgeAfter,
		record.Attempts,
		record.MaxRetries,
		auditValue,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrAssetConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入资产记录失败")
	}
	return nil
}

const recordColumns = `id, fingerprint, kind, payload, source_tag, acquired_at, stage, risk_score, risk_signals,
        estimated_value_usd, value_confidence, hold_started_at, hold_until, next_check_at, vault_ref, purge_after,
        attempts, max_retries, last_error, error_code, audit, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var record Record
	var signals sql.NullString
	var audit sql.NullString
	var lastError sql.NullString

	if err := row.Scan(
		&record.ID,
		&record.Fingerprint,
		&record.Kind,
		&record.Payload,
		&record.SourceTag,
		&record.AcquiredAt,
		&record.Stage,
		&record.RiskScore,
		&signals,
		&record.EstimatedValueUSD,
		&record.ValueConfidence,
		&record.HoldStartedAt,
		&record.HoldUntil,
		&record.NextCheckAt,
		&record.VaultRef,
		&record.PurgeAfter,
		&record.Attempts,
		&record.MaxRetries,
		&lastError,
		&record.ErrorCode,
		&audit,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.LastError = lastError.String

	decodedSignals, err := unmarshalStrings(signals)
	if err != nil {
		return nil, fmt.Errorf("解析风险信号失败: %w", err)
	}
	record.RiskSignals = decodedSignals

	decodedAudit, err := unmarshalAudit(audit)
	if err != nil {
		return nil, fmt.Errorf("解析审计事件失败: %w", err)
	}
	record.Audit = decodedAudit
	return &record, nil
}

// Get 查询指定资产记录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	stmt := `SELECT ` + recordColumns + ` FROM asset_records WHERE id = ?`
	record, err := scanRecord(s.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAssetNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询资产记录失败")
	}
	return record, nil
}

// FindActiveByFingerprint 返回同一指纹下仍处于活跃阶段的记录。
func (s *MySQLStore) FindActiveByFingerprint(ctx context.Context, fingerprint string) (*Record, error) {
	stmt := `SELECT ` + recordColumns + ` FROM asset_records WHERE active_fingerprint = ?`
	record, err := scanRecord(s.db.QueryRowContext(ctx, stmt, fingerprint))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAssetNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "按指纹查询资产失败")
	}
	return record, nil
}

// Transition 在事务内加锁校验阶段，执行修改后以条件更新落库。
func (s *MySQLStore) Transition(ctx context.Context, id string, from, to Stage, mutate Mutator) (*Record, error) {
	if from != to && !CanTransition(from, to) {
		return nil, ErrIllegalTransition
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	stmt := `SELECT ` + recordColumns + ` FROM asset_records WHERE id = ? FOR UPDATE`
	record, err := scanRecord(tx.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAssetNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定资产记录失败")
	}
	if record.Stage != from {
		if record.Stage.IsTerminal() {
			return record, ErrAssetTerminal
		}
		return record, ErrStageConflict
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

	signalsValue, err := marshalStrings(updated.RiskSignals)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码风险信号失败")
	}
	auditValue, err := marshalAudit(updated.Audit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码审计事件失败")
	}

	const updateStmt = `UPDATE asset_records SET
        active_fingerprint = ?, payload = ?, source_tag = ?, stage = ?, risk_score = ?, risk_signals = ?,
        estimated_value_usd = ?, value_confidence = ?, hold_started_at = ?, hold_until = ?, next_check_at = ?,
        vault_ref = ?, purge_after = ?, attempts = ?, max_retries = ?, last_error = ?, error_code = ?, audit = ?, updated_at = ?
        WHERE id = ? AND stage = ?`

	res, err := tx.ExecContext(ctx, updateStmt,
		activeFingerprint(updated),
		updated.Payload,
		updated.SourceTag,
		updated.Stage,
		updated.RiskScore,
		signalsValue,
		updated.EstimatedValueUSD,
		updated.ValueConfidence,
		updated.HoldStartedAt,
		updated.HoldUntil,
		updated.NextCheckAt,
		updated.VaultRef,
		updated.PurgeAfter,
		updated.Attempts,
		updated.MaxRetries,
		updated.LastError,
		updated.ErrorCode,
		auditValue,
		updated.UpdatedAt,
		id,
		from,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "条件更新资产记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return record, ErrStageConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交阶段流转失败")
	}
	return updated, nil
}

// List 返回最近的资产记录。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	query := `SELECT ` + recordColumns + ` FROM asset_records`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询资产列表失败")
	}
	defer rows.Close()

	records := make([]*Record, 0, opts.Limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析资产记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历资产记录失败")
	}
	return records, nil
}

// Stats 返回符合过滤条件的资产聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (PipelineStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN stage = ? THEN 1 ELSE 0 END) AS acquired,
        SUM(CASE WHEN stage = ? THEN 1 ELSE 0 END) AS screened,
        SUM(CASE WHEN stage = ? THEN 1 ELSE 0 END) AS verified,
        SUM(CASE WHEN stage = ? THEN 1 ELSE 0 END) AS holding,
        SUM(CASE WHEN stage = ? THEN 1 ELSE 0 END) AS hold_complete,
        SUM(CASE WHEN stage = ? THEN 1 ELSE 0 END) AS vaulted,
        SUM(CASE WHEN stage = ? THEN 1 ELSE 0 END) AS cashed_out,
        SUM(CASE WHEN stage = ? THEN 1 ELSE 0 END) AS quarantine_failed,
        SUM(CASE WHEN stage = ? THEN 1 ELSE 0 END) AS rejected,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM asset_records`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(StageAcquired), string(StageScreened), string(StageVerified),
		string(StageHolding), string(StageHoldComplete), string(StageVaulted),
		string(StageCashedOut), string(StageQuarantineFailed), string(StageRejected),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats PipelineStats
	if err := row.Scan(
		&stats.Total,
		&stats.Acquired,
		&stats.Screened,
		&stats.Verified,
		&stats.Holding,
		&stats.HoldComplete,
		&stats.Vaulted,
		&stats.CashedOut,
		&stats.QuarantineFailed,
		&stats.Rejected,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return PipelineStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询资产统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// DueForCheck 返回托管巡检时间已到的记录。
func (s *MySQLStore) DueForCheck(ctx context.Context, now int64, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + recordColumns + ` FROM asset_records
        WHERE stage = ? AND next_check_at > 0 AND next_check_at <= ?
        ORDER BY next_check_at ASC, id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, StageHolding, now, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待巡检资产失败")
	}
	defer rows.Close()

	records := make([]*Record, 0, limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析待巡检资产失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历待巡检资产失败")
	}
	return records, nil
}

// PurgeExpiredPayloads 清除保留期已过的终态记录负载。
func (s *MySQLStore) PurgeExpiredPayloads(ctx context.Context, now int64) (int, error) {
	const stmt = `UPDATE asset_records SET payload = NULL, updated_at = ?
        WHERE payload IS NOT NULL AND purge_after > 0 AND purge_after <= ? AND stage IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt, time.Now().Unix(), now, StageRejected, StageCashedOut)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清除过期负载失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取清除行数失败")
	}
	return int(affected), nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func activeFingerprint(record *Record) sql.NullString {
	if record.Stage.IsTerminal() {
		return sql.NullString{}
	}
	return sql.NullString{String: record.Fingerprint, Valid: true}
}

func marshalStrings(values []string) (sql.NullString, error) {
	if len(values) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalStrings(raw sql.NullString) ([]string, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw.String), &values); err != nil {
		return nil, err
	}
	return values, nil
}

func marshalAudit(events []StageEvent) (sql.NullString, error) {
	if len(events) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(events)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalAudit(raw sql.NullString) ([]StageEvent, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var events []StageEvent
	if err := json.Unmarshal([]byte(raw.String), &events); err != nil {
		return nil, err
	}
	return events, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Stages) > 0 {
		placeholders := make([]string, 0, len(opts.Stages))
		for range opts.Stages {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("stage IN (%s)", strings.Join(placeholders, ",")))
		for _, stage := range opts.Stages {
			args = append(args, stage)
		}
	}
	if len(opts.Kinds) > 0 {
		placeholders := make([]string, 0, len(opts.Kinds))
		for range opts.Kinds {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("kind IN (%s)", strings.Join(placeholders, ",")))
		for _, kind := range opts.Kinds {
			args = append(args, kind)
		}
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasVaultRef != nil {
		if *opts.HasVaultRef {
			conditions = append(conditions, "vault_ref <> ''")
		} else {
			conditions = append(conditions, "(vault_ref IS NULL OR vault_ref = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR fingerprint LIKE ? OR kind LIKE ? OR source_tag LIKE ? OR last_error LIKE ? OR vault_ref LIKE ?)")
		args = append(args,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
		)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
