package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"custody-pipeline/internal/auth"
)

// 授权条目类型。
const (
	grantRole       = "role"
	grantPermission = "permission"
)

// SQLOperatorStore persists operator accounts and their grants in MySQL.
type SQLOperatorStore struct {
	db *sql.DB
}

// NewSQLOperatorStore creates the store using the provided connection settings
// and applies pending schema migrations.
func NewSQLOperatorStore(ctx context.Context, cfg Config) (*SQLOperatorStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLOperatorStore{db: db}, nil
}

// Close releases the underlying database connection pool.
func (s *SQLOperatorStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FindOperatorByName implements auth.Store.
func (s *SQLOperatorStore) FindOperatorByName(ctx context.Context, name string) (*auth.Operator, error) {
	const query = `SELECT id, name, password_hash, disabled FROM operators WHERE name = ?`
	row := s.db.QueryRowContext(ctx, query, strings.TrimSpace(name))
	var operator auth.Operator
	var disabled int
	if err := row.Scan(&operator.ID, &operator.Name, &operator.PasswordHash, &disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("查询操作员失败: %w", err)
	}
	operator.Disabled = disabled == 1
	return &operator, nil
}

// LoadSubject loads the operator's roles, expands them into permissions and
// merges any directly assigned grants.
func (s *SQLOperatorStore) LoadSubject(ctx context.Context, operatorID int64) (*auth.Subject, error) {
	const operatorQuery = `SELECT id, name, disabled FROM operators WHERE id = ?`
	row := s.db.QueryRowContext(ctx, operatorQuery, operatorID)
	var subject auth.Subject
	var disabled int
	if err := row.Scan(&subject.ID, &subject.Name, &disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("查询操作员信息失败: %w", err)
	}
	subject.Disabled = disabled == 1

	roles, err := s.collectGrants(ctx, operatorID, grantRole)
	if err != nil {
		return nil, err
	}
	perms, err := s.collectGrants(ctx, operatorID, grantPermission)
	if err != nil {
		return nil, err
	}
	subject.Roles = roles
	subject.Permissions = auth.ExpandRoles(roles, perms)
	return &subject, nil
}

func (s *SQLOperatorStore) collectGrants(ctx context.Context, operatorID int64, grantType string) ([]string, error) {
	const query = `SELECT name FROM operator_grants WHERE operator_id = ? AND grant_type = ? ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query, operatorID, grantType)
	if err != nil {
		return nil, fmt.Errorf("查询授权条目失败: %w", err)
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("解析授权条目失败: %w", err)
		}
		result = append(result, strings.ToLower(strings.TrimSpace(value)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历授权条目失败: %w", err)
	}
	return result, nil
}

// ApplySeed upserts an operator account together with its grants. It
// implements auth.SeedWriter so configured seeds survive restarts.
func (s *SQLOperatorStore) ApplySeed(ctx context.Context, seed auth.Seed) error {
	name := strings.TrimSpace(seed.Operator)
	if name == "" {
		return errors.New("seed operator name cannot be empty")
	}
	passwordHash, err := auth.HashPassword(seed.Password)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	const upsertOperator = `INSERT INTO operators (name, password_hash, disabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE password_hash = VALUES(password_hash), disabled = VALUES(disabled), updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`
	res, execErr := tx.ExecContext(ctx, upsertOperator, name, passwordHash, boolToInt(seed.Disabled), now, now)
	if execErr != nil {
		err = fmt.Errorf("保存操作员失败: %w", execErr)
		return err
	}
	operatorID, execErr := res.LastInsertId()
	if execErr != nil {
		err = fmt.Errorf("获取操作员ID失败: %w", execErr)
		return err
	}

	// 种子是权威来源，重放前清空旧授权。
	if _, execErr = tx.ExecContext(ctx, `DELETE FROM operator_grants WHERE operator_id = ?`, operatorID); execErr != nil {
		err = fmt.Errorf("清理旧授权失败: %w", execErr)
		return err
	}
	for _, role := range dedupeValues(seed.Roles) {
		if _, execErr = tx.ExecContext(ctx,
			`INSERT IGNORE INTO operator_grants (operator_id, grant_type, name, assigned_at) VALUES (?, ?, ?, ?)`,
			operatorID, grantRole, role, now); execErr != nil {
			err = fmt.Errorf("保存角色授权失败: %w", execErr)
			return err
		}
	}
	for _, perm := range dedupeValues(seed.Permissions) {
		if _, execErr = tx.ExecContext(ctx,
			`INSERT IGNORE INTO operator_grants (operator_id, grant_type, name, assigned_at) VALUES (?, ?, ?, ?)`,
			operatorID, grantPermission, perm, now); execErr != nil {
			err = fmt.Errorf("保存权限授权失败: %w", execErr)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交种子数据失败: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dedupeValues(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var result []string
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	return result
}

var _ auth.Store = (*SQLOperatorStore)(nil)
var _ auth.SeedWriter = (*SQLOperatorStore)(nil)
