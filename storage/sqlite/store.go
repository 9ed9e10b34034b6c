// Package sqlite 基于 SQLite 的持久化：预授权记录与设备验证凭据
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/weisyn/wallet-extension-go/preauth"
	"github.com/weisyn/wallet-extension-go/shield"
	"github.com/weisyn/wallet-extension-go/storage/sqlite/migrations"
	"github.com/weisyn/wallet-extension-go/wallet"
)

const migrationTable = "schema_migrations"

// Store 持久化预授权和设备记录
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var (
	_ preauth.Store      = (*Store)(nil)
	_ shield.DeviceStore = (*Store)(nil)
)

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

// Open 打开数据库并执行内嵌迁移
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单写者：避免 SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// IsPreauthorized 查询预授权
func (s *Store) IsPreauthorized(ctx context.Context, host, accountAddress string) (bool, error) {
	h, a, err := preauth.Validate(host, accountAddress)
	if err != nil {
		return false, nil
	}
	var found int
	err = s.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM preauthorizations WHERE host = ? AND account_address = ?`, h, a).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query preauthorization: %w", err)
	}
	return true, nil
}

// Add 添加预授权，已存在时不变
func (s *Store) Add(ctx context.Context, host, accountAddress string) error {
	h, a, err := preauth.Validate(host, accountAddress)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO preauthorizations (host, account_address, created_at) VALUES (?, ?, ?)`,
		h, a, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("add preauthorization: %w", err)
	}
	return nil
}

// Remove 删除预授权
func (s *Store) Remove(ctx context.Context, host, accountAddress string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM preauthorizations WHERE host = ? AND account_address = ?`,
		preauth.NormalizeHost(host), wallet.NormalizeAddress(accountAddress))
	if err != nil {
		return fmt.Errorf("remove preauthorization: %w", err)
	}
	return nil
}

// RemoveAccount 删除账户的全部预授权
func (s *Store) RemoveAccount(ctx context.Context, accountAddress string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM preauthorizations WHERE account_address = ?`, wallet.NormalizeAddress(accountAddress))
	if err != nil {
		return fmt.Errorf("remove account preauthorizations: %w", err)
	}
	return nil
}

// List 全部预授权
func (s *Store) List(ctx context.Context) ([]preauth.Record, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT host, account_address, created_at FROM preauthorizations ORDER BY host, account_address`)
	if err != nil {
		return nil, fmt.Errorf("list preauthorizations: %w", err)
	}
	defer rows.Close()

	var out []preauth.Record
	for rows.Next() {
		var (
			r         preauth.Record
			createdAt int64
		)
		if err := rows.Scan(&r.Host, &r.AccountAddress, &createdAt); err != nil {
			return nil, fmt.Errorf("scan preauthorization: %w", err)
		}
		r.CreatedAt = fromMillis(createdAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate preauthorizations: %w", err)
	}
	preauth.SortRecords(out)
	return out, nil
}

// GetDevice 读取设备记录
func (s *Store) GetDevice(ctx context.Context) (*shield.Device, error) {
	var (
		d          shield.Device
		verifiedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT signing_key, verified_email, verified_at FROM device WHERE id = 1`).
		Scan(&d.SigningKey, &d.VerifiedEmail, &verifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	d.VerifiedAt = fromMillis(verifiedAt)
	return &d, nil
}

// PutDevice 写入设备记录，device 为 nil 时等同 DeleteDevice
func (s *Store) PutDevice(ctx context.Context, device *shield.Device) error {
	if device == nil {
		return s.DeleteDevice(ctx)
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO device (id, signing_key, verified_email, verified_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   signing_key = excluded.signing_key,
		   verified_email = excluded.verified_email,
		   verified_at = excluded.verified_at`,
		device.SigningKey, device.VerifiedEmail, toMillis(device.VerifiedAt))
	if err != nil {
		return fmt.Errorf("put device: %w", err)
	}
	return nil
}

// DeleteDevice 删除设备记录
func (s *Store) DeleteDevice(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM device WHERE id = 1`); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

// applyMigrations 按文件名顺序执行尚未执行过的迁移
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		var found int
		err := sqlDB.QueryRow(`SELECT 1 FROM `+migrationTable+` WHERE name = ?`, file).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", file, err)
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		up := extractUp(string(content))
		if strings.TrimSpace(up) == "" {
			continue
		}

		tx, err := sqlDB.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(`INSERT INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`,
			file, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

func extractUp(content string) string {
	const upMarker, downMarker = "-- +migrate Up", "-- +migrate Down"
	up := strings.Index(content, upMarker)
	if up == -1 {
		return content
	}
	down := strings.Index(content, downMarker)
	if down == -1 {
		return content[up+len(upMarker):]
	}
	return content[up+len(upMarker) : down]
}
