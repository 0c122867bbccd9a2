package entry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // 纯 Go 驱动，无需 CGO
)

// Store 负责条目的持久化与锁管理。所有方法均可并发调用。
type Store interface {
	// Register 创建新条目并返回生成的标识符。包含 "://" 的值视为远端地址，
	// 其余视为已存在的本地路径。
	Register(ctx context.Context, location string, days int) (*Entry, error)

	// Get 读取条目，不产生副作用，供管理端列表/删除使用。
	Get(ctx context.Context, id string) (*Entry, error)

	// Lookup 为下载服务读取条目：过期返回 ErrExpired 且不修改行；
	// 成功时原子地将 download_count 加一。
	Lookup(ctx context.Context, id string) (*Entry, error)

	// List 按创建时间返回全部条目。
	List(ctx context.Context) ([]Entry, error)

	// Remove 删除条目，不存在时为 no-op。
	Remove(ctx context.Context, id string) error

	// IsLocked 返回当前锁状态。
	IsLocked(ctx context.Context, id string) (bool, error)

	// TryLock 以单条条件 UPDATE 原子地获取锁：成功返回 true，已被占用返回 false。
	TryLock(ctx context.Context, id string) (bool, error)

	// Lock 与 TryLock 相同，但在已被占用时返回 ErrAlreadyLocked。
	Lock(ctx context.Context, id string) error

	// Unlock 释放锁，重复调用是安全的。
	Unlock(ctx context.Context, id string) error

	// SetLocalLocation 记录缓存文件路径，幂等。
	SetLocalLocation(ctx context.Context, id, path string) error

	// ResetLocks 清除全部锁，仅在启动时调用：上次进程退出时未完成的物化不会继续。
	ResetLocks(ctx context.Context) (int64, error)

	Close() error
}

// Option 调整 Store 的可选行为。
type Option func(*sqlStore)

// WithClock 替换时间源，测试中用于模拟过期。
func WithClock(now func() time.Time) Option {
	return func(s *sqlStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator 替换标识符生成器。
func WithIDGenerator(gen func() string) Option {
	return func(s *sqlStore) {
		if gen != nil {
			s.newID = gen
		}
	}
}

const (
	idLength        = 10
	maxIDAttempts   = 8
	selectEntryCols = `file_id, remote_location, local_location, expiration_date, download_count, locked, created_at`
)

type sqlStore struct {
	db     *sql.DB
	logger *logrus.Logger
	now    func() time.Time
	newID  func() string
}

// Open 打开（必要时创建）SQLite 数据库并执行嵌入的迁移。
func Open(ctx context.Context, dbPath string, logger *logrus.Logger, opts ...Option) (Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("database path required")
	}

	// sql.Open 不会创建父目录，提前建好。
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	// SQLite 只允许单写者，串行化连接以避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database %s: %w", dbPath, err)
	}

	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	store := &sqlStore{
		db:     db,
		logger: logger,
		now:    time.Now,
		newID:  newShortID,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

func newShortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:idLength]
}

func (s *sqlStore) Register(ctx context.Context, location string, days int) (*Entry, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, ErrInvalidLocation
	}
	if days < 0 {
		return nil, ErrInvalidExpiration
	}

	now := s.now()
	entry := Entry{
		ExpiresAt: now.Add(time.Duration(days) * 24 * time.Hour),
		CreatedAt: now,
	}
	if IsRemoteLocation(location) {
		entry.RemoteLocation = location
	} else {
		entry.LocalLocation = filepath.Clean(location)
	}

	const query = `INSERT INTO files (file_id, remote_location, local_location, expiration_date, download_count, locked, created_at)
		VALUES (?, ?, ?, ?, 0, 0, ?)
		ON CONFLICT (file_id) DO NOTHING`

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		entry.ID = s.newID()
		res, err := s.db.ExecContext(ctx, query,
			entry.ID,
			entry.RemoteLocation,
			entry.LocalLocation,
			entry.ExpiresAt.UnixMilli(),
			entry.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return nil, fmt.Errorf("insert entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected error: %w", err)
		}
		if n == 1 {
			return &entry, nil
		}
	}
	return nil, fmt.Errorf("allocate entry id: %d collisions", maxIDAttempts)
}

func (s *sqlStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectEntryCols+` FROM files WHERE file_id = ?`, id)
	return scanEntry(row)
}

func (s *sqlStore) Lookup(ctx context.Context, id string) (*Entry, error) {
	const query = `UPDATE files SET download_count = download_count + 1
		WHERE file_id = ? AND expiration_date > ?
		RETURNING ` + selectEntryCols

	row := s.db.QueryRowContext(ctx, query, id, s.now().UnixMilli())
	entry, err := scanEntry(row)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// 区分不存在与已过期，两种情况都不改动数据。
	if _, getErr := s.Get(ctx, id); getErr == nil {
		return nil, ErrExpired
	} else if !errors.Is(getErr, ErrNotFound) {
		return nil, getErr
	}
	return nil, ErrNotFound
}

func (s *sqlStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectEntryCols+` FROM files ORDER BY created_at, file_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to select entries: %w", err)
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *sqlStore) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE file_id = ?`, id); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

func (s *sqlStore) IsLocked(ctx context.Context, id string) (bool, error) {
	var locked bool
	err := s.db.QueryRowContext(ctx, `SELECT locked FROM files WHERE file_id = ?`, id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return locked, nil
}

func (s *sqlStore) TryLock(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE files SET locked = 1 WHERE file_id = ? AND locked = 0`, id)
	if err != nil {
		return false, fmt.Errorf("lock entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}

	switch n {
	case 1:
		return true, nil
	case 0:
		if _, err := s.IsLocked(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	default:
		return false, fmt.Errorf("unexpected rows affected: %d", n)
	}
}

func (s *sqlStore) Lock(ctx context.Context, id string) error {
	acquired, err := s.TryLock(ctx, id)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrAlreadyLocked
	}
	return nil
}

func (s *sqlStore) Unlock(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE files SET locked = 0 WHERE file_id = ?`, id)
	if err != nil {
		return fmt.Errorf("unlock entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) SetLocalLocation(ctx context.Context, id, path string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE files SET local_location = ? WHERE file_id = ?`, path, id)
	if err != nil {
		return fmt.Errorf("update local location: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ResetLocks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE files SET locked = 0 WHERE locked = 1`)
	if err != nil {
		return 0, fmt.Errorf("reset locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry     Entry
		expiresMs int64
		createdMs int64
	)
	err := row.Scan(
		&entry.ID,
		&entry.RemoteLocation,
		&entry.LocalLocation,
		&expiresMs,
		&entry.DownloadCount,
		&entry.Locked,
		&createdMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	entry.ExpiresAt = time.UnixMilli(expiresMs)
	entry.CreatedAt = time.UnixMilli(createdMs)
	return &entry, nil
}
