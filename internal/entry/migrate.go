package entry

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-stream/internal/logging"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// goose 的配置是包级全局变量，多个 Store 并发打开时需要串行。
var migrateMu sync.Mutex

// migrate 使用嵌入的 SQL 文件把 schema 升级到最新版本。
func migrate(ctx context.Context, db *sql.DB, logger *logrus.Logger) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationFS)
	goose.SetLogger(logging.NewMigrationLogger(logger))
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
