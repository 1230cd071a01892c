// Package dbtest 为单元测试提供基于 SQLite 的临时数据库
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"paas-control/internal/pkg/database"
)

// New 创建已迁移的临时数据库，测试结束时关闭
func New(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "paas.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(0)"
	db, err := database.Open(sqlite.Open(dsn), "silent")
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// SQLite 单写者，事务内必须使用 tx 而不是外层 db
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}
