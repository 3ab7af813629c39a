// Package database 负责打开关系库与 Redis 连接。
package database

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// 支持的驱动名。
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// OpenDB 按驱动名打开数据库连接并配置连接池。
func OpenDB(driver, dsn string, log *zap.SugaredLogger) (*gorm.DB, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	switch strings.ToLower(driver) {
	case DriverMySQL:
		db, err := gorm.Open(mysql.Open(dsn), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect mysql: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxIdleConns(10)           // 设置空闲连接池中连接的最大数量
		sqlDB.SetMaxOpenConns(100)          // 设置打开数据库连接的最大数量
		sqlDB.SetConnMaxLifetime(time.Hour) // 设置了连接可复用的最大时间
		log.Info("MySQL database connected successfully")
		return db, nil

	case DriverSQLite:
		db, err := gorm.Open(sqlite.Open(sqliteDSN(dsn)), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		// SQLite 只允许一个写连接
		sqlDB.SetMaxOpenConns(1)
		log.Infof("SQLite database opened, dsn: %s", dsn)
		return db, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// sqliteDSN 为 DSN 补上 busy_timeout，避免并发写入时立即返回 database is locked。
func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "file:frame_index.db"
	}
	if strings.Contains(dsn, "_busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=5000"
}
