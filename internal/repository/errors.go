package repository

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"frame-index-go/internal/model"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

// MySQL 的可重试错误码：锁等待超时、死锁。
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// classifyDBError 把驱动层错误映射到 model 中的错误分类。
func classifyDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrInvalid) || errors.Is(err, model.ErrTransientIO) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %v", model.ErrNotFound, err)
	}
	if isTransientDBError(err) {
		return fmt.Errorf("%w: %v", model.ErrTransientIO, err)
	}
	return err
}

func isTransientDBError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlLockWaitTimeout || myErr.Number == mysqlDeadlock
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "connection reset by peer")
}
