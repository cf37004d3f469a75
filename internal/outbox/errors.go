package outbox

import (
	"database/sql/driver"
	"errors"

	"github.com/go-sql-driver/mysql"
)

var (
	// ErrVersionConflict 表示标记锁定时有行已被其他事务修改
	ErrVersionConflict = errors.New("outbox: stored event changed concurrently")
	// ErrEmptyRoutingKey 插入事件时路由键为空
	ErrEmptyRoutingKey = errors.New("outbox: routing key must not be empty")
)

// MySQL 中表示事务冲突的错误码
const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
	sqlStateSerialization   = "40001"
)

// SQLite 的 BUSY / LOCKED 主错误码
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// IsTransient 判断错误是否属于可以整体重试事务的冲突类错误
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrDeadlock, mysqlErrLockWaitTimeout:
			return true
		}
		return string(myErr.SQLState[:]) == sqlStateSerialization
	}

	// sqlite 驱动的错误类型只暴露 Code()，扩展错误码的低8位是主错误码
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		switch coded.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
	}
	return false
}
