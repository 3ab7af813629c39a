package model

import "errors"

// 错误分类，调用方统一使用 errors.Is 判断。
var (
	// ErrNotFound 表示引用的 item/chunk 不存在。
	ErrNotFound = errors.New("not found")

	// ErrRateLimited 表示上游限流（可重试）。
	ErrRateLimited = errors.New("rate limited")

	// ErrTransientIO 表示网络或数据库的暂时性故障（可重试）。
	ErrTransientIO = errors.New("transient io failure")

	// ErrInvalid 表示输入不合法（不可重试）。
	ErrInvalid = errors.New("invalid input")

	// ErrPartialFailure 表示 item 写入成功但部分 chunk 失败。
	ErrPartialFailure = errors.New("partial failure")
)

// IsRetryable 判断错误是否属于可重试类别。
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransientIO)
}
