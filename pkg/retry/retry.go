// Package retry 提供嵌入客户端与存储写入共用的指数退避策略。
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// ErrInvalidMaxAttempts 表示 MaxAttempts 配置不合法。
var ErrInvalidMaxAttempts = errors.New("retry: max attempts must be > 0")

// Policy 描述一次退避重试的全部参数。
type Policy struct {
	MaxAttempts int           // 总尝试次数（含第一次）
	BaseDelay   time.Duration // 第一次重试前的等待，之后每次翻倍
	MaxDelay    time.Duration // 单次等待上限，0 表示不设上限
	Jitter      float64       // [0,1]，在计算出的等待上随机缩减的比例

	// Retryable 判断错误是否值得重试；nil 表示所有错误都重试。
	Retryable func(error) bool
}

// Default 返回一个适合网络/数据库调用的默认策略。
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.2,
	}
}

// Delay 返回第 attempt 次失败后（attempt 从 1 开始）应等待的时长。
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 && delay > 0 {
		j := p.Jitter
		if j > 1 {
			j = 1
		}
		delay -= time.Duration(rand.Float64() * j * float64(delay))
	}
	return delay
}

// ShouldRetry 判断 err 是否可重试。
func (p Policy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Do 按策略执行 fn，直到成功、遇到不可重试错误或用尽次数。
// 返回最后一次的错误。
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.ShouldRetry(lastErr) || attempt == p.MaxAttempts {
			break
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// Sleep 在 ctx 取消时提前返回 ctx.Err()。
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
