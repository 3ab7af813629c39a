package embedding

import (
	"errors"
	"time"
)

// ErrNoCredentials 表示没有配置任何 API key。
var ErrNoCredentials = errors.New("embedding: credential pool is empty")

// CredentialPool 保存一组 API key 及其最近一次使用时间。
// 所有方法都是对内部状态的纯计算，不做任何 I/O，也不自带锁；
// 并发使用时由持有者负责串行化。
type CredentialPool struct {
	keys        []string
	lastUsed    []time.Time
	preferred   int
	minInterval time.Duration
}

// NewCredentialPool 按每分钟请求数创建凭证池，最小间隔为 60s / rpm。
func NewCredentialPool(keys []string, requestsPerMinute int) (*CredentialPool, error) {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 1
	}
	return NewCredentialPoolWithInterval(keys, time.Minute/time.Duration(requestsPerMinute))
}

// NewCredentialPoolWithInterval 以显式的最小间隔创建凭证池。
func NewCredentialPoolWithInterval(keys []string, minInterval time.Duration) (*CredentialPool, error) {
	if len(keys) == 0 {
		return nil, ErrNoCredentials
	}
	ks := make([]string, len(keys))
	copy(ks, keys)
	return &CredentialPool{
		keys:        ks,
		lastUsed:    make([]time.Time, len(ks)),
		minInterval: minInterval,
	}, nil
}

// Len 返回 key 的数量。
func (p *CredentialPool) Len() int { return len(p.keys) }

// Key 返回第 i 个 key。
func (p *CredentialPool) Key(i int) string { return p.keys[i] }

// MinInterval 返回同一 key 两次调用之间的最小间隔。
func (p *CredentialPool) MinInterval() time.Duration { return p.minInterval }

// Preferred 返回当前首选 key 的下标。
func (p *CredentialPool) Preferred() int { return p.preferred }

// LastUsed 返回第 i 个 key 的最近使用时间。
func (p *CredentialPool) LastUsed(i int) time.Time { return p.lastUsed[i] }

// ReadyAt 返回第 i 个 key 最早可再次使用的时间。从未使用过的 key 返回零值。
func (p *CredentialPool) ReadyAt(i int) time.Time {
	if p.lastUsed[i].IsZero() {
		return time.Time{}
	}
	return p.lastUsed[i].Add(p.minInterval)
}

func (p *CredentialPool) ready(i int, now time.Time) bool {
	return !p.ReadyAt(i).After(now)
}

// Next 选择下一次调用使用的 key。
// 首选 key 就绪时优先使用；否则从首选 key 之后轮询第一个就绪的 key；
// 都未就绪时返回最早就绪的 key 以及需要等待的时长。
func (p *CredentialPool) Next(now time.Time) (int, time.Duration) {
	n := len(p.keys)
	for step := 0; step < n; step++ {
		i := (p.preferred + step) % n
		if p.ready(i, now) {
			return i, 0
		}
	}
	best := p.preferred
	for step := 1; step < n; step++ {
		i := (p.preferred + step) % n
		if p.ReadyAt(i).Before(p.ReadyAt(best)) {
			best = i
		}
	}
	return best, p.ReadyAt(best).Sub(now)
}

// HasReady 判断 now 时刻是否有就绪的 key。
func (p *CredentialPool) HasReady(now time.Time) bool {
	_, wait := p.Next(now)
	return wait <= 0
}

// MarkUsed 记录第 i 个 key 在 t 时刻被使用。时间只会前移。
func (p *CredentialPool) MarkUsed(i int, t time.Time) {
	if t.After(p.lastUsed[i]) {
		p.lastUsed[i] = t
	}
}

// Penalize 把第 i 个 key 的下一次可用时间推迟到不早于 until。
func (p *CredentialPool) Penalize(i int, until time.Time) {
	p.MarkUsed(i, until.Add(-p.minInterval))
}

// Rotate 以概率 probability 把首选 key 移到下一个。r 是 [0,1) 上的随机数。
func (p *CredentialPool) Rotate(r, probability float64) bool {
	if len(p.keys) < 2 || r >= probability {
		return false
	}
	p.preferred = (p.preferred + 1) % len(p.keys)
	return true
}

// Clone 返回一个独立的副本。
func (p *CredentialPool) Clone() CredentialPool {
	c := CredentialPool{
		keys:        make([]string, len(p.keys)),
		lastUsed:    make([]time.Time, len(p.lastUsed)),
		preferred:   p.preferred,
		minInterval: p.minInterval,
	}
	copy(c.keys, p.keys)
	copy(c.lastUsed, p.lastUsed)
	return c
}
