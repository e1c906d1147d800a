package honeypot

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Policy 决定一次认证尝试是否成功。method 为 "password"、"keyboard-interactive" 等。
type Policy interface {
	Accept(method string) bool
}

// PolicyFunc adapts a plain function to Policy.
type PolicyFunc func(method string) bool

func (f PolicyFunc) Accept(method string) bool { return f(method) }

var (
	// Always accepts every attempt.
	Always Policy = PolicyFunc(func(string) bool { return true })
	// Never rejects every attempt.
	Never Policy = PolicyFunc(func(string) bool { return false })
)

// ProbabilityPolicy 以固定概率接受，使用带种子的 PRNG 以便测试可复现。
type ProbabilityPolicy struct {
	mu  sync.Mutex
	p   float64
	rnd *rand.Rand
}

func NewProbabilityPolicy(p float64, seed int64) *ProbabilityPolicy {
	return &ProbabilityPolicy{p: p, rnd: rand.New(rand.NewSource(seed))}
}

func (pp *ProbabilityPolicy) Accept(string) bool {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return pp.rnd.Float64() < pp.p
}

// Delayer 模拟真实服务的响应延迟。
type Delayer interface {
	// Delay 在 [min, max) 内随机等待，ctx 取消时提前返回 ctx.Err()。
	Delay(ctx context.Context, min, max time.Duration) error
}

// RandomDelayer sleeps for a uniformly distributed duration.
type RandomDelayer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRandomDelayer(seed int64) *RandomDelayer {
	return &RandomDelayer{rnd: rand.New(rand.NewSource(seed))}
}

func (d *RandomDelayer) Delay(ctx context.Context, min, max time.Duration) error {
	wait := min
	if max > min {
		d.mu.Lock()
		wait += time.Duration(d.rnd.Int63n(int64(max - min)))
		d.mu.Unlock()
	}
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NoDelay returns immediately. Used by tests.
type NoDelay struct{}

func (NoDelay) Delay(ctx context.Context, _, _ time.Duration) error { return ctx.Err() }
