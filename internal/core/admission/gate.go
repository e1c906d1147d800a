package admission

import (
	"sync"
	"time"

	"github.com/neophob/fw-honeypot/internal/shared/logger"
)

const (
	DefaultMaxPerWindow  = 32
	DefaultWindow        = time.Hour
	DefaultBlockDuration = 24 * time.Hour

	sweepInterval = time.Second
)

// Clock 返回当前时间，测试中可以替换。
type Clock func() time.Time

// window 记录一个源地址在当前窗口内的连接次数
type window struct {
	count int
	start time.Time
}

// Gate 是按源地址的滑动窗口连接计数器 + 长期封禁表。
// Admit 在任何协议逻辑之前决定是否接受连接。
type Gate struct {
	mu      sync.Mutex
	windows map[string]*window
	blocks  map[string]time.Time // addr -> expiry

	maxPerWindow  int
	window        time.Duration
	blockDuration time.Duration
	now           Clock

	cleanupStop chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
}

// Option configures a Gate.
type Option func(*Gate)

// WithLimit 设置每个窗口允许的最大连接数
func WithLimit(maxPerWindow int) Option {
	return func(g *Gate) {
		if maxPerWindow > 0 {
			g.maxPerWindow = maxPerWindow
		}
	}
}

// WithWindow 设置计数窗口长度
func WithWindow(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.window = d
		}
	}
}

// WithBlockDuration 设置超限后的封禁时长
func WithBlockDuration(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.blockDuration = d
		}
	}
}

// WithClock 替换时间源
func WithClock(c Clock) Option {
	return func(g *Gate) {
		if c != nil {
			g.now = c
		}
	}
}

// NewGate creates a gate with the defaults (32 per hour, 24h block).
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		windows:       make(map[string]*window),
		blocks:        make(map[string]time.Time),
		maxPerWindow:  DefaultMaxPerWindow,
		window:        DefaultWindow,
		blockDuration: DefaultBlockDuration,
		now:           time.Now,
		cleanupStop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit 返回 true 表示允许该地址继续。
func (g *Gate) Admit(addr string) bool {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if expiry, ok := g.blocks[addr]; ok {
		if now.Before(expiry) {
			return false
		}
		// 封禁到期后从新窗口开始计数
		delete(g.blocks, addr)
		delete(g.windows, addr)
	}

	w, ok := g.windows[addr]
	if !ok || now.Sub(w.start) > g.window {
		g.windows[addr] = &window{count: 1, start: now}
		return true
	}

	w.count++
	if w.count > g.maxPerWindow {
		g.blocks[addr] = now.Add(g.blockDuration)
		logger.Info().
			Str("client_ip", addr).
			Int("count", w.count).
			Dur("block", g.blockDuration).
			Msg("Admission: connection ceiling exceeded, address blocked.")
		return false
	}
	return true
}

// IsBlocked reports whether addr currently has an unexpired block.
func (g *Gate) IsBlocked(addr string) bool {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	expiry, ok := g.blocks[addr]
	return ok && now.Before(expiry)
}

// Len 返回 (窗口记录数, 封禁记录数)
func (g *Gate) Len() (windows, blocks int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.windows), len(g.blocks)
}

// Start 启动后台清理goroutine。
func (g *Gate) Start() {
	g.startOnce.Do(func() {
		ticker := time.NewTicker(sweepInterval)
		go func() {
			for {
				select {
				case <-ticker.C:
					g.Sweep()
				case <-g.cleanupStop:
					ticker.Stop()
					return
				}
			}
		}()
	})
}

// Stop 停止后台清理goroutine。
func (g *Gate) Stop() {
	g.stopOnce.Do(func() {
		close(g.cleanupStop)
	})
}

// Sweep 遍历两张表并移除所有过期的记录。
func (g *Gate) Sweep() {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	for addr, w := range g.windows {
		if now.Sub(w.start) > g.window {
			delete(g.windows, addr)
		}
	}
	for addr, expiry := range g.blocks {
		if !now.Before(expiry) {
			delete(g.blocks, addr)
		}
	}
}
