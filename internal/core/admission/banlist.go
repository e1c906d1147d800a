package admission

import (
	"net"
	"sync"
	"time"

	"github.com/neophob/fw-honeypot/internal/shared/logger"
)

// banEntry 要么永久有效，要么在 until 之前有效
type banEntry struct {
	permanent bool
	until     time.Time
}

// BanList 是按 IPv4 / IPv6 分桶的地址列表。
// 从文件加载的条目是永久的; 协议服务在连接时通过 Add 追加带过期时间的条目。
type BanList struct {
	mu  sync.RWMutex
	v4  map[string]banEntry
	v6  map[string]banEntry
	now Clock

	cleanupStop chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
}

// NewBanList creates an empty list. A nil clock means time.Now.
func NewBanList(clock Clock) *BanList {
	if clock == nil {
		clock = time.Now
	}
	return &BanList{
		v4:          make(map[string]banEntry),
		v6:          make(map[string]banEntry),
		now:         clock,
		cleanupStop: make(chan struct{}),
	}
}

// NewBanListFrom 用永久条目初始化列表 (attacker.json 内容)。
func NewBanListFrom(ipV4, ipV6 []string, clock Clock) *BanList {
	l := NewBanList(clock)
	for _, ip := range ipV4 {
		l.v4[ip] = banEntry{permanent: true}
	}
	for _, ip := range ipV6 {
		l.v6[ip] = banEntry{permanent: true}
	}
	return l
}

func (l *BanList) bucket(ip string) map[string]banEntry {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil
	}
	if parsed.To4() != nil {
		return l.v4
	}
	return l.v6
}

// Add 把 ip 加入列表，直到 now+d。永久条目不会被覆盖。
func (l *BanList) Add(ip string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucket(ip)
	if b == nil {
		logger.Debug().Str("ip", ip).Msg("BanList: ignoring unparsable address.")
		return
	}
	if e, ok := b[ip]; ok && e.permanent {
		return
	}
	b[ip] = banEntry{until: l.now().Add(d)}
}

// AddPermanent adds an entry that is never expired by the tick.
func (l *BanList) AddPermanent(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b := l.bucket(ip); b != nil {
		b[ip] = banEntry{permanent: true}
	}
}

// Contains reports whether ip is present (permanent or not yet swept).
func (l *BanList) Contains(ip string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b := l.bucket(ip)
	if b == nil {
		return false
	}
	_, ok := b[ip]
	return ok
}

// IsPermanent reports whether ip is a permanent entry.
func (l *BanList) IsPermanent(ip string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b := l.bucket(ip)
	if b == nil {
		return false
	}
	e, ok := b[ip]
	return ok && e.permanent
}

// Delete removes ip from whichever bucket holds it.
func (l *BanList) Delete(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.v4, ip)
	delete(l.v6, ip)
}

// Len returns the size of both buckets.
func (l *BanList) Len() (v4, v6 int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.v4), len(l.v6)
}

// Entries 返回两个桶里的所有地址 (用于 API 输出)
func (l *BanList) Entries() (v4, v6 []string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v4 = make([]string, 0, len(l.v4))
	for ip := range l.v4 {
		v4 = append(v4, ip)
	}
	v6 = make([]string, 0, len(l.v6))
	for ip := range l.v6 {
		v6 = append(v6, ip)
	}
	return v4, v6
}

// Start 启动每秒一次的过期清理。
func (l *BanList) Start() {
	l.startOnce.Do(func() {
		ticker := time.NewTicker(sweepInterval)
		go func() {
			for {
				select {
				case <-ticker.C:
					l.Expire()
				case <-l.cleanupStop:
					ticker.Stop()
					return
				}
			}
		}()
	})
}

// Stop 停止后台清理goroutine。
func (l *BanList) Stop() {
	l.stopOnce.Do(func() {
		close(l.cleanupStop)
	})
}

// Expire 删除所有过期时间 <= now 的非永久条目。
func (l *BanList) Expire() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range []map[string]banEntry{l.v4, l.v6} {
		for ip, e := range b {
			if !e.permanent && !e.until.After(now) {
				delete(b, ip)
				logger.Debug().Str("ip", ip).Msg("BanList: removed expired entry.")
			}
		}
	}
}
