package tracker

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/neophob/fw-honeypot/internal/core/analysis"
	"github.com/neophob/fw-honeypot/internal/shared/logger"
	"github.com/neophob/fw-honeypot/internal/shared/metrics"
)

const (
	DefaultInactivity = 120 * time.Second
	DefaultMaxBytes   = 3 * 1024
)

// Filter 决定一个 payload 是否足够新颖，值得送去分析 (dedup.Window)。
type Filter interface {
	IsUnique(payload []byte) bool
}

// Enqueuer 接收通过去重的会话 (analysis.Dispatcher)。
type Enqueuer interface {
	Enqueue(task analysis.Task)
}

// CountryResolver 为源地址打上国家标签。
type CountryResolver interface {
	Country(ip string) string
}

// Observer 在每次 flush 后收到会话快照 (websocket hub, nats)。
type Observer interface {
	OnSessionFlushed(s *Snapshot, unique bool)
}

// Options configures a Tracker. Zero values select the defaults.
type Options struct {
	Inactivity time.Duration
	MaxBytes   int
	Dump       io.Writer
	Filter     Filter
	Analyzer   Enqueuer
	Geo        CountryResolver
	Metrics    *metrics.Service
	Observers  []Observer
}

// session 是一个 (ip, service) 在不活动窗口内收集到的数据
type session struct {
	ip      string
	service string
	chunks  [][]byte
	started time.Time
	timer   *time.Timer
	gen     uint64
}

// Tracker 把同一 (源地址, 服务) 的数据块聚合成一个会话，
// 在 Inactivity 时间内没有新数据时 flush。
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*session
	opts     Options

	dumpMu sync.Mutex
}

// New creates a tracker.
func New(opts Options) *Tracker {
	if opts.Inactivity <= 0 {
		opts.Inactivity = DefaultInactivity
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	return &Tracker{
		sessions: make(map[string]*session),
		opts:     opts,
	}
}

func makeKey(ip, service string) string {
	return ip + "|" + service
}

// Add 追加一个数据块 (与已有块完全相同时忽略) 并重置不活动定时器。
func (t *Tracker) Add(ip, service string, data []byte) {
	key := makeKey(ip, service)

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[key]
	if !ok {
		logger.Debug().Str("client_ip", ip).Str("service", service).Msg("Tracker: new session")
		s = &session{ip: ip, service: service, started: time.Now()}
		t.sessions[key] = s
	}

	if len(data) > 0 && !containsChunk(s.chunks, data) {
		chunk := make([]byte, len(data))
		copy(chunk, data)
		s.chunks = append(s.chunks, chunk)
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(t.opts.Inactivity, func() {
		t.fire(key, gen)
	})
}

// AddString is a convenience wrapper for text chunks.
func (t *Tracker) AddString(ip, service, text string) {
	t.Add(ip, service, []byte(text))
}

// Len returns the number of open sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Clear 取消所有定时器并丢弃所有会话，不会触发 flush。
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, s := range t.sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
		// 已经在运行的回调会因为 gen 不匹配而放弃
		s.gen++
		delete(t.sessions, key)
	}
	logger.Debug().Msg("Tracker: cleared all sessions")
}

// Flush 立即 flush 所有会话 (关闭时使用)。
func (t *Tracker) Flush() {
	t.mu.Lock()
	pending := make([]*session, 0, len(t.sessions))
	for key, s := range t.sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
		s.gen++
		delete(t.sessions, key)
		pending = append(pending, s)
	}
	t.mu.Unlock()

	for _, s := range pending {
		t.flush(s)
	}
}

func (t *Tracker) fire(key string, gen uint64) {
	t.mu.Lock()
	s, ok := t.sessions[key]
	if !ok || s.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.sessions, key)
	t.mu.Unlock()

	t.flush(s)
}

func (t *Tracker) flush(s *session) {
	snap := t.snapshot(s)
	t.opts.Metrics.Inc("TRACKER_FLUSH")

	if t.opts.Dump != nil {
		t.dumpMu.Lock()
		_, err := io.WriteString(t.opts.Dump, snap.Summary()+"\n")
		t.dumpMu.Unlock()
		if err != nil {
			logger.Error().Err(err).Str("client_ip", snap.IP).Msg("Tracker: failed to write dump log")
			t.opts.Metrics.AddError("TrackerDump#" + err.Error())
		}
	}

	unique := true
	if t.opts.Filter != nil {
		unique = t.opts.Filter.IsUnique(snap.Raw)
	}
	if unique {
		t.opts.Metrics.Inc("TRACKER_UNIQUE")
		if t.opts.Analyzer != nil {
			t.opts.Analyzer.Enqueue(snap.Task())
		}
	} else {
		t.opts.Metrics.Inc("TRACKER_DUPLICATE")
	}

	for _, o := range t.opts.Observers {
		o.OnSessionFlushed(snap, unique)
	}

	logger.Debug().
		Str("client_ip", snap.IP).
		Str("service", snap.Service).
		Int("size", snap.Size).
		Bool("truncated", snap.Truncated).
		Bool("unique", unique).
		Msg("Tracker: session flushed")
}

func (t *Tracker) snapshot(s *session) *Snapshot {
	raw := bytes.Join(s.chunks, nil)
	size := len(raw)
	truncated := false
	if len(raw) > t.opts.MaxBytes {
		raw = raw[:t.opts.MaxBytes]
		truncated = true
	}
	country := ""
	if t.opts.Geo != nil {
		country = t.opts.Geo.Country(s.ip)
	}
	return &Snapshot{
		IP:        s.ip,
		Service:   s.service,
		Country:   country,
		Raw:       raw,
		Text:      Printable(raw),
		Size:      size,
		Truncated: truncated,
		Chunks:    len(s.chunks),
		Started:   s.started,
		Flushed:   time.Now(),
	}
}

func containsChunk(chunks [][]byte, data []byte) bool {
	for _, c := range chunks {
		if bytes.Equal(c, data) {
			return true
		}
	}
	return false
}

// Printable 把不可打印字节替换为空格并合并连续空白。
func Printable(raw []byte) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		if c >= 0x20 && c <= 0x7e {
			b.WriteByte(c)
		} else {
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Snapshot 是一次 flush 的结果
type Snapshot struct {
	IP        string    `json:"ip"`
	Service   string    `json:"service"`
	Country   string    `json:"country,omitempty"`
	Raw       []byte    `json:"-"`
	Text      string    `json:"text"`
	Size      int       `json:"size"`
	Truncated bool      `json:"truncated"`
	Chunks    int       `json:"chunks"`
	Started   time.Time `json:"started"`
	Flushed   time.Time `json:"flushed"`
}

// Summary 是写入 dump.log 的文本块
func (s *Snapshot) Summary() string {
	return fmt.Sprintf("IP: %s, service %s\n%s", s.IP, s.Service, s.Text)
}

// Task 把快照转换为分析任务
func (s *Snapshot) Task() analysis.Task {
	return analysis.Task{
		Payload: s.Text,
		Meta: analysis.Meta{
			IP:        s.IP,
			Service:   s.Service,
			Country:   s.Country,
			Size:      s.Size,
			Truncated: s.Truncated,
		},
	}
}
