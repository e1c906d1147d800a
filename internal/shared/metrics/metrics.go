package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/neophob/fw-honeypot/internal/shared/logger"
)

const defaultErrorSlots = 16

// Service 是蜜罐的统计服务: 命名计数器 + 最近错误环形缓冲 + prometheus 指标。
// 由 app 显式创建并注入到各组件中。
type Service struct {
	registry *prometheus.Registry

	events          *prometheus.CounterVec
	traffic         *prometheus.CounterVec
	analysisLatency prometheus.Histogram
	queueDepth      prometheus.Gauge

	mu       sync.Mutex
	values   map[string]int64
	errors   []string
	errSlot  int
	errCount int

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a metrics service with its own prometheus registry.
// errorSlots <= 0 selects the default of 16.
func New(errorSlots int) *Service {
	if errorSlots <= 0 {
		errorSlots = defaultErrorSlots
	}
	reg := prometheus.NewRegistry()
	s := &Service{
		registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "honeypot",
			Name:      "events_total",
			Help:      "Honeypot events by name.",
		}, []string{"name"}),
		traffic: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "honeypot",
			Name:      "traffic_bytes_total",
			Help:      "Bytes exchanged with clients.",
		}, []string{"service", "direction"}),
		analysisLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "honeypot",
			Name:      "analysis_duration_seconds",
			Help:      "Latency reported by the analysis service.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "honeypot",
			Name:      "analysis_queue_depth",
			Help:      "Tasks waiting for the analysis service.",
		}),
		values: make(map[string]int64),
		errors: make([]string, errorSlots),
		stopCh: make(chan struct{}),
	}
	reg.MustRegister(s.events, s.traffic, s.analysisLatency, s.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return s
}

// Registry 返回用于 /metrics 的 prometheus registry
func (s *Service) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

// Inc increases the named counter by one.
func (s *Service) Inc(key string) {
	s.Add(key, 1)
}

// Add increases the named counter by n.
func (s *Service) Add(key string, n int64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.values[key] += n
	s.mu.Unlock()
	s.events.WithLabelValues(key).Add(float64(n))
}

// AddBytes 统计某个服务的收发字节数, direction 为 "in" 或 "out"。
func (s *Service) AddBytes(service, direction string, n int) {
	if s == nil || n <= 0 {
		return
	}
	s.traffic.WithLabelValues(service, direction).Add(float64(n))
}

// ObserveAnalysis records the duration reported by the analysis service.
func (s *Service) ObserveAnalysis(d time.Duration) {
	if s == nil || d <= 0 {
		return
	}
	s.analysisLatency.Observe(d.Seconds())
}

// SetQueueDepth 更新分析队列长度
func (s *Service) SetQueueDepth(n int) {
	if s == nil {
		return
	}
	s.queueDepth.Set(float64(n))
}

// AddError 把错误消息写入环形缓冲，覆盖最旧的一条。
func (s *Service) AddError(msg string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.errors[s.errSlot] = msg
	s.errSlot = (s.errSlot + 1) % len(s.errors)
	if s.errCount < len(s.errors) {
		s.errCount++
	}
	s.mu.Unlock()
}

// Snapshot returns a copy of all counters.
func (s *Service) Snapshot() map[string]int64 {
	if s == nil {
		return map[string]int64{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Get returns a single counter value.
func (s *Service) Get(key string) int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// LastErrors 按写入顺序 (旧 -> 新) 返回最近的错误消息。
func (s *Service) LastErrors() []string {
	if s == nil {
		return []string{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, s.errCount)
	start := 0
	if s.errCount == len(s.errors) {
		start = s.errSlot
	}
	for i := 0; i < s.errCount; i++ {
		out = append(out, s.errors[(start+i)%len(s.errors)])
	}
	return out
}

// Clear 清空计数器和错误缓冲 (prometheus 计数器保持单调，不受影响)。
func (s *Service) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]int64)
	for i := range s.errors {
		s.errors[i] = ""
	}
	s.errSlot = 0
	s.errCount = 0
}

// Start 启动后台 goroutine，每隔 interval 把统计信息写到日志。
func (s *Service) Start(interval time.Duration) {
	if s == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				s.logSummary()
			case <-s.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop 停止后台 goroutine。可重复调用。
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *Service) logSummary() {
	values := s.Snapshot()
	errs := s.LastErrors()
	if len(values) == 0 && len(errs) == 0 {
		return
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ev := logger.Info()
	for _, k := range keys {
		ev = ev.Int64(k, values[k])
	}
	ev.Msg("Statistics")
	if len(errs) > 0 {
		logger.Warn().Interface("errors", errs).Msg("Statistics: last errors")
	}
}
