package analysis

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/neophob/fw-honeypot/internal/shared/logger"
	"github.com/neophob/fw-honeypot/internal/shared/metrics"
)

// ResultSink 接收每个处理完成 (成功、fallback 或失败) 的任务。
type ResultSink interface {
	HandleOutcome(o *Outcome)
}

// Dispatcher 是一个 FIFO 队列，同一时刻最多只有一个任务在请求分析服务。
// 队列长度不设上限，Enqueue 永不阻塞。
type Dispatcher struct {
	gen     Generator
	metrics *metrics.Service
	timeout time.Duration

	mu     sync.Mutex
	queue  []Task
	sinks  []ResultSink
	signal chan struct{}

	stopCh    chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	waitGroup sync.WaitGroup
}

// NewDispatcher creates a dispatcher. timeout bounds a single request; 0 means none.
func NewDispatcher(gen Generator, m *metrics.Service, timeout time.Duration, sinks ...ResultSink) *Dispatcher {
	return &Dispatcher{
		gen:     gen,
		metrics: m,
		timeout: timeout,
		sinks:   sinks,
		signal:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// AddSink registers an additional sink. Safe to call before or after Start.
func (d *Dispatcher) AddSink(s ResultSink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// Enqueue 把任务追加到队尾并唤醒 worker。
func (d *Dispatcher) Enqueue(t Task) {
	d.mu.Lock()
	d.queue = append(d.queue, t)
	depth := len(d.queue)
	d.mu.Unlock()

	d.metrics.SetQueueDepth(depth)
	logger.Debug().Str("client_ip", t.Meta.IP).Str("service", t.Meta.Service).Int("queue", depth).Msg("Analysis: task enqueued")

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of queued (not in-flight) tasks.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Start 启动唯一的 worker goroutine。
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.waitGroup.Add(1)
		go d.run(ctx)
	})
}

// Stop 停止 worker 并等待正在处理的任务结束。队列中剩余的任务被丢弃。
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.waitGroup.Wait()
}

func (d *Dispatcher) pop() (Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return Task{}, false
	}
	t := d.queue[0]
	d.queue[0] = Task{}
	d.queue = d.queue[1:]
	d.metrics.SetQueueDepth(len(d.queue))
	return t, true
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.waitGroup.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		task, ok := d.pop()
		if !ok {
			select {
			case <-d.signal:
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			}
			continue
		}
		d.process(ctx, task)
	}
}

func (d *Dispatcher) process(ctx context.Context, task Task) {
	reqCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	l := logger.WithComponent("analysis").With().
		Str("client_ip", task.Meta.IP).
		Str("service", task.Meta.Service).
		Logger()

	start := time.Now()
	reply, err := d.gen.Generate(reqCtx, BuildPrompt(task))
	outcome := &Outcome{Task: task, Finished: time.Now()}
	if err != nil {
		outcome.Duration = time.Since(start)
		outcome.Err = err.Error()
		d.metrics.Inc("ANALYSIS_ERROR")
		d.metrics.AddError("Analysis#" + err.Error())
		l.Warn().Err(err).Msg("Analysis: service call failed, task dropped")
	} else {
		outcome.Duration = reply.Duration
		if outcome.Duration <= 0 {
			outcome.Duration = time.Since(start)
		}
		outcome.Result = ParseResult(reply.Text)
		d.metrics.ObserveAnalysis(outcome.Duration)
		if outcome.Result.Fallback {
			d.metrics.Inc("ANALYSIS_FALLBACK")
			l.Warn().Str("reply", reply.Text).Msg("Analysis: unstructured reply wrapped as fallback")
		} else {
			d.metrics.Inc("ANALYSIS_OK")
			l.Info().Str("level", outcome.Result.Level).Str("phase", outcome.Result.Phase).Msg("Analysis: completed")
		}
	}

	d.mu.Lock()
	sinks := append([]ResultSink(nil), d.sinks...)
	d.mu.Unlock()
	for _, s := range sinks {
		s.HandleOutcome(outcome)
	}
}

// LogSink 把每个结果以一行 JSON 写入 analysis.log。
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink wraps a JSON file logger (see logger.NewFileLogger).
func NewLogSink(l zerolog.Logger) *LogSink {
	return &LogSink{log: l}
}

// HandleOutcome implements ResultSink.
func (s *LogSink) HandleOutcome(o *Outcome) {
	ev := s.log.Info()
	if o.Failed() {
		ev = s.log.Error().Str("error", o.Err)
	}
	ev = ev.Str("ip", o.Task.Meta.IP).
		Str("service", o.Task.Meta.Service).
		Str("country", o.Task.Meta.Country).
		Int("size", o.Task.Meta.Size).
		Bool("truncated", o.Task.Meta.Truncated).
		Dur("duration", o.Duration)
	if o.Result != nil {
		ev = ev.Interface("result", o.Result)
	}
	ev.Msg("analysis")
}
