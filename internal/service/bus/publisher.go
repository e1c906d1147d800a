package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/neophob/fw-honeypot/internal/core/analysis"
	"github.com/neophob/fw-honeypot/internal/core/tracker"
	"github.com/neophob/fw-honeypot/internal/shared/logger"
	"github.com/neophob/fw-honeypot/internal/shared/metrics"
	"github.com/neophob/fw-honeypot/internal/shared/types"
)

const (
	DefaultSubject = "honeypot.events"

	sessionSuffix  = ".session"
	analysisSuffix = ".analysis"
)

// conn 是 *nats.Conn 中我们用到的部分
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// SessionEvent 是发布到 <subject>.session 的消息
type SessionEvent struct {
	*tracker.Snapshot
	Unique bool `json:"unique"`
}

// Publisher 把会话快照和分析结果以 JSON 发布到 NATS。
// 它同时是 tracker.Observer 和 analysis.ResultSink。
type Publisher struct {
	nc      conn
	subject string
	metrics *metrics.Service
}

// Connect 连接 NATS，初次连接失败时按指数退避重试，ctx 取消时放弃。
func Connect(ctx context.Context, cfg types.NatsConf, m *metrics.Service) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url not configured")
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxInterval(5*time.Second),
	), 5), ctx)

	var nc *nats.Conn
	err := backoff.RetryNotify(func() error {
		var err error
		nc, err = nats.Connect(cfg.URL,
			nats.Name("fw-honeypot"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn().Err(err).Msg("NATS disconnected.")
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected.")
			}),
		)
		return err
	}, b, func(err error, d time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", d).Msg("NATS connect failed, retrying.")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info().Str("url", cfg.URL).Msg("Connected to NATS server.")
	return newPublisher(nc, cfg.Subject, m), nil
}

func newPublisher(nc conn, subject string, m *metrics.Service) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{nc: nc, subject: subject, metrics: m}
}

func (p *Publisher) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error().Err(err).Str("subject", subject).Msg("NATS: failed to marshal event")
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.metrics.Inc("NATS_ERROR")
		p.metrics.AddError("NATS_ERROR#" + err.Error())
		logger.Warn().Err(err).Str("subject", subject).Msg("NATS: publish failed")
		return
	}
	p.metrics.Inc("NATS_PUBLISHED")
}

// OnSessionFlushed implements tracker.Observer.
func (p *Publisher) OnSessionFlushed(s *tracker.Snapshot, unique bool) {
	p.publish(p.subject+sessionSuffix, SessionEvent{Snapshot: s, Unique: unique})
}

// HandleOutcome implements analysis.ResultSink.
func (p *Publisher) HandleOutcome(o *analysis.Outcome) {
	p.publish(p.subject+analysisSuffix, o)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		logger.Warn().Err(err).Msg("NATS drain failed")
		return
	}
	logger.Info().Msg("NATS connection drained and closed.")
}
