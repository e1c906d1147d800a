package honeypot

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/neophob/fw-honeypot/internal/shared/metrics"
)

// Tracker 接收每个入站数据块 (tracker.Tracker)。
type Tracker interface {
	Add(ip, service string, data []byte)
}

// Admitter 是连接准入检查 (admission.Gate)。
type Admitter interface {
	Admit(addr string) bool
}

// BanList 是静态黑/白名单 (admission.BanList)。
// 永久条目是运营方自己的扫描器，连接会被直接丢弃。
type BanList interface {
	Add(ip string, d time.Duration)
	IsPermanent(ip string) bool
}

// Env 是所有服务共享的协作对象，由 app 构造后传给 Service.Create。
type Env struct {
	Gate    Admitter
	BanList BanList
	Tracker Tracker
	Metrics *metrics.Service
	Policy  Policy
	Delay   Delayer
}

func (e *Env) withDefaults() *Env {
	out := *e
	if out.Policy == nil {
		out.Policy = Never
	}
	if out.Delay == nil {
		out.Delay = NoDelay{}
	}
	return &out
}

// Conn 是一个已准入的连接以及它的追踪信息。
// 它只属于处理它的 goroutine。
type Conn struct {
	net.Conn
	IP      string
	Service string
	TraceID string
	Log     zerolog.Logger

	ctx context.Context
	env *Env
}

// NewConn 构造一个 Conn。nc 可以为 nil，用于不需要 socket 的状态机测试。
func NewConn(ctx context.Context, nc net.Conn, ip, service string, env *Env) *Conn {
	if env == nil {
		env = &Env{}
	}
	return &Conn{
		Conn:    nc,
		IP:      ip,
		Service: service,
		Log:     log.With().Str("client_ip", ip).Str("service", service).Logger(),
		ctx:     ctx,
		env:     env.withDefaults(),
	}
}

// Context is cancelled when the owning service stops.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Env returns the shared collaborators.
func (c *Conn) Env() *Env {
	return c.env
}

// Track 把数据块转发给 tracker。
func (c *Conn) Track(data []byte) {
	c.TrackAs(c.Service, data)
}

// TrackAs 以另一个服务名转发 (例如 "RDP_USERNAME")。
func (c *Conn) TrackAs(service string, data []byte) {
	if c.env.Tracker == nil || len(data) == 0 {
		return
	}
	c.env.Tracker.Add(c.IP, service, data)
}

// Count 增加 "<SERVICE>_<name>" 计数器。
func (c *Conn) Count(name string) {
	c.env.Metrics.Inc(c.Service + "_" + name)
}
