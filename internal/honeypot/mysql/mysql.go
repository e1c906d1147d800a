package mysql

import (
	"time"

	"github.com/neophob/fw-honeypot/internal/honeypot"
	"github.com/neophob/fw-honeypot/internal/shared/config"
	"github.com/neophob/fw-honeypot/internal/shared/types"
)

var (
	// Handshake 是连接后立即发送的静态握手包
	Handshake = buildHandshake()
	// AccessDenied 是对任何客户端包的回复
	AccessDenied = append([]byte{0xff, 0x15, 0x04, 0x23}, "28000 Access denied for user"...)
)

func buildHandshake() []byte {
	b := []byte{0x0a} // protocol version
	b = append(b, "5.7.31-log"...)
	b = append(b, 0x00)
	b = append(b, 0x00, 0x00, 0x00, 0x00) // connection id
	b = append(b, 0x08, 0x00, 0x00, 0x00) // capabilities
	b = append(b, 0x21, 0x00)             // utf8_general_ci
	b = append(b, 0x02, 0x00)             // status
	return b
}

// New creates the MySQL honeypot. idle_timeout 是连接的绝对存活时间。
func New(cfg *types.Config) (honeypot.Service, error) {
	settings := config.Merge(cfg.CommonConf, cfg.MySQL)
	handler := honeypot.StubHandler{
		New:      func(c *honeypot.Conn) honeypot.Stub { return NewStub(c) },
		Lifetime: time.Duration(settings.IdleTimeoutSec) * time.Second,
	}
	return honeypot.NewListener(honeypot.MySQL, settings, handler), nil
}

type Stub struct {
	c *honeypot.Conn
}

func NewStub(c *honeypot.Conn) *Stub {
	return &Stub{c: c}
}

func (s *Stub) OnConnect() []byte {
	return append([]byte(nil), Handshake...)
}

func (s *Stub) OnData(data []byte) ([]byte, bool) {
	s.c.Log.Debug().Hex("data", data).Msg("MySQL: login packet")
	s.c.Count("LOGIN")
	return append([]byte(nil), AccessDenied...), false
}

func (s *Stub) OnClose() {}
