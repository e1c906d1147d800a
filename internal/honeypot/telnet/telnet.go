package telnet

import (
	"strings"
	"time"

	"github.com/neophob/fw-honeypot/internal/honeypot"
	"github.com/neophob/fw-honeypot/internal/shared/config"
	"github.com/neophob/fw-honeypot/internal/shared/types"
)

const (
	Banner       = "Welcome to Telnet Honeypot\r\n"
	LoginPrompt  = "login: "
	InvalidLogin = "Invalid login.\r\n" + LoginPrompt
)

// New creates the Telnet honeypot. idle_timeout 是连接的绝对存活时间。
func New(cfg *types.Config) (honeypot.Service, error) {
	settings := config.Merge(cfg.CommonConf, cfg.Telnet)
	handler := honeypot.StubHandler{
		New:      func(c *honeypot.Conn) honeypot.Stub { return NewStub(c) },
		Lifetime: time.Duration(settings.IdleTimeoutSec) * time.Second,
	}
	return honeypot.NewListener(honeypot.Telnet, settings, handler), nil
}

// Stub 永远登录失败。
type Stub struct {
	c *honeypot.Conn
}

func NewStub(c *honeypot.Conn) *Stub {
	return &Stub{c: c}
}

func (s *Stub) OnConnect() []byte {
	return []byte(Banner + LoginPrompt)
}

func (s *Stub) OnData(data []byte) ([]byte, bool) {
	s.c.Log.Info().Str("input", strings.TrimSpace(string(data))).Msg("Telnet: input")
	return []byte(InvalidLogin), false
}

func (s *Stub) OnClose() {}
