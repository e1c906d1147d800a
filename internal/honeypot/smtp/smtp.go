package smtp

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/neophob/fw-honeypot/internal/honeypot"
	"github.com/neophob/fw-honeypot/internal/shared/config"
	"github.com/neophob/fw-honeypot/internal/shared/types"
)

const (
	hostname = "mail.local"
	// 没有换行的输入超过这个长度后被丢弃
	maxLine = 64 * 1024
)

// New creates the SMTP honeypot service.
func New(cfg *types.Config) (honeypot.Service, error) {
	settings := config.Merge(cfg.CommonConf, cfg.SMTP)
	handler := honeypot.StubHandler{
		New:  func(c *honeypot.Conn) honeypot.Stub { return NewStub(c) },
		Idle: time.Duration(settings.IdleTimeoutSec) * time.Second,
	}
	return honeypot.NewListener(honeypot.SMTP, settings, handler), nil
}

// Stub 接受一切 MAIL FROM / RCPT TO / DATA，但从不投递。
type Stub struct {
	c      *honeypot.Conn
	buf    []byte
	inData bool
	size   int
	from   string
	rcpt   []string
}

func NewStub(c *honeypot.Conn) *Stub {
	return &Stub{c: c}
}

func (s *Stub) OnConnect() []byte {
	return []byte("220 " + hostname + " ESMTP welcome\r\n")
}

func (s *Stub) OnClose() {}

func (s *Stub) OnData(data []byte) ([]byte, bool) {
	s.buf = append(s.buf, data...)

	var out bytes.Buffer
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(s.buf[:i]), "\r")
		s.buf = s.buf[i+1:]

		reply, done := s.handleLine(line)
		out.WriteString(reply)
		if done {
			return out.Bytes(), true
		}
	}
	if len(s.buf) > maxLine {
		s.c.Log.Debug().Int("size", len(s.buf)).Msg("SMTP: line too long, dropped")
		s.buf = nil
	}
	return out.Bytes(), false
}

func (s *Stub) handleLine(line string) (string, bool) {
	l := s.c.Log
	if s.inData {
		if line == "." {
			s.inData = false
			l.Info().Str("from", s.from).Strs("rcpt", s.rcpt).Int("size", s.size).Msg("SMTP: message received")
			s.c.Count("MESSAGE")
			s.from, s.rcpt, s.size = "", nil, 0
			return "250 OK: message queued\r\n", false
		}
		s.size += len(line) + 2
		return "", false
	}

	verb, arg := splitCommand(line)
	switch verb {
	case "EHLO":
		l.Info().Str("client_hostname", arg).Msg("SMTP: EHLO")
		return fmt.Sprintf("250-%s Nice to meet you, [%s]\r\n250-PIPELINING\r\n250-8BITMIME\r\n250 SMTPUTF8\r\n", hostname, s.c.IP), false
	case "HELO":
		l.Info().Str("client_hostname", arg).Msg("SMTP: HELO")
		return fmt.Sprintf("250 %s Nice to meet you, [%s]\r\n", hostname, s.c.IP), false
	case "MAIL":
		s.from = address(arg)
		l.Info().Str("from", s.from).Msg("SMTP: mail from")
		return "250 Accepted\r\n", false
	case "RCPT":
		rcpt := address(arg)
		s.rcpt = append(s.rcpt, rcpt)
		l.Info().Str("rcpt", rcpt).Msg("SMTP: recipient")
		return "250 Accepted\r\n", false
	case "DATA":
		s.inData = true
		return "354 End data with <CR><LF>.<CR><LF>\r\n", false
	case "RSET":
		s.from, s.rcpt, s.size = "", nil, 0
		return "250 Flushed\r\n", false
	case "NOOP":
		return "250 OK\r\n", false
	case "AUTH":
		l.Info().Str("auth", arg).Msg("SMTP: auth attempt")
		s.c.Count("AUTH")
		return "502 5.5.1 Command not implemented\r\n", false
	case "QUIT":
		return "221 Bye\r\n", true
	case "":
		return "", false
	default:
		l.Debug().Str("line", line).Msg("SMTP: unknown command")
		return "500 5.5.2 Error: command not recognized\r\n", false
	}
}

// splitCommand 返回大写的命令和剩余参数
func splitCommand(line string) (string, string) {
	line = strings.TrimSpace(line)
	verb, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(verb), strings.TrimSpace(arg)
}

// address 从 "FROM:<a@b>" 或 "TO: a@b" 中取出地址
func address(arg string) string {
	if _, rest, ok := strings.Cut(arg, ":"); ok {
		arg = rest
	}
	arg = strings.TrimSpace(arg)
	if i := strings.IndexByte(arg, '>'); strings.HasPrefix(arg, "<") && i > 0 {
		return arg[1:i]
	}
	if f := strings.Fields(arg); len(f) > 0 {
		return f[0]
	}
	return ""
}
