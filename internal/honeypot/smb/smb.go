package smb

import (
	"time"

	"github.com/neophob/fw-honeypot/internal/honeypot"
	"github.com/neophob/fw-honeypot/internal/shared/config"
	"github.com/neophob/fw-honeypot/internal/shared/types"
)

const (
	defaultSessionID = 0x4000
	// 未完成帧的最大缓冲，超过后丢弃缓冲区
	maxPending = 128 * 1024
)

// Options 是响应中嵌入的服务器身份
type Options struct {
	ServerName string
	ServerOS   string
	Domain     string
	SessionID  uint16
}

func (o Options) withDefaults() Options {
	if o.ServerName == "" {
		o.ServerName = "webserver2k.test"
	}
	if o.ServerOS == "" {
		o.ServerOS = "Windows 2000 5.0"
	}
	if o.Domain == "" {
		o.Domain = "WORKGROUP"
	}
	if o.SessionID == 0 {
		o.SessionID = defaultSessionID
	}
	return o
}

// optionsFrom 把 [smb] 配置转换为 Options。超出 uint16 范围的 session_id 使用默认值。
func optionsFrom(c types.SMBConf) Options {
	opts := Options{
		ServerName: c.ServerName,
		ServerOS:   c.ServerOS,
		Domain:     c.Domain,
	}
	if c.SessionID > 0 && c.SessionID <= 0xffff {
		opts.SessionID = uint16(c.SessionID)
	}
	return opts
}

// New creates the SMB honeypot service.
func New(cfg *types.Config) (honeypot.Service, error) {
	settings := config.Merge(cfg.CommonConf, cfg.SMB.Service())
	opts := optionsFrom(cfg.SMB)
	handler := honeypot.StubHandler{
		New: func(c *honeypot.Conn) honeypot.Stub {
			return NewStub(c, opts)
		},
		Idle: time.Duration(settings.IdleTimeoutSec) * time.Second,
	}
	return honeypot.NewListener(honeypot.SMB, settings, handler), nil
}

// Stub 缓冲入站字节直到凑齐一个完整的 NetBIOS 帧。
type Stub struct {
	c    *honeypot.Conn
	opts Options
	buf  []byte
}

func NewStub(c *honeypot.Conn, opts Options) *Stub {
	return &Stub{c: c, opts: opts.withDefaults()}
}

func (s *Stub) OnConnect() []byte { return nil }

func (s *Stub) OnData(data []byte) ([]byte, bool) {
	s.buf = append(s.buf, data...)

	var out []byte
	for len(s.buf) >= netbiosHeaderLen {
		n := frameLen(s.buf)
		if n > maxPending {
			s.c.Log.Debug().Int("frame_len", n).Msg("SMB: oversized frame, dropping buffer")
			s.c.Count("OVERSIZED")
			s.buf = nil
			break
		}
		if len(s.buf) < netbiosHeaderLen+n {
			break
		}
		pkt := s.buf[netbiosHeaderLen : netbiosHeaderLen+n]
		if resp := s.Handle(pkt); resp != nil {
			out = append(out, Frame(resp)...)
		}
		s.buf = s.buf[netbiosHeaderLen+n:]
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return out, false
}

func (s *Stub) OnClose() {}

// Handle 处理一个去掉 NetBIOS 头的 SMB 包，返回未加帧的响应。
// 非 SMB 或过短的包被记录后忽略。
func (s *Stub) Handle(pkt []byte) []byte {
	l := s.c.Log
	if !IsSMB(pkt) {
		l.Debug().Hex("data", pkt).Msg("SMB: non-SMB packet or truncated")
		s.c.Count("MALFORMED")
		return nil
	}

	cmd := pkt[4]
	switch cmd {
	case CmdNegotiate:
		dialects := ParseDialects(pkt)
		idx, chosen := ChooseDialect(dialects)
		l.Info().Strs("dialects", dialects).Str("dialect", chosen).Int("index", idx).Msg("SMB: negotiate")
		s.c.Count("NEGOTIATE")
		return NegotiateResponse(s.opts, idx)

	case CmdSessionSetup:
		info := ParseSessionSetup(pkt)
		l.Info().
			Str("username", info.Username).
			Str("workstation", info.Workstation).
			Str("native_lan_man", info.NativeLanMan).
			Msg("SMB: session setup")
		s.c.Count("SESSION_SETUP")
		return SessionSetupResponse(s.opts)

	case CmdTreeConnect:
		req := ParseTreeConnect(pkt)
		l.Info().Str("path", req.Path).Str("share_service", req.Service).Bool("unicode", req.Unicode).Msg("SMB: tree connect")
		s.c.Count("TREE_CONNECT")
		return TreeConnectResponse(UID(pkt), treeID)

	case CmdTransaction:
		l.Debug().Msg("SMB: transaction")
		return TransactionResponse(pkt)

	case CmdNTCreateAndX:
		l.Debug().Msg("SMB: NT create")
		return NTCreateResponse(UID(pkt), fileID)

	default:
		l.Debug().Uint8("command", cmd).Msg("SMB: unsupported command, generic response")
		return GenericResponse(cmd)
	}
}
