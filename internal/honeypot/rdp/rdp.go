package rdp

import (
	"encoding/binary"
	"time"

	"github.com/neophob/fw-honeypot/internal/honeypot"
	"github.com/neophob/fw-honeypot/internal/shared/config"
	"github.com/neophob/fw-honeypot/internal/shared/types"
)

// UsernameService 是提取出的用户名在 tracker 中使用的服务名
const UsernameService = "RDP_USERNAME"

// PDU 类型 (TPKT(4) + X.224 LI(1) 之后的字节)
const (
	typeNegotiation = 0x01
	typeSecurity    = 0x03
	typeClientInfo  = 0x04
)

var (
	// ConnectionConfirm 是 X.224 CC，TPKT 长度 11
	ConnectionConfirm = []byte{
		0x03, 0x00, 0x00, 0x0b,
		0x06, 0xd0,
		0x00, 0x00, // DST-REF
		0x12, 0x34, // SRC-REF
		0x00,
	}
	// NegotiationResponse selects standard RDP security (0x00000001).
	NegotiationResponse = []byte{
		0x03, 0x00, 0x00, 0x0c,
		0x02, 0xf0, 0x80, 0x7f,
		0x00, 0x00, 0x00, 0x01,
	}
	// ServerSecurity 是带 8 个零字节的服务器安全响应
	ServerSecurity = []byte{
		0x03, 0x00, 0x00, 0x0c,
		0x02, 0x02,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
)

// New creates the RDP honeypot service.
func New(cfg *types.Config) (honeypot.Service, error) {
	settings := config.Merge(cfg.CommonConf, cfg.RDP)
	handler := honeypot.StubHandler{
		New: func(c *honeypot.Conn) honeypot.Stub {
			return NewStub(c)
		},
		Idle: time.Duration(settings.IdleTimeoutSec) * time.Second,
	}
	return honeypot.NewListener(honeypot.RDP, settings, handler), nil
}

// Stub 是两阶段握手: 先是连接请求，之后按头部字节分类。
type Stub struct {
	c *honeypot.Conn
}

func NewStub(c *honeypot.Conn) *Stub {
	return &Stub{c: c}
}

func (s *Stub) OnConnect() []byte { return nil }

func (s *Stub) OnClose() {}

func (s *Stub) OnData(data []byte) ([]byte, bool) {
	l := s.c.Log

	if IsConnectionRequest(data) {
		out := append([]byte(nil), ConnectionConfirm...)
		if len(data) >= 8 && data[7] == typeNegotiation {
			l.Debug().Msg("RDP: embedded negotiation request")
			out = append(out, NegotiationResponse...)
		}
		out = append(out, ServerSecurity...)
		s.c.Count("HANDSHAKE")
		l.Info().Msg("RDP: initial handshake done")
		return out, false
	}

	if len(data) < 6 {
		l.Debug().Hex("data", data).Msg("RDP: packet too short")
		return nil, false
	}

	switch data[5] {
	case typeNegotiation:
		return append([]byte(nil), NegotiationResponse...), false
	case typeSecurity:
		l.Debug().Msg("RDP: security exchange")
		s.c.Count("SECURITY_EXCHANGE")
	case typeClientInfo:
		if user, ok := ParseUsername(data); ok {
			l.Info().Str("username", user).Msg("RDP: client info")
			s.c.TrackAs(UsernameService, []byte(user))
		} else {
			l.Debug().Hex("data", data).Msg("RDP: client info incomplete")
		}
	default:
		l.Debug().Uint8("type", data[5]).Msg("RDP: unknown packet type")
	}
	return nil, false
}

// IsConnectionRequest 检测 TPKT 头之后的 X.224 连接请求 (0x0e 0xe0)。
func IsConnectionRequest(data []byte) bool {
	return len(data) >= 6 && data[4] == 0x0e && data[5] == 0xe0
}

// ParseUsername 从 client info 包中提取 UTF-16LE 用户名。
// 任何长度或越界不一致都会让解析放弃，ok 为 false。
func ParseUsername(data []byte) (string, bool) {
	offset := 10
	if len(data) < offset+2 {
		return "", false
	}
	domainLen := int(binary.LittleEndian.Uint16(data[offset:])) * 2
	offset += 2
	if len(data) < offset+domainLen {
		return "", false
	}
	offset += domainLen

	if len(data) < offset+2 {
		return "", false
	}
	userLen := int(binary.LittleEndian.Uint16(data[offset:])) * 2
	offset += 2
	if len(data) < offset+userLen {
		return "", false
	}
	return honeypot.TrimNUL(honeypot.DecodeUTF16LE(data[offset : offset+userLen])), true
}
