package smb

import (
	"encoding/binary"
	"regexp"
	"strings"

	"github.com/neophob/fw-honeypot/internal/honeypot"
)

// SMB1 命令码
const (
	CmdTransaction  = 0x25
	CmdNTCreateAndX = 0x32
	CmdNegotiate    = 0x72
	CmdSessionSetup = 0x73
	CmdTreeConnect  = 0x75
)

const (
	headerLen        = 32
	netbiosHeaderLen = 4
	defaultDialect   = "NT LM 0.12"
	treeID           = 0x0001
	fileID           = 0x0042
	flags2Unicode    = 0x8000
)

var (
	magic           = []byte{0xff, 'S', 'M', 'B'}
	preferredDialect = regexp.MustCompile(`(?i)NT LM 0.12`)
)

// Frame 加上 4 字节 NetBIOS 会话头: 0x00 + 3 字节大端长度。
func Frame(payload []byte) []byte {
	out := make([]byte, netbiosHeaderLen+len(payload))
	n := len(payload)
	out[1] = byte(n >> 16)
	out[2] = byte(n >> 8)
	out[3] = byte(n)
	copy(out[netbiosHeaderLen:], payload)
	return out
}

// frameLen 读取 NetBIOS 头中的负载长度
func frameLen(b []byte) int {
	return int(b[1])<<16 | int(b[2])<<8 | int(b[3])
}

// IsSMB reports whether pkt carries the SMB1 magic and a command byte.
func IsSMB(pkt []byte) bool {
	return len(pkt) >= 5 && pkt[0] == magic[0] && pkt[1] == magic[1] && pkt[2] == magic[2] && pkt[3] == magic[3]
}

// ParseDialects 提取 Negotiate 请求中客户端提供的方言列表。
// 每一项要么是 0x02 标记 + NUL 结尾字符串，要么是 NUL 结尾的 ASCII。
func ParseDialects(pkt []byte) []string {
	wordCount := 0
	if len(pkt) > headerLen {
		wordCount = int(pkt[headerLen])
	}
	// 跳过 parameter words 和 2 字节 ByteCount
	start := headerLen + 1 + 2*wordCount + 2
	if start >= len(pkt) {
		return nil
	}
	payload := pkt[start:]

	var dialects []string
	for i := 0; i < len(payload); {
		if payload[i] == 0x02 {
			j := i + 1
			for j < len(payload) && payload[j] != 0x00 {
				j++
			}
			dialects = append(dialects, string(payload[i+1:j]))
			i = j + 1
			continue
		}
		z := indexByteFrom(payload, 0x00, i)
		if z < 0 {
			break
		}
		if z > i {
			dialects = append(dialects, string(payload[i:z]))
		}
		i = z + 1
	}
	return dialects
}

// ChooseDialect 选择第一个匹配 "NT LM 0.12" 的方言，否则第一个。
// 返回值 index 是在客户端列表中的位置。
func ChooseDialect(dialects []string) (int, string) {
	for i, d := range dialects {
		if preferredDialect.MatchString(d) {
			return i, d
		}
	}
	if len(dialects) > 0 {
		return 0, dialects[0]
	}
	return 0, defaultDialect
}

// SessionSetupInfo 是从 Session Setup 请求尾部粗略提取的字符串
type SessionSetupInfo struct {
	Username     string `json:"username"`
	Workstation  string `json:"workstation"`
	NativeLanMan string `json:"native_lan_man"`
}

// ParseSessionSetup 把头部之后的字节按 UTF-16LE 解码并按 NUL 分割。
func ParseSessionSetup(pkt []byte) SessionSetupInfo {
	if len(pkt) <= headerLen {
		return SessionSetupInfo{}
	}
	txt := honeypot.TrimNUL(honeypot.DecodeUTF16LE(pkt[headerLen:]))
	parts := strings.Split(txt, "\x00")
	var info SessionSetupInfo
	if len(parts) > 0 {
		info.Username = parts[0]
	}
	if len(parts) > 1 {
		info.Workstation = parts[1]
	}
	if len(parts) > 2 {
		info.NativeLanMan = parts[2]
	}
	return info
}

// TreeConnectRequest 是 Tree Connect 请求中的 UNC 路径
type TreeConnectRequest struct {
	Path    string `json:"path,omitempty"`
	Service string `json:"service,omitempty"`
	Unicode bool   `json:"unicode"`
}

// ParseTreeConnect 根据 flags2 的 Unicode 位解码负载，定位第一个 `\\`。
func ParseTreeConnect(pkt []byte) TreeConnectRequest {
	var req TreeConnectRequest
	if len(pkt) >= 12 {
		req.Unicode = binary.LittleEndian.Uint16(pkt[10:12])&flags2Unicode != 0
	}
	if len(pkt) <= headerLen {
		return req
	}
	payload := pkt[headerLen:]

	var txt string
	if req.Unicode {
		txt = honeypot.DecodeUTF16LE(payload)
	} else {
		txt = string(payload)
	}
	txt = honeypot.TrimNUL(txt)

	idx := strings.Index(txt, `\\`)
	if idx < 0 {
		return req
	}
	parts := strings.Split(txt[idx:], "\x00")
	req.Path = parts[0]
	if len(parts) > 1 {
		req.Service = parts[1]
	}
	return req
}

// UID 返回请求头中偏移 28 的 UID，包太短时为 0。
func UID(pkt []byte) uint16 {
	if len(pkt) < 30 {
		return 0
	}
	return binary.LittleEndian.Uint16(pkt[28:30])
}

func newHeader(cmd byte) []byte {
	h := make([]byte, headerLen)
	copy(h, magic)
	h[4] = cmd
	h[9] = 0x18
	binary.LittleEndian.PutUint16(h[10:12], 0x2801)
	return h
}

// NegotiateResponse 构造 Negotiate 响应，嵌入服务器名、OS 和工作组。
func NegotiateResponse(o Options, dialectIndex int) []byte {
	var str []byte
	str = append(str, o.ServerOS...)
	str = append(str, 0)
	str = append(str, o.Domain...)
	str = append(str, 0)
	str = append(str, o.ServerName...)
	str = append(str, 0)

	out := newHeader(CmdNegotiate)
	out = append(out, 0x01)
	out = binary.LittleEndian.AppendUint16(out, uint16(dialectIndex))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(str)))
	return append(out, str...)
}

// SessionSetupResponse 的头部只有 28 字节，UID 以大端写入。
func SessionSetupResponse(o Options) []byte {
	out := []byte{
		0xff, 'S', 'M', 'B', CmdSessionSetup,
		0x00, 0x00, 0x00, 0x00, // status
		0x18,       // flags
		0x01, 0x20, // flags2
		0x00, 0x00, // PIDHigh
		0, 0, 0, 0, 0, 0, 0, 0,
		0x00, 0x00, // PIDLow
		byte(o.SessionID >> 8), byte(o.SessionID),
		0x00, 0x00, // MID
	}
	out = append(out, 0x04, 0xff, 0x00, 0x00)
	out = append(out, o.ServerOS...)
	return append(out, 0)
}

// TreeConnectResponse: WordCount=3，AndXCommand=0xff (no further command)，ByteCount=0。
func TreeConnectResponse(uid, tid uint16) []byte {
	out := newHeader(CmdTreeConnect)
	binary.LittleEndian.PutUint16(out[24:26], tid)
	binary.LittleEndian.PutUint16(out[28:30], uid)
	out = append(out, 0x03)
	out = append(out, 0xff, 0, 0, 0, 0, 0)
	return append(out, 0x00, 0x00)
}

func TransactionResponse(req []byte) []byte {
	out := newHeader(CmdTransaction)
	if len(req) >= 30 {
		copy(out[28:30], req[28:30])
	}
	return append(out, 0x00, 0x00, 0x00)
}

func NTCreateResponse(uid, fid uint16) []byte {
	out := newHeader(CmdNTCreateAndX)
	binary.LittleEndian.PutUint16(out[28:30], uid)
	out = append(out, 0x01)
	out = binary.LittleEndian.AppendUint16(out, fid)
	return append(out, 0x00, 0x00)
}

// GenericResponse 回显命令字节，状态为非零的伪造值。
func GenericResponse(cmd byte) []byte {
	out := []byte{
		0xff, 'S', 'M', 'B', cmd,
		0x01, 0x02, 0x03, 0x04,
		0x18, 0x01, 0x28,
	}
	out = append(out, make([]byte, 13)...)
	return append(out, 0x00)
}

func indexByteFrom(b []byte, c byte, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] == c {
			return i
		}
	}
	return -1
}
