package smb

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/neophob/fw-honeypot/internal/honeypot"
	"github.com/neophob/fw-honeypot/internal/shared/types"
)

func newTestStub() *Stub {
	c := honeypot.NewConn(context.Background(), nil, "1.2.3.4", "SMB", nil)
	return NewStub(c, Options{})
}

func header(cmd byte) []byte {
	pkt := make([]byte, headerLen)
	copy(pkt, magic)
	pkt[4] = cmd
	return pkt
}

func negotiateRequest(dialects ...string) []byte {
	var body []byte
	for _, d := range dialects {
		body = append(body, 0x02)
		body = append(body, d...)
		body = append(body, 0x00)
	}
	pkt := header(CmdNegotiate)
	pkt = append(pkt, 0x00) // WordCount
	pkt = binary.LittleEndian.AppendUint16(pkt, uint16(len(body)))
	return append(pkt, body...)
}

// unframe 校验 NetBIOS 头并返回负载
func unframe(t *testing.T, b []byte) []byte {
	t.Helper()
	if len(b) < 4 || b[0] != 0x00 {
		t.Fatalf("missing session header: % x", b)
	}
	n := frameLen(b)
	if n != len(b)-4 {
		t.Fatalf("frame length %d does not match payload %d", n, len(b)-4)
	}
	return b[4:]
}

func TestNegotiate_ChoosesNTLM(t *testing.T) {
	s := newTestStub()
	req := Frame(negotiateRequest("PC NETWORK PROGRAM 1.0", "LANMAN1.0", "Windows for Workgroups 3.1a", "NT LM 0.12"))

	// 分两次到达，第一次只有半个帧
	if reply, done := s.OnData(req[:10]); reply != nil || done {
		t.Fatalf("partial frame should produce no reply, got % x", reply)
	}
	reply, _ := s.OnData(req[10:])
	resp := unframe(t, reply)

	if !IsSMB(resp) || resp[4] != CmdNegotiate {
		t.Fatalf("not a negotiate response: % x", resp)
	}
	if resp[9] != 0x18 || binary.LittleEndian.Uint16(resp[10:12]) != 0x2801 {
		t.Errorf("unexpected flags % x", resp[9:12])
	}
	if resp[32] != 0x01 {
		t.Errorf("word count: got %d", resp[32])
	}
	if idx := binary.LittleEndian.Uint16(resp[33:35]); idx != 3 {
		t.Errorf("dialect index: got %d, want 3", idx)
	}
	strs := resp[37:]
	if int(binary.LittleEndian.Uint16(resp[35:37])) != len(strs) {
		t.Errorf("byte count mismatch")
	}
	want := []byte("Windows 2000 5.0\x00WORKGROUP\x00webserver2k.test\x00")
	if !bytes.Equal(strs, want) {
		t.Errorf("strings: got %q, want %q", strs, want)
	}
}

func TestNegotiate_CustomIdentity(t *testing.T) {
	c := honeypot.NewConn(context.Background(), nil, "1.2.3.4", "SMB", nil)
	s := NewStub(c, Options{ServerName: "files01", Domain: "CORP"})
	resp := s.Handle(negotiateRequest("SMB 2.002", "nt lm 0.12"))
	if idx := binary.LittleEndian.Uint16(resp[33:35]); idx != 1 {
		t.Errorf("case-insensitive match should pick index 1, got %d", idx)
	}
	if !bytes.Contains(resp, []byte("CORP\x00files01\x00")) {
		t.Errorf("custom identity missing: %q", resp[37:])
	}
}

func TestParseDialects(t *testing.T) {
	pkt := header(CmdNegotiate)
	pkt = append(pkt, 0x00, 0x10, 0x00)
	pkt = append(pkt, []byte("\x02NT LM 0.12\x00\x00PLAIN\x00\x02")...)
	got := ParseDialects(pkt)
	if len(got) != 3 || got[0] != "NT LM 0.12" || got[1] != "PLAIN" || got[2] != "" {
		t.Errorf("got %q", got)
	}

	if got := ParseDialects(header(CmdNegotiate)); got != nil {
		t.Errorf("header only: got %q", got)
	}
	if idx, d := ChooseDialect(nil); idx != 0 || d != "NT LM 0.12" {
		t.Errorf("empty list: %d %q", idx, d)
	}
	if idx, d := ChooseDialect([]string{"LANMAN2.1", "SMB 2.???"}); idx != 0 || d != "LANMAN2.1" {
		t.Errorf("no match should fall back to first: %d %q", idx, d)
	}
}

func TestSessionSetup(t *testing.T) {
	s := newTestStub()
	pkt := append(header(CmdSessionSetup), honeypot.EncodeUTF16LE("admin\x00WS01\x00Unix\x00\x00")...)

	info := ParseSessionSetup(pkt)
	if info.Username != "admin" || info.Workstation != "WS01" || info.NativeLanMan != "Unix" {
		t.Errorf("unexpected info %+v", info)
	}

	resp := s.Handle(pkt)
	if len(resp) != 28+4+len("Windows 2000 5.0")+1 {
		t.Fatalf("unexpected length %d", len(resp))
	}
	if resp[4] != CmdSessionSetup || resp[24] != 0x40 || resp[25] != 0x00 {
		t.Errorf("header: % x", resp[:28])
	}
	if !bytes.Equal(resp[28:32], []byte{0x04, 0xff, 0x00, 0x00}) {
		t.Errorf("body: % x", resp[28:32])
	}
}

func TestTreeConnect_Unicode(t *testing.T) {
	s := newTestStub()
	pkt := header(CmdTreeConnect)
	binary.LittleEndian.PutUint16(pkt[10:12], 0xc801)
	binary.LittleEndian.PutUint16(pkt[28:30], 0x0800)
	pkt = append(pkt, 0x04, 0xff, 0x00, 0x00)
	pkt = append(pkt, honeypot.EncodeUTF16LE(`\\192.168.1.5\IPC$`+"\x00?????\x00")...)

	req := ParseTreeConnect(pkt)
	if !req.Unicode || req.Path != `\\192.168.1.5\IPC$` || req.Service != "?????" {
		t.Errorf("unexpected request %+v", req)
	}

	resp := s.Handle(pkt)
	if len(resp) != 32+1+6+2 {
		t.Fatalf("unexpected length %d", len(resp))
	}
	if binary.LittleEndian.Uint16(resp[24:26]) != 1 {
		t.Errorf("tid: % x", resp[24:26])
	}
	if binary.LittleEndian.Uint16(resp[28:30]) != 0x0800 {
		t.Errorf("uid should be mirrored: % x", resp[28:30])
	}
	if resp[32] != 0x03 || resp[33] != 0xff {
		t.Errorf("words: % x", resp[32:])
	}
}

func TestTreeConnect_ASCII(t *testing.T) {
	pkt := header(CmdTreeConnect)
	pkt = append(pkt, []byte("\x04\xff\x00junk\\\\HOST\\share\x00A:\x00")...)
	req := ParseTreeConnect(pkt)
	if req.Unicode || req.Path != `\\HOST\share` || req.Service != "A:" {
		t.Errorf("unexpected request %+v", req)
	}
	if req := ParseTreeConnect(append(header(CmdTreeConnect), "nothing"...)); req.Path != "" {
		t.Errorf("no path expected, got %+v", req)
	}
}

func TestTransactionAndCreate(t *testing.T) {
	s := newTestStub()
	pkt := header(CmdTransaction)
	binary.LittleEndian.PutUint16(pkt[28:30], 0x1234)

	resp := s.Handle(pkt)
	if len(resp) != 35 || resp[4] != CmdTransaction || binary.LittleEndian.Uint16(resp[28:30]) != 0x1234 {
		t.Errorf("transaction: % x", resp)
	}

	pkt[4] = CmdNTCreateAndX
	resp = s.Handle(pkt)
	if len(resp) != 37 || resp[32] != 0x01 || binary.LittleEndian.Uint16(resp[33:35]) != 0x0042 {
		t.Errorf("nt create: % x", resp)
	}
	if binary.LittleEndian.Uint16(resp[28:30]) != 0x1234 {
		t.Errorf("nt create uid: % x", resp[28:30])
	}
}

func TestGenericAndMalformed(t *testing.T) {
	s := newTestStub()

	resp := s.Handle([]byte{0xff, 'S', 'M', 'B', 0x2b})
	want := append([]byte{0xff, 'S', 'M', 'B', 0x2b, 0x01, 0x02, 0x03, 0x04, 0x18, 0x01, 0x28}, make([]byte, 14)...)
	if !bytes.Equal(resp, want) {
		t.Errorf("generic: got % x", resp)
	}

	for _, bad := range [][]byte{nil, []byte("GET /"), {0xff, 'S', 'M', 'B'}} {
		if resp := s.Handle(bad); resp != nil {
			t.Errorf("malformed %q should be ignored, got % x", bad, resp)
		}
	}

	// 两个帧一次到达: 第一个被忽略，第二个得到响应
	data := append(Frame([]byte("junk")), Frame([]byte{0xff, 'S', 'M', 'B', 0x2b})...)
	reply, done := s.OnData(data)
	if done || len(unframe(t, reply)) != 26 {
		t.Errorf("unexpected reply % x", reply)
	}
}

func TestOversizedFrameDropped(t *testing.T) {
	s := newTestStub()
	if reply, _ := s.OnData([]byte{0x00, 0xff, 0xff, 0xff, 0x01}); reply != nil {
		t.Errorf("unexpected reply % x", reply)
	}
	if s.buf != nil {
		t.Error("buffer should be reset")
	}
}

func TestSessionSetup_ConfiguredSessionID(t *testing.T) {
	cfg := types.Default().SMB
	cfg.SessionID = 0x1234
	c := honeypot.NewConn(context.Background(), nil, "1.2.3.4", "SMB", nil)
	resp := NewStub(c, optionsFrom(cfg)).Handle(header(CmdSessionSetup))
	if len(resp) < 28 || resp[24] != 0x12 || resp[25] != 0x34 {
		t.Fatalf("session id not applied: % x", resp)
	}

	for _, bad := range []int{0, -1, 0x10000} {
		cfg.SessionID = bad
		if got := optionsFrom(cfg).SessionID; got != 0 {
			t.Errorf("session_id %d should fall back to the default, got %#x", bad, got)
		}
	}
	if got := optionsFrom(types.Default().SMB).SessionID; got != defaultSessionID {
		t.Errorf("default session id: %#x", got)
	}
}
