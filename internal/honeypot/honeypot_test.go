package honeypot

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/neophob/fw-honeypot/internal/shared/config"
	"github.com/neophob/fw-honeypot/internal/shared/metrics"
	"github.com/neophob/fw-honeypot/internal/shared/types"
)

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(" " + k.Label() + " ")
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.Label(), got, err)
		}
	}
	if _, err := ParseKind("ftp"); err == nil {
		t.Error("expected error for unknown protocol")
	}
	kinds, err := ParseKinds([]string{"ssh", "smb", "ssh"})
	if err != nil || len(kinds) != 2 || kinds[0] != SSH || kinds[1] != SMB {
		t.Errorf("ParseKinds: got %v, %v", kinds, err)
	}
}

func TestRegistry_Build(t *testing.T) {
	reg := Registry{
		Telnet: func(*types.Config) (Service, error) {
			return NewListener(Telnet, config.ServiceSettings{}, nil), nil
		},
	}
	svcs, err := reg.Build([]Kind{Telnet}, types.Default())
	if err != nil || len(svcs) != 1 {
		t.Fatalf("Build: %v, %v", svcs, err)
	}
	if _, err := reg.Build([]Kind{Telnet, RDP}, types.Default()); err == nil {
		t.Error("expected error for kind without factory")
	}
}

func TestProbabilityPolicy_Deterministic(t *testing.T) {
	a := NewProbabilityPolicy(0.6, 42)
	b := NewProbabilityPolicy(0.6, 42)
	accepted := 0
	for i := 0; i < 200; i++ {
		x, y := a.Accept("password"), b.Accept("password")
		if x != y {
			t.Fatalf("same seed diverged at %d", i)
		}
		if x {
			accepted++
		}
	}
	if accepted == 0 || accepted == 200 {
		t.Errorf("probability 0.6 should mix outcomes, accepted %d/200", accepted)
	}
	if NewProbabilityPolicy(0, 1).Accept("x") {
		t.Error("probability 0 must never accept")
	}
	if !Always.Accept("x") || Never.Accept("x") {
		t.Error("Always/Never are broken")
	}
}

func TestRandomDelayer_Cancel(t *testing.T) {
	d := NewRandomDelayer(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := d.Delay(ctx, time.Second, 2*time.Second); err == nil {
		t.Error("expected context error")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("cancelled delay should return promptly")
	}
	if err := d.Delay(context.Background(), time.Millisecond, 3*time.Millisecond); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// --- listener tests ---

type fakeGate struct{ allow bool }

func (g fakeGate) Admit(string) bool { return g.allow }

type fakeBanList struct {
	mu        sync.Mutex
	permanent map[string]bool
	added     []string
}

func (b *fakeBanList) Add(ip string, _ time.Duration) {
	b.mu.Lock()
	b.added = append(b.added, ip)
	b.mu.Unlock()
}

func (b *fakeBanList) IsPermanent(ip string) bool { return b.permanent[ip] }

func (b *fakeBanList) Added() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.added...)
}

type recordTracker struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (r *recordTracker) Add(ip, service string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		r.data = make(map[string][]byte)
	}
	r.data[ip+"|"+service] = append(r.data[ip+"|"+service], data...)
}

func (r *recordTracker) Get(key string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.data[key]...)
}

// echoStub 回显数据，收到 "bye" 时关闭连接。
type echoStub struct{ closed chan struct{} }

func (e *echoStub) OnConnect() []byte { return []byte("hello\n") }

func (e *echoStub) OnData(data []byte) ([]byte, bool) {
	if bytes.HasPrefix(data, []byte("bye")) {
		return []byte("ok bye\n"), true
	}
	return append([]byte("echo:"), data...), false
}

func (e *echoStub) OnClose() { close(e.closed) }

func startListener(t *testing.T, env *Env, h ConnHandler) *Listener {
	t.Helper()
	l := NewListener(Telnet, config.ServiceSettings{Host: "127.0.0.1", Port: 0, BanDurationSec: 60}, h)
	if err := l.Create(context.Background(), env); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := l.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

func TestListener_StubRoundTrip(t *testing.T) {
	bans := &fakeBanList{}
	tr := &recordTracker{}
	m := metrics.New(0)
	closed := make(chan struct{})
	l := startListener(t, &Env{Gate: fakeGate{allow: true}, BanList: bans, Tracker: tr, Metrics: m},
		StubHandler{New: func(*Conn) Stub { return &echoStub{closed: closed} }, Idle: time.Second})

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil || string(buf[:n]) != "hello\n" {
		t.Fatalf("banner: %q, %v", buf[:n], err)
	}
	conn.Write([]byte("ping"))
	n, _ = conn.Read(buf)
	if string(buf[:n]) != "echo:ping" {
		t.Errorf("echo: got %q", buf[:n])
	}
	conn.Write([]byte("bye"))
	rest, _ := io.ReadAll(conn)
	if string(rest) != "ok bye\n" {
		t.Errorf("final reply: got %q", rest)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose was not called")
	}
	if got := string(tr.Get("127.0.0.1|TELNET")); got != "pingbye" {
		t.Errorf("tracked data: got %q", got)
	}
	if added := bans.Added(); len(added) != 1 || added[0] != "127.0.0.1" {
		t.Errorf("ban list should record the client, got %v", added)
	}
	if m.Get("TELNET_CONNECTION_ACCEPTED") != 1 || m.Get("TELNET_DATA") != 2 {
		t.Errorf("unexpected counters %v", m.Snapshot())
	}
}

func TestListener_RejectsBeforeProtocol(t *testing.T) {
	cases := []struct {
		name    string
		env     *Env
		counter string
	}{
		{"gate", &Env{Gate: fakeGate{allow: false}}, "TELNET_CONNECTION_BLOCKED"},
		{"permanent", &Env{Gate: fakeGate{allow: true}, BanList: &fakeBanList{permanent: map[string]bool{"127.0.0.1": true}}}, "TELNET_CONNECTION_ALLOWLISTED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.env.Metrics = metrics.New(0)
			l := startListener(t, tc.env, StubHandler{New: func(*Conn) Stub { return &echoStub{closed: make(chan struct{})} }})

			conn, err := net.Dial("tcp", l.Addr().String())
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(2 * time.Second))
			data, err := io.ReadAll(conn)
			if err != nil || len(data) != 0 {
				t.Errorf("rejected connection must get no bytes, got %q, %v", data, err)
			}
			if tc.env.Metrics.Get(tc.counter) != 1 {
				t.Errorf("counter %s not incremented: %v", tc.counter, tc.env.Metrics.Snapshot())
			}
		})
	}
}

func TestStubHandler_IdleTimeout(t *testing.T) {
	closed := make(chan struct{})
	l := startListener(t, &Env{}, StubHandler{New: func(*Conn) Stub { return &echoStub{closed: closed} }, Idle: 50 * time.Millisecond})

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection was not closed")
	}
}

func TestListener_ListenBeforeCreate(t *testing.T) {
	l := NewListener(SMB, config.ServiceSettings{}, nil)
	if err := l.Listen(); err == nil {
		t.Error("expected error")
	}
	l.Stop()
}
