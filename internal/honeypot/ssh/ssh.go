package ssh

import (
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/neophob/fw-honeypot/internal/honeypot"
	"github.com/neophob/fw-honeypot/internal/shared/config"
	"github.com/neophob/fw-honeypot/internal/shared/types"
)

const (
	ServerVersion = "SSH-2.0-OpenSSH_8.6"
	maxAuthTries  = 6

	defaultHandshakeGrace = 10 * time.Second
)

// Service 是 SSH 蜜罐。认证永远是假的，shell 只返回罐头输出。
type Service struct {
	*honeypot.Listener

	hostKeyPath string
	policy      honeypot.Policy
	signer      ssh.Signer
	idle        time.Duration

	// 握手超时 = idle + handshakeGrace
	handshakeGrace time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// New creates the SSH honeypot service.
func New(cfg *types.Config) (honeypot.Service, error) {
	settings := config.Merge(cfg.CommonConf, cfg.SSH.Service())
	s := &Service{
		hostKeyPath:    cfg.SSH.HostKey,
		policy:         honeypot.NewProbabilityPolicy(cfg.SSH.AcceptProbability, time.Now().UnixNano()),
		idle:           time.Duration(settings.IdleTimeoutSec) * time.Second,
		handshakeGrace: defaultHandshakeGrace,
		rnd:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.Listener = honeypot.NewListener(honeypot.SSH, settings, s)
	return s, nil
}

// Create 加载主机密钥。env.Policy 非空时覆盖配置中的接受概率。
func (s *Service) Create(ctx context.Context, env *honeypot.Env) error {
	if s.signer == nil {
		signer, err := LoadOrGenerateHostKey(s.hostKeyPath)
		if err != nil {
			return err
		}
		s.signer = signer
	}
	if env != nil && env.Policy != nil {
		s.policy = env.Policy
	}
	return s.Listener.Create(ctx, env)
}

func (s *Service) serverConfig(c *honeypot.Conn) *ssh.ServerConfig {
	a := &authenticator{c: c, policy: s.policy}
	cfg := &ssh.ServerConfig{
		ServerVersion:               ServerVersion,
		MaxAuthTries:                maxAuthTries,
		PasswordCallback:            a.password,
		PublicKeyCallback:           a.publicKey,
		KeyboardInteractiveCallback: a.keyboardInteractive,
		AuthLogCallback:             a.authLog,
	}
	cfg.AddHostKey(s.signer)
	return cfg
}

func (s *Service) newCommands() *Commands {
	s.mu.Lock()
	defer s.mu.Unlock()
	return NewCommands(s.rnd)
}

// idleConn 在认证成功后为每次 Read 重新设置读超时。
type idleConn struct {
	net.Conn
	idle  time.Duration
	armed atomic.Bool
}

func (c *idleConn) Read(p []byte) (int, error) {
	if c.armed.Load() {
		c.Conn.SetReadDeadline(time.Now().Add(c.idle))
	}
	return c.Conn.Read(p)
}

// arm 取消握手超时并开始空闲计时。正在阻塞的 Read 也会受新的读超时约束。
func (c *idleConn) arm() {
	c.armed.Store(true)
	c.Conn.SetWriteDeadline(time.Time{})
	c.Conn.SetReadDeadline(time.Now().Add(c.idle))
}

// ServeConn 完成 SSH 握手并处理 session channel。
func (s *Service) ServeConn(c *honeypot.Conn) {
	var conn net.Conn = c
	var ic *idleConn
	if s.idle > 0 {
		c.SetDeadline(time.Now().Add(s.idle + s.handshakeGrace))
		ic = &idleConn{Conn: c, idle: s.idle}
		conn = ic
	}
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.serverConfig(c))
	if err != nil {
		c.Log.Debug().Err(err).Msg("SSH: handshake failed")
		return
	}
	defer sshConn.Close()
	if ic != nil {
		ic.arm()
	}
	go ssh.DiscardRequests(reqs)

	method := ""
	if sshConn.Permissions != nil {
		method = sshConn.Permissions.Extensions[authMethodKey]
	}
	c.Log.Info().
		Str("user", sshConn.User()).
		Str("method", method).
		Str("client_version", string(sshConn.ClientVersion())).
		Msg("SSH: session established")
	c.Count("LOGIN")

	go func() {
		<-c.Context().Done()
		sshConn.Close()
	}()

	var wg sync.WaitGroup
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			c.Log.Debug().Err(err).Msg("SSH: channel accept failed")
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleSession(c, ch, requests)
		}()
	}
	wg.Wait()
}

func (s *Service) handleSession(c *honeypot.Conn, ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	done := make(chan struct{})
	started := false
	start := func(run func()) {
		if started {
			return
		}
		started = true
		go func() {
			defer close(done)
			run()
		}()
	}

	for {
		select {
		case <-done:
			return
		case req, ok := <-requests:
			if !ok {
				if started {
					<-done
				}
				return
			}
			switch req.Type {
			case "pty-req", "env", "window-change":
				req.Reply(true, nil)
			case "subsystem":
				name, _ := parseString(req.Payload)
				c.Log.Info().Str("subsystem", name).Msg("SSH: subsystem rejected")
				req.Reply(false, nil)
			case "shell":
				req.Reply(!started, nil)
				start(func() {
					c.Count("SHELL")
					NewShell(ch, c, s.newCommands()).Run()
				})
			case "exec":
				cmd, ok := parseString(req.Payload)
				req.Reply(ok && !started, nil)
				if ok {
					start(func() { s.exec(c, ch, cmd) })
				}
			default:
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}
	}
}

func (s *Service) exec(c *honeypot.Conn, ch ssh.Channel, cmd string) {
	c.Log.Info().Str("command", cmd).Msg("SSH: exec")
	c.Count("EXEC")
	c.Track([]byte(`exec "` + cmd + `", `))

	res := Exec(cmd)
	var err error
	if res.Status == 0 {
		err = c.Env().Delay.Delay(c.Context(), 300*time.Millisecond, 300*time.Millisecond)
	} else {
		err = c.Env().Delay.Delay(c.Context(), 500*time.Millisecond, 1200*time.Millisecond)
	}
	if err != nil {
		return
	}

	if res.Stdout != "" {
		ch.Write([]byte(res.Stdout))
	}
	if res.Stderr != "" {
		ch.Stderr().Write([]byte(res.Stderr))
	}
	status := struct{ Status uint32 }{res.Status}
	ch.SendRequest("exit-status", false, ssh.Marshal(&status))
}

// parseString 解析 SSH wire 格式的字符串 (uint32 长度 + 字节)
func parseString(b []byte) (string, bool) {
	if len(b) < 4 {
		return "", false
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n) > uint64(len(b)-4) {
		return "", false
	}
	return string(b[4 : 4+n]), true
}
