package honeypot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/netutil"

	"github.com/neophob/fw-honeypot/internal/shared"
	"github.com/neophob/fw-honeypot/internal/shared/config"
	"github.com/neophob/fw-honeypot/internal/shared/logger"
)

// ConnHandler 处理一个已经通过准入检查的连接。返回时连接会被关闭。
type ConnHandler interface {
	ServeConn(c *Conn)
}

// Server 是所有蜜罐服务共用的 accept 循环:
// 准入检查 -> 黑名单登记 -> 交给协议处理器。
type Server struct {
	kind     Kind
	settings config.ServiceSettings
	handler  ConnHandler
	env      *Env

	ctx    context.Context
	cancel context.CancelFunc

	listener  net.Listener
	closeOnce sync.Once
	waitGroup sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func newServer(ctx context.Context, kind Kind, settings config.ServiceSettings, handler ConnHandler, env *Env) *Server {
	ctx, cancel := context.WithCancel(ctx)
	return &Server{
		kind:     kind,
		settings: settings,
		handler:  handler,
		env:      env.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}
}

// InitializeListener 负责监听端口，但不阻塞。返回实际监听的地址。
func (s *Server) InitializeListener() (net.Addr, error) {
	listenAddr := s.settings.Addr()
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("%s failed to listen on %s: %w", s.kind, listenAddr, err)
	}
	if s.settings.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.settings.MaxConnections)
	}
	s.listener = listener

	logger.Info().
		Str("service", s.kind.String()).
		Str("listen_addr", listener.Addr().String()).
		Int("max_connections", s.settings.MaxConnections).
		Msg(">>> Honeypot is listening.")
	return listener.Addr(), nil
}

// Start 在后台启动 accept 循环。必须在 InitializeListener 之后调用。
func (s *Server) Start() {
	if s.listener == nil {
		logger.Error().Str("service", s.kind.String()).Msg("Server.Start() called before InitializeListener()")
		return
	}
	s.waitGroup.Add(1)
	go s.acceptLoop()
}

func (s *Server) acceptLoop() {
	defer s.waitGroup.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Info().Str("service", s.kind.String()).Msg("Listener is closing.")
				return
			}
			logger.Warn().Err(err).Str("service", s.kind.String()).Msg("Failed to accept connection")
			s.env.Metrics.AddError(s.kind.Label() + "_SERVER_ERROR#" + err.Error())
			// 避免 accept 错误时空转
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.waitGroup.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(inbound net.Conn) {
	defer s.waitGroup.Done()
	defer inbound.Close()

	label := s.kind.Label()
	ip := remoteIP(inbound.RemoteAddr())
	m := s.env.Metrics
	m.Inc(label + "_CONNECTION")
	m.Inc("CONNECTION")

	if ip == "" {
		m.Inc(label + "_INVALID_IP")
		m.AddError(label + "_INVALID_IP#" + inbound.RemoteAddr().String())
		return
	}

	if s.env.BanList != nil && s.env.BanList.IsPermanent(ip) {
		m.Inc(label + "_CONNECTION_ALLOWLISTED")
		logger.Debug().Str("client_ip", ip).Str("service", s.kind.String()).Msg("Address is on the permanent list, closing.")
		return
	}
	if s.env.Gate != nil && !s.env.Gate.Admit(ip) {
		m.Inc(label + "_CONNECTION_BLOCKED")
		return
	}
	m.Inc(label + "_CONNECTION_ACCEPTED")

	if s.env.BanList != nil {
		s.env.BanList.Add(ip, time.Duration(s.settings.BanDurationSec)*time.Second)
	}

	s.track(inbound, true)
	defer s.track(inbound, false)

	traceID := uuid.NewString()
	c := &Conn{
		Conn:    shared.NewCountedConn(inbound, label, m),
		IP:      ip,
		Service: label,
		TraceID: traceID,
		Log: log.With().
			Str("trace_id", traceID).
			Str("client_ip", ip).
			Str("service", s.kind.String()).
			Logger(),
		ctx: s.ctx,
		env: s.env,
	}
	c.Log.Debug().Str("remote", inbound.RemoteAddr().String()).Msg("New connection")

	s.handler.ServeConn(c)

	c.Log.Debug().Msg("Connection closed")
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// Addr returns the bound address, or nil before InitializeListener.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close 关闭监听器和所有活动连接，并等待处理 goroutine 退出。
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.waitGroup.Wait()
		logger.Info().Str("service", s.kind.String()).Msg("Honeypot service has been shut down")
	})
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return ""
}
