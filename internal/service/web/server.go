package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neophob/fw-honeypot/internal/shared/logger"
	"github.com/neophob/fw-honeypot/internal/shared/metrics"
	"github.com/neophob/fw-honeypot/internal/shared/types"
)

// BanLister 是 /api/banlist 需要的黑名单视图 (admission.BanList)
type BanLister interface {
	Entries() (v4, v6 []string)
}

// StatsResponse 是 /api/stats 的返回体
type StatsResponse struct {
	Counters   map[string]int64 `json:"counters"`
	LastErrors []string         `json:"last_errors"`
	Clients    int              `json:"ws_clients"`
}

// BanListResponse 与 attacker.json 的格式一致
type BanListResponse struct {
	IPv4 []string `json:"ipV4"`
	IPv6 []string `json:"ipV6"`
}

// --- DIAGNOSTIC HELPER: A listener that logs accepted connections ---
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Msgf(" [WebServer DIAGNOSTIC] Connection accepted from: %s ", conn.RemoteAddr())
	}
	return conn, err
}

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Server 是内部状态 API: 健康检查、统计、黑名单、prometheus 和 /ws。
type Server struct {
	addr    string
	cfg     types.WebConf
	metrics *metrics.Service
	bans    BanLister
	hub     *Hub
	router  *mux.Router

	httpServer *http.Server
	waitGroup  sync.WaitGroup
}

// NewServer builds the router. bans and hub may be nil.
func NewServer(host string, cfg types.WebConf, m *metrics.Service, bans BanLister, hub *Hub) *Server {
	s := &Server{
		addr:    fmt.Sprintf("%s:%d", host, cfg.Port),
		cfg:     cfg,
		metrics: m,
		bans:    bans,
		hub:     hub,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	// Kamal healthcheck route
	r.HandleFunc("/up", s.handleUp).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(func(next http.Handler) http.Handler {
		return basicAuthMiddleware(next, s.cfg.User, s.cfg.Password)
	})
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/banlist", s.handleBanList).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", basicAuthMiddleware(
			promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}),
			s.cfg.User, s.cfg.Password,
		)).Methods(http.MethodGet)
	}

	// --- WebSocket Endpoint (公开，无需认证) ---
	if s.hub != nil {
		r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			ServeWs(s.hub, w, r)
		})
	}

	// 其余一律 404, 包括方法不匹配
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(notFound)
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("WebServer: failed to encode response")
	}
}

func notFound(w http.ResponseWriter, r *http.Request) {
	logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("WebServer: not found")
	writeText(w, http.StatusNotFound, "Not Found")
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "TXT")
}

func (s *Server) handleUp(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Counters: map[string]int64{}, LastErrors: []string{}}
	if s.metrics != nil {
		resp.Counters = s.metrics.Snapshot()
		resp.LastErrors = s.metrics.LastErrors()
	}
	if s.hub != nil {
		resp.Clients = s.hub.Clients()
	}
	writeJSON(w, resp)
}

func (s *Server) handleBanList(w http.ResponseWriter, r *http.Request) {
	resp := BanListResponse{IPv4: []string{}, IPv6: []string{}}
	if s.bans != nil {
		v4, v6 := s.bans.Entries()
		if v4 != nil {
			resp.IPv4 = v4
		}
		if v6 != nil {
			resp.IPv6 = v6
		}
	}
	writeJSON(w, resp)
}

// Start 监听并在后台提供服务，返回实际监听地址。
func (s *Server) Start() (net.Addr, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start API server on %s: %w", s.addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().Msgf("SUCCESS: API server is listening on http://%s", listener.Addr())

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		if err := s.httpServer.Serve(loggingListener{Listener: listener}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("API server error")
		}
		logger.Info().Msg("API server stopped.")
	}()
	return listener.Addr(), nil
}

// Shutdown 优雅关闭 HTTP server。
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.waitGroup.Wait()
	return err
}
