package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/neophob/fw-honeypot/internal/core/admission"
	"github.com/neophob/fw-honeypot/internal/core/analysis"
	"github.com/neophob/fw-honeypot/internal/core/dedup"
	"github.com/neophob/fw-honeypot/internal/core/tracker"
	"github.com/neophob/fw-honeypot/internal/honeypot"
	"github.com/neophob/fw-honeypot/internal/service/bus"
	"github.com/neophob/fw-honeypot/internal/service/notify"
	"github.com/neophob/fw-honeypot/internal/service/web"
	"github.com/neophob/fw-honeypot/internal/shared/config"
	"github.com/neophob/fw-honeypot/internal/shared/logger"
	"github.com/neophob/fw-honeypot/internal/shared/metrics"
	"github.com/neophob/fw-honeypot/internal/shared/types"
)

const shutdownTimeout = 5 * time.Second

// AppServer is the application's main struct. 它拥有所有共享组件,
// 并把它们通过 honeypot.Env 注入到每个协议服务中。
type AppServer struct {
	cfg      *types.Config
	registry honeypot.Registry

	metrics    *metrics.Service
	gate       *admission.Gate
	banList    *admission.BanList
	dedup      *dedup.Window
	tracker    *tracker.Tracker
	dispatcher *analysis.Dispatcher
	hub        *web.Hub
	web        *web.Server
	apiAddr    net.Addr
	telegram   *notify.Telegram
	nats       *bus.Publisher

	kinds    []honeypot.Kind
	services []honeypot.Service
	closers  []io.Closer

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
}

// New builds every component. banList 中的条目是永久的。
// registry 为 nil 时使用 DefaultRegistry。
func New(cfg *types.Config, banList *config.BanListFile, registry honeypot.Registry) (*AppServer, error) {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if banList == nil {
		banList = &config.BanListFile{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &AppServer{
		cfg:      cfg,
		registry: registry,
		metrics:  metrics.New(0),
		gate:     newGate(cfg.AdmissionConf),
		banList:  admission.NewBanListFrom(banList.IPv4, banList.IPv6, nil),
		hub:      web.NewHub(),
		ctx:      ctx,
		cancel:   cancel,
	}

	v4, v6 := s.banList.Len()
	logger.Info().Int("ipv4", v4).Int("ipv6", v6).Msg("Ban list loaded.")

	if err := s.buildServices(); err != nil {
		cancel()
		return nil, err
	}
	if err := s.buildPipeline(ctx); err != nil {
		cancel()
		closeAll(s.closers)
		return nil, err
	}
	if cfg.WebConf.Port > 0 {
		s.web = web.NewServer(cfg.CommonConf.Host, cfg.WebConf, s.metrics, s.banList, s.hub)
	} else {
		logger.Warn().Msg("API server is disabled (web port is 0 or not set).")
	}
	return s, nil
}

func (s *AppServer) env() *honeypot.Env {
	return &honeypot.Env{
		Gate:    s.gate,
		BanList: s.banList,
		Tracker: s.tracker,
		Metrics: s.metrics,
		Delay:   honeypot.NewRandomDelayer(time.Now().UnixNano()),
	}
}

// Start 启动后台组件和所有监听器。任何一个监听器失败都会停止整个应用。
func (s *AppServer) Start() error {
	s.metrics.Start(statsInterval)
	s.gate.Start()
	s.banList.Start()
	go s.hub.Run()
	if s.dispatcher != nil {
		s.dispatcher.Start(s.ctx)
	}
	if s.telegram != nil {
		s.telegram.Start(s.ctx)
	}

	g := new(errgroup.Group)
	for i, svc := range s.services {
		kind, svc := s.kinds[i], svc
		g.Go(func() error {
			if err := svc.Create(s.ctx, s.env()); err != nil {
				return fmt.Errorf("%s: create failed: %w", kind, err)
			}
			if err := svc.Listen(); err != nil {
				return fmt.Errorf("%s: listen failed: %w", kind, err)
			}
			return nil
		})
	}
	if s.web != nil {
		g.Go(func() error {
			addr, err := s.web.Start()
			s.apiAddr = addr
			return err
		})
	}
	if err := g.Wait(); err != nil {
		s.Stop()
		return err
	}

	logger.Info().Int("services", len(s.services)).Msg("Honeypot is running.")
	return nil
}

// Run is the server's entry point. 阻塞直到收到 SIGINT/SIGTERM。
func (s *AppServer) Run() {
	logger.Info().Msg("Starting honeypot...")
	if err := s.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Honeypot startup failed")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down...")
	case <-s.ctx.Done():
	}
	signal.Stop(quit)
	s.Stop()
}

// Stop gracefully shuts down the server. 先停止接受连接, 再 flush 未完成的会话。
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		for i, svc := range s.services {
			logger.Debug().Str("service", s.kinds[i].Label()).Msg("Stopping service.")
			svc.Stop()
		}

		// 剩余会话写入 dump log; 分析队列随后被丢弃
		s.tracker.Flush()
		s.tracker.Clear()

		if s.dispatcher != nil {
			s.dispatcher.Stop()
		}
		if s.telegram != nil {
			s.telegram.Stop()
		}
		if s.web != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := s.web.Shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("API server shutdown failed")
			}
			cancel()
		}
		s.hub.Stop()
		if s.nats != nil {
			s.nats.Close()
		}

		s.gate.Stop()
		s.banList.Stop()
		s.metrics.Stop()
		s.cancel()
		closeAll(s.closers)
		logger.Info().Msg("Honeypot stopped.")
	})
}

// Metrics exposes the statistics service.
func (s *AppServer) Metrics() *metrics.Service {
	return s.metrics
}
