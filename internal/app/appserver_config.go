package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/neophob/fw-honeypot/internal/core/admission"
	"github.com/neophob/fw-honeypot/internal/core/analysis"
	"github.com/neophob/fw-honeypot/internal/core/dedup"
	"github.com/neophob/fw-honeypot/internal/core/tracker"
	"github.com/neophob/fw-honeypot/internal/geo"
	"github.com/neophob/fw-honeypot/internal/honeypot"
	"github.com/neophob/fw-honeypot/internal/honeypot/mysql"
	"github.com/neophob/fw-honeypot/internal/honeypot/rdp"
	"github.com/neophob/fw-honeypot/internal/honeypot/smb"
	"github.com/neophob/fw-honeypot/internal/honeypot/smtp"
	"github.com/neophob/fw-honeypot/internal/honeypot/ssh"
	"github.com/neophob/fw-honeypot/internal/honeypot/telnet"
	"github.com/neophob/fw-honeypot/internal/service/bus"
	"github.com/neophob/fw-honeypot/internal/service/notify"
	"github.com/neophob/fw-honeypot/internal/shared/config"
	"github.com/neophob/fw-honeypot/internal/shared/logger"
	"github.com/neophob/fw-honeypot/internal/shared/types"
)

const (
	DumpLogName     = "dump.log"
	AnalysisLogName = "analysis.log"

	statsInterval = 5 * time.Minute
)

// DefaultRegistry 是所有内置协议的工厂表。
func DefaultRegistry() honeypot.Registry {
	return honeypot.Registry{
		honeypot.SSH:    ssh.New,
		honeypot.SMTP:   smtp.New,
		honeypot.Telnet: telnet.New,
		honeypot.MySQL:  mysql.New,
		honeypot.SMB:    smb.New,
		honeypot.RDP:    rdp.New,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func newGate(cfg types.AdmissionConf) *admission.Gate {
	return admission.NewGate(
		admission.WithLimit(cfg.MaxPerHour),
		admission.WithWindow(seconds(cfg.WindowSec)),
		admission.WithBlockDuration(seconds(cfg.BlockSec)),
	)
}

// newGenerator 根据 backend 选择分析服务客户端
func newGenerator(cfg types.AnalysisConf) (analysis.Generator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "ollama":
		return analysis.NewOllamaClient(cfg.Host, cfg.Model, seconds(cfg.TimeoutSec)), nil
	case "openai":
		return analysis.NewOpenAIClient(cfg.Host, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown analysis backend %q", cfg.Backend)
	}
}

// buildPipeline 创建 tracker 之后的所有组件: dedup、分析队列和各个 sink。
// 可选的外部通道 (telegram, nats) 初始化失败时只记录警告。
func (s *AppServer) buildPipeline(ctx context.Context) error {
	cfg := s.cfg

	s.dedup = dedup.New(cfg.DedupConf.Capacity, cfg.DedupConf.Threshold, cfg.DedupConf.MaxBytes)

	resolver, err := geo.Load(cfg.GeoFile, cfg.GeoCacheSize)
	if err != nil {
		return err
	}

	dump, err := logger.OpenAppend(cfg.LogConf.Dest, DumpLogName)
	if err != nil {
		return fmt.Errorf("failed to open dump log: %w", err)
	}
	s.closers = append(s.closers, dump)

	var observers []tracker.Observer
	var sinks []analysis.ResultSink
	if s.hub != nil {
		observers = append(observers, s.hub)
		sinks = append(sinks, s.hub)
	}

	if cfg.NatsConf.URL != "" {
		pub, err := bus.Connect(ctx, cfg.NatsConf, s.metrics)
		if err != nil {
			logger.Warn().Err(err).Msg("NATS publishing disabled.")
		} else {
			s.nats = pub
			observers = append(observers, pub)
			sinks = append(sinks, pub)
		}
	}

	opts := tracker.Options{
		Inactivity: time.Duration(cfg.TrackerConf.InactivityMs) * time.Millisecond,
		MaxBytes:   cfg.TrackerConf.MaxBytes,
		Dump:       dump,
		Filter:     s.dedup,
		Geo:        resolver,
		Metrics:    s.metrics,
		Observers:  observers,
	}

	if cfg.AnalysisConf.Enabled {
		gen, err := newGenerator(cfg.AnalysisConf)
		if err != nil {
			return err
		}
		analysisLog, closer, err := logger.NewFileLogger(cfg.LogConf.AnalysisDest, AnalysisLogName)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, closer)
		sinks = append([]analysis.ResultSink{analysis.NewLogSink(analysisLog)}, sinks...)

		if notify.Enabled(cfg.TelegramConf) {
			tg, err := notify.NewTelegram(cfg.TelegramConf, s.metrics)
			if err != nil {
				logger.Warn().Err(err).Msg("Telegram alerts disabled.")
			} else {
				s.telegram = tg
				sinks = append(sinks, tg)
			}
		}

		s.dispatcher = analysis.NewDispatcher(gen, s.metrics, seconds(cfg.AnalysisConf.TimeoutSec), sinks...)
		opts.Analyzer = s.dispatcher
		logger.Info().
			Str("backend", cfg.AnalysisConf.Backend).
			Str("model", cfg.AnalysisConf.Model).
			Msg("Analysis dispatcher configured.")
	} else {
		logger.Warn().Msg("Analysis is disabled, sessions are only written to the dump log.")
	}

	s.tracker = tracker.New(opts)
	return nil
}

// buildServices 按 [common] integrations 创建服务。未知协议名是启动错误。
func (s *AppServer) buildServices() error {
	kinds, err := honeypot.ParseKinds(config.SplitList(s.cfg.Integrations))
	if err != nil {
		return err
	}
	if len(kinds) == 0 {
		return fmt.Errorf("no integrations configured")
	}
	services, err := s.registry.Build(kinds, s.cfg)
	if err != nil {
		return err
	}
	s.kinds = kinds
	s.services = services
	return nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close log file")
		}
	}
}
