package honeypot

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/neophob/fw-honeypot/internal/shared/config"
	"github.com/neophob/fw-honeypot/internal/shared/types"
)

// Service 是每个协议实现的能力接口。
type Service interface {
	Create(ctx context.Context, env *Env) error
	Listen() error
	Stop()
}

// Factory 根据配置创建一个服务。
type Factory func(cfg *types.Config) (Service, error)

// Registry 是协议到工厂的显式映射表。
type Registry map[Kind]Factory

// Build 按 kinds 的顺序创建服务。没有注册工厂的协议是启动错误。
func (r Registry) Build(kinds []Kind, cfg *types.Config) ([]Service, error) {
	services := make([]Service, 0, len(kinds))
	for _, k := range kinds {
		factory, ok := r[k]
		if !ok {
			return nil, fmt.Errorf("no factory registered for %s", k)
		}
		svc, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", k, err)
		}
		services = append(services, svc)
	}
	return services, nil
}

var errNotCreated = errors.New("listen called before create")

// Listener 是基于 Server 的通用 Service 实现，协议包只需要提供 ConnHandler。
type Listener struct {
	kind     Kind
	settings config.ServiceSettings
	handler  ConnHandler
	server   *Server
}

func NewListener(kind Kind, settings config.ServiceSettings, handler ConnHandler) *Listener {
	return &Listener{kind: kind, settings: settings, handler: handler}
}

func (l *Listener) Kind() Kind {
	return l.kind
}

func (l *Listener) Settings() config.ServiceSettings {
	return l.settings
}

func (l *Listener) Create(ctx context.Context, env *Env) error {
	if env == nil {
		return fmt.Errorf("%s: nil environment", l.kind)
	}
	l.server = newServer(ctx, l.kind, l.settings, l.handler, env)
	return nil
}

func (l *Listener) Listen() error {
	if l.server == nil {
		return fmt.Errorf("%s: %w", l.kind, errNotCreated)
	}
	if _, err := l.server.InitializeListener(); err != nil {
		return err
	}
	l.server.Start()
	return nil
}

func (l *Listener) Stop() {
	if l.server != nil {
		l.server.Close()
	}
}

// Addr returns the bound address once Listen succeeded.
func (l *Listener) Addr() net.Addr {
	if l.server == nil {
		return nil
	}
	return l.server.Addr()
}
