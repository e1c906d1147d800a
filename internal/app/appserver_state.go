package app

import (
	"net"
)

// ServiceState 描述一个正在运行的协议服务
type ServiceState struct {
	Name string `json:"name"`
	Addr string `json:"addr,omitempty"`
}

// State 是应用当前状态的只读快照
type State struct {
	Services      []ServiceState `json:"services"`
	APIAddr       string         `json:"api_addr,omitempty"`
	Sessions      int            `json:"sessions"`
	QueuedTasks   int            `json:"queued_tasks"`
	DedupEntries  int            `json:"dedup_entries"`
	GateWindows   int            `json:"gate_windows"`
	GateBlocks    int            `json:"gate_blocks"`
	BannedIPv4    int            `json:"banned_ipv4"`
	BannedIPv6    int            `json:"banned_ipv6"`
	WebSocketPeer int            `json:"ws_clients"`
}

type addrProvider interface {
	Addr() net.Addr
}

// Snapshot 收集各组件的计数, 用于启动日志和测试。
func (s *AppServer) Snapshot() State {
	st := State{
		Services:      make([]ServiceState, 0, len(s.services)),
		Sessions:      s.tracker.Len(),
		DedupEntries:  s.dedup.Len(),
		WebSocketPeer: s.hub.Clients(),
	}
	for i, svc := range s.services {
		item := ServiceState{Name: s.kinds[i].String()}
		if p, ok := svc.(addrProvider); ok {
			if addr := p.Addr(); addr != nil {
				item.Addr = addr.String()
			}
		}
		st.Services = append(st.Services, item)
	}
	if s.apiAddr != nil {
		st.APIAddr = s.apiAddr.String()
	}
	if s.dispatcher != nil {
		st.QueuedTasks = s.dispatcher.Len()
	}
	st.GateWindows, st.GateBlocks = s.gate.Len()
	st.BannedIPv4, st.BannedIPv6 = s.banList.Len()
	return st
}

// ServiceAddr returns the bound address of the named service, or nil.
func (s *AppServer) ServiceAddr(name string) net.Addr {
	for i, svc := range s.services {
		if s.kinds[i].String() != name {
			continue
		}
		if p, ok := svc.(addrProvider); ok {
			return p.Addr()
		}
	}
	return nil
}
