package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/neophob/fw-honeypot/internal/core/analysis"
	"github.com/neophob/fw-honeypot/internal/core/tracker"
	"github.com/neophob/fw-honeypot/internal/shared/metrics"
	"github.com/neophob/fw-honeypot/internal/shared/types"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu      sync.Mutex
	msgs    []published
	fail    error
	drained bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestPublisher_Subjects(t *testing.T) {
	nc := &fakeConn{}
	m := metrics.New(0)
	p := newPublisher(nc, "", m)

	p.OnSessionFlushed(&tracker.Snapshot{IP: "1.2.3.4", Service: "SMTP", Text: "EHLO x", Size: 6}, false)
	p.HandleOutcome(&analysis.Outcome{
		Task:   analysis.Task{Meta: analysis.Meta{IP: "1.2.3.4", Service: "SMTP"}},
		Result: &analysis.Result{Description: "scan", Level: analysis.LevelGreen, Phase: "Reconnaissance"},
	})

	if len(nc.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(nc.msgs))
	}
	if nc.msgs[0].subject != "honeypot.events.session" || nc.msgs[1].subject != "honeypot.events.analysis" {
		t.Errorf("unexpected subjects %q %q", nc.msgs[0].subject, nc.msgs[1].subject)
	}

	var ev map[string]interface{}
	if err := json.Unmarshal(nc.msgs[0].data, &ev); err != nil {
		t.Fatalf("session event is not json: %v", err)
	}
	if ev["ip"] != "1.2.3.4" || ev["service"] != "SMTP" || ev["unique"] != false {
		t.Errorf("unexpected session event %v", ev)
	}

	var out analysis.Outcome
	if err := json.Unmarshal(nc.msgs[1].data, &out); err != nil {
		t.Fatalf("outcome is not json: %v", err)
	}
	if out.Result == nil || out.Result.Phase != "Reconnaissance" {
		t.Errorf("unexpected outcome %+v", out)
	}
	if m.Get("NATS_PUBLISHED") != 2 {
		t.Errorf("NATS_PUBLISHED: got %d", m.Get("NATS_PUBLISHED"))
	}

	p.Close()
	if !nc.drained {
		t.Error("Close should drain the connection")
	}
}

func TestPublisher_PublishError(t *testing.T) {
	nc := &fakeConn{fail: errors.New("nats: connection closed")}
	m := metrics.New(0)
	p := newPublisher(nc, "hp", m)

	p.OnSessionFlushed(&tracker.Snapshot{IP: "5.6.7.8"}, true)

	if m.Get("NATS_ERROR") != 1 {
		t.Errorf("NATS_ERROR: got %d", m.Get("NATS_ERROR"))
	}
	if errs := m.LastErrors(); len(errs) != 1 || errs[0] != "NATS_ERROR#nats: connection closed" {
		t.Errorf("last errors: %v", errs)
	}
}

func TestConnect_RequiresURL(t *testing.T) {
	if _, err := Connect(context.Background(), types.NatsConf{}, nil); err == nil {
		t.Error("expected error without url")
	}
}

func TestConnect_GivesUpWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// 端口 1 上没有 NATS, ctx 已取消所以不会重试
	if _, err := Connect(ctx, types.NatsConf{URL: "nats://127.0.0.1:1"}, nil); err == nil {
		t.Error("expected connect error")
	}
}
