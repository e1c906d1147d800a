package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neophob/fw-honeypot/internal/core/analysis"
	"github.com/neophob/fw-honeypot/internal/core/tracker"
	"github.com/neophob/fw-honeypot/internal/shared/metrics"
	"github.com/neophob/fw-honeypot/internal/shared/types"
)

type staticBans struct {
	v4, v6 []string
}

func (b staticBans) Entries() ([]string, []string) {
	return b.v4, b.v6
}

func get(t *testing.T, h http.Handler, method, path string, auth ...string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if len(auth) == 2 {
		req.SetBasicAuth(auth[0], auth[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body)
}

func TestServer_HealthRoutes(t *testing.T) {
	s := NewServer("127.0.0.1", types.WebConf{Port: 0}, metrics.New(0), nil, nil)
	h := s.Handler()

	cases := []struct {
		method, path string
		code         int
		body         string
	}{
		{http.MethodGet, "/", http.StatusOK, "TXT"},
		{http.MethodGet, "/up", http.StatusOK, "OK"},
		{http.MethodGet, "/nope", http.StatusNotFound, "Not Found"},
		{http.MethodPost, "/", http.StatusNotFound, "Not Found"},
		{http.MethodDelete, "/up", http.StatusNotFound, "Not Found"},
	}
	for _, c := range cases {
		code, body := get(t, h, c.method, c.path)
		if code != c.code || body != c.body {
			t.Errorf("%s %s: got %d %q, want %d %q", c.method, c.path, code, body, c.code, c.body)
		}
	}
}

func TestServer_StatsAndBanList(t *testing.T) {
	m := metrics.New(0)
	m.Inc("SSH_CONNECTION")
	m.Inc("SSH_CONNECTION")
	m.AddError("SMB_SOCKET_ERROR#reset")

	bans := staticBans{v4: []string{"1.2.3.4"}}
	s := NewServer("127.0.0.1", types.WebConf{}, m, bans, nil)

	code, body := get(t, s.Handler(), http.MethodGet, "/api/stats")
	if code != http.StatusOK {
		t.Fatalf("stats: got %d", code)
	}
	var stats StatsResponse
	if err := json.Unmarshal([]byte(body), &stats); err != nil {
		t.Fatalf("stats is not json: %v (%s)", err, body)
	}
	if stats.Counters["SSH_CONNECTION"] != 2 {
		t.Errorf("counter: got %d", stats.Counters["SSH_CONNECTION"])
	}
	if len(stats.LastErrors) != 1 || stats.LastErrors[0] != "SMB_SOCKET_ERROR#reset" {
		t.Errorf("last errors: got %v", stats.LastErrors)
	}

	code, body = get(t, s.Handler(), http.MethodGet, "/api/banlist")
	if code != http.StatusOK {
		t.Fatalf("banlist: got %d", code)
	}
	var list BanListResponse
	if err := json.Unmarshal([]byte(body), &list); err != nil {
		t.Fatalf("banlist is not json: %v", err)
	}
	if len(list.IPv4) != 1 || list.IPv4[0] != "1.2.3.4" || list.IPv6 == nil {
		t.Errorf("unexpected banlist %+v", list)
	}

	code, body = get(t, s.Handler(), http.MethodGet, "/metrics")
	if code != http.StatusOK || !strings.Contains(body, "honeypot_events_total") {
		t.Errorf("metrics: got %d, body missing honeypot_events_total", code)
	}
}

func TestServer_BasicAuth(t *testing.T) {
	s := NewServer("127.0.0.1", types.WebConf{User: "admin", Password: "secret"}, metrics.New(0), nil, nil)
	h := s.Handler()

	if code, _ := get(t, h, http.MethodGet, "/api/stats"); code != http.StatusUnauthorized {
		t.Errorf("no credentials: got %d", code)
	}
	if code, _ := get(t, h, http.MethodGet, "/api/stats", "admin", "wrong"); code != http.StatusUnauthorized {
		t.Errorf("wrong password: got %d", code)
	}
	if code, _ := get(t, h, http.MethodGet, "/api/stats", "admin", "secret"); code != http.StatusOK {
		t.Errorf("valid credentials: got %d", code)
	}
	if code, _ := get(t, h, http.MethodGet, "/metrics"); code != http.StatusUnauthorized {
		t.Errorf("metrics without credentials: got %d", code)
	}
	// 健康检查不需要认证
	if code, _ := get(t, h, http.MethodGet, "/up"); code != http.StatusOK {
		t.Errorf("/up: got %d", code)
	}
}

func TestServer_StartShutdown(t *testing.T) {
	s := NewServer("127.0.0.1", types.WebConf{Port: 0}, metrics.New(0), nil, nil)
	addr, err := s.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	resp, err := http.Get("http://" + addr.String() + "/up")
	if err != nil {
		t.Fatalf("GET /up failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "OK" {
		t.Errorf("got %q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestHub_BroadcastsEvents(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	s := NewServer("127.0.0.1", types.WebConf{}, nil, nil, hub)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.OnSessionFlushed(&tracker.Snapshot{IP: "1.2.3.4", Service: "SSH", Text: "root", Size: 4}, true)
	hub.HandleOutcome(&analysis.Outcome{
		Task:   analysis.Task{Payload: "root", Meta: analysis.Meta{IP: "1.2.3.4", Service: "SSH"}},
		Result: &analysis.Result{Description: "brute force", Level: analysis.LevelRed, Phase: "Credential Access"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second map[string]json.RawMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first: %v", err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second: %v", err)
	}
	if string(first["type"]) != `"`+MessageSessionFlushed+`"` {
		t.Errorf("first message type: %s", first["type"])
	}
	if !strings.Contains(string(first["data"]), `"unique":true`) || !strings.Contains(string(first["data"]), `"ip":"1.2.3.4"`) {
		t.Errorf("session payload: %s", first["data"])
	}
	if string(second["type"]) != `"`+MessageAnalysisResult+`"` {
		t.Errorf("second message type: %s", second["type"])
	}
	if !strings.Contains(string(second["data"]), `"level":"red"`) {
		t.Errorf("outcome payload: %s", second["data"])
	}
}
