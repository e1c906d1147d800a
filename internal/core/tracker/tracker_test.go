package tracker

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neophob/fw-honeypot/internal/core/analysis"
)

// syncBuffer is a goroutine-safe dump writer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type mockFilter struct {
	unique bool
	seen   [][]byte
	mu     sync.Mutex
}

func (m *mockFilter) IsUnique(p []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, p)
	return m.unique
}

type mockEnqueuer struct {
	mu    sync.Mutex
	tasks []analysis.Task
}

func (m *mockEnqueuer) Enqueue(t analysis.Task) {
	m.mu.Lock()
	m.tasks = append(m.tasks, t)
	m.mu.Unlock()
}

func (m *mockEnqueuer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

type chanObserver chan *Snapshot

func (c chanObserver) OnSessionFlushed(s *Snapshot, unique bool) { c <- s }

type staticGeo string

func (g staticGeo) Country(string) string { return string(g) }

func waitFlush(t *testing.T, ch chanObserver) *Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush")
		return nil
	}
}

func TestTracker_FlushAfterInactivity(t *testing.T) {
	dump := &syncBuffer{}
	obs := make(chanObserver, 1)
	tr := New(Options{Inactivity: 20 * time.Millisecond, Dump: dump, Observers: []Observer{obs}})

	tr.AddString("127.0.0.1", "ssh", "login attempt")
	time.Sleep(50 * time.Millisecond)
	s := waitFlush(t, obs)

	out := dump.String()
	for _, want := range []string{"127.0.0.1", "ssh", "login attempt"} {
		if !strings.Contains(out, want) {
			t.Errorf("dump %q missing %q", out, want)
		}
	}
	if !strings.HasPrefix(out, "IP: 127.0.0.1, service ssh\n") {
		t.Errorf("unexpected summary header %q", out)
	}
	if s.Text != "login attempt" {
		t.Errorf("snapshot text: got %q", s.Text)
	}
	if tr.Len() != 0 {
		t.Error("session should be discarded after flush")
	}
}

func TestTracker_CoalescesAndDeduplicatesChunks(t *testing.T) {
	obs := make(chanObserver, 2)
	q := &mockEnqueuer{}
	tr := New(Options{
		Inactivity: 30 * time.Millisecond,
		Filter:     &mockFilter{unique: true},
		Analyzer:   q,
		Geo:        staticGeo("CH"),
		Observers:  []Observer{obs},
	})

	tr.AddString("1.2.3.4", "SMB", "first ")
	tr.AddString("1.2.3.4", "SMB", "second")
	tr.AddString("1.2.3.4", "SMB", "second")

	s := waitFlush(t, obs)
	if string(s.Raw) != "first second" {
		t.Errorf("raw: got %q", s.Raw)
	}
	if s.Chunks != 2 {
		t.Errorf("identical chunk should be stored once, got %d chunks", s.Chunks)
	}
	select {
	case extra := <-obs:
		t.Fatalf("expected exactly one flush, got another: %+v", extra)
	case <-time.After(60 * time.Millisecond):
	}

	if q.Len() != 1 {
		t.Fatalf("expected 1 analysis task, got %d", q.Len())
	}
	task := q.tasks[0]
	if task.Meta.IP != "1.2.3.4" || task.Meta.Service != "SMB" || task.Meta.Country != "CH" || task.Payload != "first second" {
		t.Errorf("unexpected task %+v", task)
	}
}

func TestTracker_TruncatesToCap(t *testing.T) {
	obs := make(chanObserver, 1)
	tr := New(Options{Inactivity: 10 * time.Millisecond, MaxBytes: 8, Observers: []Observer{obs}})

	tr.AddString("1.1.1.1", "rdp", "0123456789")
	tr.AddString("1.1.1.1", "rdp", "abc")

	s := waitFlush(t, obs)
	if !s.Truncated {
		t.Error("truncated flag should be set")
	}
	if len(s.Raw) != 8 || string(s.Raw) != "01234567" {
		t.Errorf("payload should be cut to the cap, got %q", s.Raw)
	}
	if s.Size != 13 {
		t.Errorf("size should report the captured total, got %d", s.Size)
	}
}

func TestTracker_DuplicateNotEnqueued(t *testing.T) {
	obs := make(chanObserver, 1)
	q := &mockEnqueuer{}
	f := &mockFilter{unique: false}
	tr := New(Options{Inactivity: 10 * time.Millisecond, Filter: f, Analyzer: q, Observers: []Observer{obs}})

	tr.Add("2.2.2.2", "telnet", []byte{0xff, 0xfb, 0x01})
	waitFlush(t, obs)
	if q.Len() != 0 {
		t.Error("rejected session must not reach the dispatcher")
	}
	if len(f.seen) != 1 || !bytes.Equal(f.seen[0], []byte{0xff, 0xfb, 0x01}) {
		t.Errorf("filter should see the raw view, got %v", f.seen)
	}
}

func TestTracker_ResetPostponesFlush(t *testing.T) {
	obs := make(chanObserver, 1)
	tr := New(Options{Inactivity: 40 * time.Millisecond, Observers: []Observer{obs}})

	tr.AddString("3.3.3.3", "ssh", "a")
	time.Sleep(25 * time.Millisecond)
	tr.AddString("3.3.3.3", "ssh", "b")
	time.Sleep(25 * time.Millisecond)

	select {
	case <-obs:
		t.Fatal("flush fired although the timer was reset")
	default:
	}
	s := waitFlush(t, obs)
	if string(s.Raw) != "ab" {
		t.Errorf("got %q", s.Raw)
	}
}

func TestTracker_ClearCancelsTimers(t *testing.T) {
	obs := make(chanObserver, 4)
	tr := New(Options{Inactivity: 10 * time.Millisecond, Observers: []Observer{obs}})

	tr.AddString("4.4.4.4", "ssh", "x")
	tr.AddString("5.5.5.5", "smb", "y")
	tr.Clear()
	if tr.Len() != 0 {
		t.Fatalf("Clear should drop all sessions, got %d", tr.Len())
	}

	select {
	case s := <-obs:
		t.Fatalf("no flush expected after Clear, got %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTracker_FlushAll(t *testing.T) {
	obs := make(chanObserver, 2)
	tr := New(Options{Inactivity: time.Hour, Observers: []Observer{obs}})
	tr.AddString("6.6.6.6", "smtp", "EHLO x")
	tr.Flush()
	s := waitFlush(t, obs)
	if s.Service != "smtp" || tr.Len() != 0 {
		t.Errorf("unexpected flush %+v", s)
	}
}

func TestPrintable(t *testing.T) {
	in := []byte("\x00\x01USER\r\n\r\n  root\x7f\xffPASS\ttoor\x00")
	if got := Printable(in); got != "USER root PASS toor" {
		t.Errorf("got %q", got)
	}
}
