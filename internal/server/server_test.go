package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/course-tracker/internal/session"
	"github.com/shaunagostinho/course-tracker/internal/telemetry"
	"github.com/shaunagostinho/course-tracker/internal/tracking"
)

type call struct {
	name string
	args []string
}

type fakeController struct {
	mu    sync.Mutex
	calls []call
	snap  tracking.Snapshot
}

func (f *fakeController) record(name string, args ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name, args})
}

func (f *fakeController) Enable(on bool) {
	if on {
		f.record("enable", "true")
	} else {
		f.record("enable", "false")
	}
}

func (f *fakeController) SessionDetails(c, v string) { f.record("details", c, v) }
func (f *fakeController) SessionDetailsCancelled()   { f.record("cancelled") }

func (f *fakeController) Snapshot(ctx context.Context) (tracking.Snapshot, error) {
	return f.snap, nil
}

func (f *fakeController) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeGate struct {
	mu      sync.Mutex
	answers []bool
}

func (g *fakeGate) Resolve(granted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.answers = append(g.answers, granted)
}

type fakeStats struct{ s telemetry.Stats }

func (f fakeStats) Stats() telemetry.Stats { return f.s }

func newTestServer(t *testing.T) (*Server, *fakeController, *fakeGate, *httptest.Server) {
	t.Helper()
	ctrl := &fakeController{}
	gate := &fakeGate{}
	s := New(DefaultConfig(), nil)
	s.Attach(ctrl, gate, fakeStats{s: telemetry.Stats{Pending: 1234, Delivered: 5}})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ctrl, gate, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if m.Type == typ {
			return m
		}
	}
}

func waitCalls(t *testing.T, ctrl *fakeController, n int) []call {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for ctrl.callCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d controller calls, got %d", n, ctrl.callCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	return append([]call(nil), ctrl.calls...)
}

func TestServer_ReplaysStateToNewClients(t *testing.T) {
	s, _, _, ts := newTestServer(t)

	s.SetStatusText("Zatrzymano GPS")
	s.SetEnabled(true)
	s.PromptSessionDetails()

	conn := dial(t, ts)
	if m := readUntil(t, conn, msgEnabled); m.Enabled == nil || !*m.Enabled {
		t.Errorf("enabled replay = %+v", m)
	}
	if m := readUntil(t, conn, msgStatus); m.Text != "Zatrzymano GPS" {
		t.Errorf("status replay = %+v", m)
	}
	if m := readUntil(t, conn, msgPromptDetails); m.MaxCourseLength != session.MaxCourseNumberLen {
		t.Errorf("prompt replay = %+v", m)
	}
}

func TestServer_RelaysOperatorActions(t *testing.T) {
	s, ctrl, gate, ts := newTestServer(t)
	conn := dial(t, ts)
	readUntil(t, conn, msgEnabled)

	// Details without an open prompt are ignored. Messages from one client
	// are handled in order, so the enable below observes that.
	conn.WriteJSON(Message{Type: msgDetails, CourseNumber: "1", VehicleName: "x"})

	on := true
	if err := conn.WriteJSON(Message{Type: msgEnable, Enabled: &on}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitCalls(t, ctrl, 1)

	s.PromptSessionDetails()
	readUntil(t, conn, msgPromptDetails)
	conn.WriteJSON(Message{Type: msgDetails, CourseNumber: "42", VehicleName: "Truck-A"})
	calls := waitCalls(t, ctrl, 2)

	if calls[0].name != "enable" || calls[0].args[0] != "true" {
		t.Errorf("call 0 = %+v", calls[0])
	}
	if calls[1].name != "details" || calls[1].args[0] != "42" || calls[1].args[1] != "Truck-A" {
		t.Errorf("call 1 = %+v", calls[1])
	}

	s.PromptPermission()
	readUntil(t, conn, msgPromptPermission)
	granted := false
	conn.WriteJSON(Message{Type: msgPermission, Granted: &granted})

	deadline := time.Now().Add(3 * time.Second)
	for {
		gate.mu.Lock()
		n := len(gate.answers)
		gate.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("permission answer not relayed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	gate.mu.Lock()
	if gate.answers[0] {
		t.Error("expected denied answer")
	}
	gate.mu.Unlock()
}

func TestServer_BroadcastsNotifications(t *testing.T) {
	s, _, _, ts := newTestServer(t)
	a := dial(t, ts)
	b := dial(t, ts)
	readUntil(t, a, msgEnabled)
	readUntil(t, b, msgEnabled)

	// Wait until both are registered for broadcast.
	deadline := time.Now().Add(3 * time.Second)
	for {
		s.clientsMu.RLock()
		n := len(s.clients)
		s.clientsMu.RUnlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("clients not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Notify("Błąd wysyłania: timeout")
	for _, c := range []*websocket.Conn{a, b} {
		if m := readUntil(t, c, msgNotify); m.Text != "Błąd wysyłania: timeout" {
			t.Errorf("notify = %+v", m)
		}
	}
}

func TestServer_StatusEndpoint(t *testing.T) {
	_, ctrl, _, ts := newTestServer(t)
	ctrl.snap = tracking.Snapshot{
		State:     tracking.Active,
		SessionID: "abc",
		Metadata:  session.Metadata{CourseNumber: "42", VehicleName: "Truck-A"},
		StartedAt: time.Now().Add(-3 * time.Minute),
		Fixes:     7,
	}

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Tracking struct {
			State    string           `json:"state"`
			Metadata session.Metadata `json:"metadata"`
			Fixes    int              `json:"fixes"`
		} `json:"tracking"`
		Delivery telemetry.Stats `json:"delivery"`
		Summary  StatusSummary   `json:"summary"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Tracking.State != "active" || body.Tracking.Fixes != 7 || body.Tracking.Metadata.CourseNumber != "42" {
		t.Errorf("tracking = %+v", body.Tracking)
	}
	if body.Summary.Pending != "1,234" || body.Summary.LastDelivery != "never" {
		t.Errorf("summary = %+v", body.Summary)
	}
	if body.Summary.SessionAge != "3 minutes ago" {
		t.Errorf("session age = %q", body.Summary.SessionAge)
	}
}

func TestServer_ConfigEndpoint(t *testing.T) {
	_, _, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/config")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var cfg struct {
		Collector CollectorConfig `json:"collector"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Collector.ConnectTimeoutMs != 5000 || cfg.Collector.ReadTimeoutMs != 5000 {
		t.Errorf("collector = %+v", cfg.Collector)
	}

	resp, err = http.Post(ts.URL+"/api/config", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("post status = %d", resp.StatusCode)
	}
}
