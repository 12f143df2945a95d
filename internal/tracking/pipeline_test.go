package tracking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/course-tracker/internal/gps"
	"github.com/shaunagostinho/course-tracker/internal/permission"
	"github.com/shaunagostinho/course-tracker/internal/telemetry"
)

type nopPrompter struct{}

func (nopPrompter) PromptPermission() {}

// End to end: real gate and reporter against a fake collector that fails the
// first delivery.
func TestPipeline_DeliveryFailureDoesNotAffectSession(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []map[string]any
		calls  int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m map[string]any
		_ = json.NewDecoder(r.Body).Decode(&m)
		mu.Lock()
		calls++
		first := calls == 1
		bodies = append(bodies, m)
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	ui := &fakeUI{}
	gate := permission.NewGate(nopPrompter{}, false)
	reporter := telemetry.New(telemetry.Config{URL: srv.URL}, ui)
	source := &fakeSource{}
	ctrl := New(Config{}, gate, source, reporter, ui)
	gate.OnResult(ctrl.PermissionResult)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); ctrl.Run(ctx) }()
	go func() { defer wg.Done(); reporter.Run(ctx) }()
	defer func() {
		cancel()
		wg.Wait()
	}()

	ctrl.Enable(true)
	if snap, err := ctrl.Snapshot(context.Background()); err != nil || snap.State != AwaitingPermission {
		t.Fatalf("snapshot = %+v, %v", snap, err)
	}
	if !gate.Outstanding() {
		t.Fatal("expected a permission prompt")
	}
	gate.Resolve(true)
	ctrl.SessionDetails("42", "Truck-A")
	ctrl.Fixes([]gps.Fix{{Latitude: 52.0, Longitude: 21.0}})
	ctrl.Fixes([]gps.Fix{{Latitude: 52.01, Longitude: 21.01}})

	deadline := time.Now().Add(5 * time.Second)
	for {
		s := reporter.Stats()
		if s.Delivered+s.Failed == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deliveries did not finish: %+v", s)
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap, err := ctrl.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != Active {
		t.Errorf("state = %v after failed delivery, want active", snap.State)
	}

	s := reporter.Stats()
	if s.Failed != 1 || s.Delivered != 1 || s.LastStatus != http.StatusCreated {
		t.Errorf("stats = %+v", s)
	}

	var failures int
	for _, n := range ui.notifications() {
		if strings.HasPrefix(n, "Błąd wysyłania") {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("failure notifications = %d, want 1 (%v)", failures, ui.notifications())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 || bodies[0]["latitude"] != 52.0 || bodies[1]["latitude"] != 52.01 {
		t.Errorf("bodies = %v", bodies)
	}
	for _, b := range bodies {
		if b["courseNumber"] != "42" || b["vehicleName"] != "Truck-A" {
			t.Errorf("body metadata = %v", b)
		}
	}
}
