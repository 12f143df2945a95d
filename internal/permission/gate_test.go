package permission

import (
	"bytes"
	"log"
	"strings"
	"sync"
	"testing"
)

type countingPrompter struct{ n int }

func (p *countingPrompter) PromptPermission() { p.n++ }

func TestGate_RequestOnlyOncePerPrompt(t *testing.T) {
	p := &countingPrompter{}
	g := NewGate(p, false)

	var results []bool
	g.OnResult(func(granted bool) { results = append(results, granted) })

	if g.Check() != Unknown {
		t.Fatalf("initial state = %v, want unknown", g.Check())
	}

	g.Request()
	g.Request()
	if p.n != 1 {
		t.Fatalf("prompts = %d, want 1", p.n)
	}
	if !g.Outstanding() {
		t.Fatal("expected outstanding prompt")
	}

	g.Resolve(true)
	if g.Check() != Granted {
		t.Errorf("state = %v, want granted", g.Check())
	}
	if len(results) != 1 || !results[0] {
		t.Errorf("results = %v, want [true]", results)
	}

	// A stray answer with nothing outstanding is recorded but not forwarded.
	g.Resolve(false)
	if g.Check() != Denied {
		t.Errorf("state = %v, want denied", g.Check())
	}
	if len(results) != 1 {
		t.Errorf("stray result forwarded: %v", results)
	}

	g.Request()
	if p.n != 2 {
		t.Errorf("prompts = %d, want 2 after resolution", p.n)
	}
}

func TestGate_PreGranted(t *testing.T) {
	g := NewGate(nil, true)
	if g.Check() != Granted {
		t.Fatalf("state = %v, want granted", g.Check())
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{Unknown: "unknown", Granted: "granted", Denied: "denied"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestGate_ResolveLogsItsOwnAnswer(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(orig)

	g := NewGate(nil, false)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(granted bool) {
			defer wg.Done()
			g.Resolve(granted)
		}(i%2 == 0)
	}
	wg.Wait()

	out := buf.String()
	if got := strings.Count(out, "location access granted"); got != n/2 {
		t.Errorf("granted lines = %d, want %d", got, n/2)
	}
	if got := strings.Count(out, "location access denied"); got != n/2 {
		t.Errorf("denied lines = %d, want %d", got, n/2)
	}
}
