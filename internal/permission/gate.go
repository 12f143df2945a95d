package permission

import (
	"log"
	"sync"
)

// State is the location-access capability as last reported by the platform.
type State int

const (
	Unknown State = iota
	Granted
	Denied
)

func (s State) String() string {
	switch s {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Prompter shows the platform permission prompt. The answer comes back
// later through Gate.Resolve.
type Prompter interface {
	PromptPermission()
}

// Gate wraps the single "location access granted" capability.
//
// Resolve is called by the platform side (the websocket UI) from any
// goroutine; the registered result callback receives exactly one result per
// Request.
type Gate struct {
	mu          sync.Mutex
	state       State
	outstanding bool
	prompter    Prompter
	onResult    func(granted bool)
}

// NewGate creates a gate. A pre-granted gate never prompts.
func NewGate(prompter Prompter, preGranted bool) *Gate {
	g := &Gate{prompter: prompter}
	if preGranted {
		g.state = Granted
	}
	return g
}

// OnResult registers the callback that receives prompt results. It is meant
// to be called once at startup, before any Request.
func (g *Gate) OnResult(fn func(granted bool)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onResult = fn
}

// Check returns the current state without side effects.
func (g *Gate) Check() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Request asks the platform to prompt the operator. While a prompt is
// outstanding further calls are ignored.
func (g *Gate) Request() {
	g.mu.Lock()
	if g.outstanding {
		g.mu.Unlock()
		log.Printf("[permission] prompt already outstanding")
		return
	}
	g.outstanding = true
	p := g.prompter
	g.mu.Unlock()

	log.Printf("[permission] requesting location access")
	if p != nil {
		p.PromptPermission()
	}
}

// Outstanding reports whether a prompt is waiting for an answer.
func (g *Gate) Outstanding() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outstanding
}

// Resolve records the operator's answer. Answers that arrive with no prompt
// outstanding still update the state but are not forwarded.
func (g *Gate) Resolve(granted bool) {
	g.mu.Lock()
	if granted {
		g.state = Granted
	} else {
		g.state = Denied
	}
	state := g.state
	forward := g.outstanding
	g.outstanding = false
	fn := g.onResult
	g.mu.Unlock()

	log.Printf("[permission] location access %v", state)
	if forward && fn != nil {
		fn(granted)
	}
}
