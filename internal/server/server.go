package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/course-tracker/internal/session"
	"github.com/shaunagostinho/course-tracker/internal/telemetry"
	"github.com/shaunagostinho/course-tracker/internal/tracking"
)

// Controller is the tracking state machine as seen by the operator page.
type Controller interface {
	Enable(on bool)
	SessionDetails(courseNumber, vehicleName string)
	SessionDetailsCancelled()
	Snapshot(ctx context.Context) (tracking.Snapshot, error)
}

// PermissionResolver receives the operator's answer to a permission prompt.
type PermissionResolver interface {
	Resolve(granted bool)
}

// StatsSource exposes delivery pipeline counters.
type StatsSource interface {
	Stats() telemetry.Stats
}

// Server hosts the operator page and relays between websocket clients and
// the tracking controller. It is the controller's UI: status text,
// notifications, the toggle, and both prompts are pushed to every client.
type Server struct {
	cfg   *Config
	webFS fs.FS

	ctrl  Controller
	gate  PermissionResolver
	stats StatsSource

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// Last UI state, replayed to clients that connect later.
	uiMu    sync.Mutex
	status  string
	enabled bool
	prompt  string // "", msgPromptPermission or msgPromptDetails
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Message types exchanged over /ws.
const (
	msgEnable           = "enable"
	msgPermission       = "permission"
	msgDetails          = "details"
	msgDetailsCancelled = "detailsCancelled"

	msgStatus           = "status"
	msgNotify           = "notify"
	msgEnabled          = "enabled"
	msgPromptPermission = "promptPermission"
	msgPromptDetails    = "promptDetails"
)

// Message is the JSON structure exchanged with websocket clients.
type Message struct {
	Type            string `json:"type"`
	Text            string `json:"text,omitempty"`
	Enabled         *bool  `json:"enabled,omitempty"`
	Granted         *bool  `json:"granted,omitempty"`
	CourseNumber    string `json:"courseNumber,omitempty"`
	VehicleName     string `json:"vehicleName,omitempty"`
	MaxCourseLength int    `json:"maxCourseLength,omitempty"`
	Stamp           int64  `json:"stamp"` // Unix ms
}

// New creates a new Server. Attach must be called before Run.
func New(cfg *Config, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Attach wires the server to the components it relays to.
func (s *Server) Attach(ctrl Controller, gate PermissionResolver, stats StatsSource) {
	s.ctrl = ctrl
	s.gate = gate
	s.stats = stats
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/status", s.handleStatus)
	return mux
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// SetStatusText replaces the status line.
func (s *Server) SetStatusText(text string) {
	s.uiMu.Lock()
	s.status = text
	s.uiMu.Unlock()
	s.broadcast(Message{Type: msgStatus, Text: text})
}

// Notify shows a transient message. It never blocks.
func (s *Server) Notify(msg string) {
	log.Printf("[ws] notify: %s", msg)
	s.broadcast(Message{Type: msgNotify, Text: msg})
}

// SetEnabled moves the tracking toggle.
func (s *Server) SetEnabled(on bool) {
	s.uiMu.Lock()
	s.enabled = on
	if !on && s.prompt == msgPromptDetails {
		s.prompt = ""
	}
	s.uiMu.Unlock()
	s.broadcast(Message{Type: msgEnabled, Enabled: &on})
}

// PromptPermission asks the operator for location access.
func (s *Server) PromptPermission() {
	s.setPrompt(msgPromptPermission)
	s.broadcast(Message{Type: msgPromptPermission})
}

// PromptSessionDetails opens the course number and vehicle dialog.
func (s *Server) PromptSessionDetails() {
	s.setPrompt(msgPromptDetails)
	s.broadcast(Message{Type: msgPromptDetails, MaxCourseLength: session.MaxCourseNumberLen})
}

func (s *Server) setPrompt(p string) {
	s.uiMu.Lock()
	s.prompt = p
	s.uiMu.Unlock()
}

// takePrompt clears the open prompt if it is p and reports whether it was.
func (s *Server) takePrompt(p string) bool {
	s.uiMu.Lock()
	defer s.uiMu.Unlock()
	if s.prompt != p {
		return false
	}
	s.prompt = ""
	return true
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Replay the current UI state before joining the broadcast set.
	for _, m := range s.replay() {
		if data, err := encode(m); err == nil {
			client.send <- data
		}
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				log.Printf("[ws] bad message: %v", err)
				continue
			}
			s.dispatch(m)
		}
	}()
}

func (s *Server) replay() []Message {
	s.uiMu.Lock()
	defer s.uiMu.Unlock()

	enabled := s.enabled
	msgs := []Message{{Type: msgEnabled, Enabled: &enabled}}
	if s.status != "" {
		msgs = append(msgs, Message{Type: msgStatus, Text: s.status})
	}
	switch s.prompt {
	case msgPromptPermission:
		msgs = append(msgs, Message{Type: msgPromptPermission})
	case msgPromptDetails:
		msgs = append(msgs, Message{Type: msgPromptDetails, MaxCourseLength: session.MaxCourseNumberLen})
	}
	return msgs
}

// dispatch forwards one operator action.
func (s *Server) dispatch(m Message) {
	if s.ctrl == nil {
		log.Printf("[ws] %s ignored: no controller attached", m.Type)
		return
	}

	switch m.Type {
	case msgEnable:
		if m.Enabled == nil {
			return
		}
		on := *m.Enabled
		s.uiMu.Lock()
		s.enabled = on
		if !on && s.prompt == msgPromptDetails {
			s.prompt = ""
		}
		s.uiMu.Unlock()
		// Keep other clients' toggles in step.
		s.broadcast(Message{Type: msgEnabled, Enabled: &on})
		s.ctrl.Enable(on)

	case msgPermission:
		if m.Granted == nil || !s.takePrompt(msgPromptPermission) {
			return
		}
		if s.gate != nil {
			s.gate.Resolve(*m.Granted)
		}

	case msgDetails:
		if !s.takePrompt(msgPromptDetails) {
			return
		}
		s.ctrl.SessionDetails(m.CourseNumber, m.VehicleName)

	case msgDetailsCancelled:
		if !s.takePrompt(msgPromptDetails) {
			return
		}
		s.ctrl.SessionDetailsCancelled()

	default:
		log.Printf("[ws] unknown message type %q", m.Type)
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// StatusResponse is served on /api/status.
type StatusResponse struct {
	Tracking tracking.Snapshot `json:"tracking"`
	Delivery telemetry.Stats   `json:"delivery"`
	Summary  StatusSummary     `json:"summary"`
}

// StatusSummary holds human-readable renderings for the operator page.
type StatusSummary struct {
	Pending      string `json:"pending"`
	Delivered    string `json:"delivered"`
	Failed       string `json:"failed"`
	LastDelivery string `json:"lastDelivery"`
	SessionAge   string `json:"sessionAge,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.ctrl == nil || s.stats == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	snap, err := s.ctrl.Snapshot(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	resp := StatusResponse{
		Tracking: snap,
		Delivery: s.stats.Stats(),
	}
	resp.Summary = summarize(resp.Tracking, resp.Delivery)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func summarize(snap tracking.Snapshot, st telemetry.Stats) StatusSummary {
	sum := StatusSummary{
		Pending:      humanize.Comma(int64(st.Pending)),
		Delivered:    humanize.Comma(int64(st.Delivered)),
		Failed:       humanize.Comma(int64(st.Failed)),
		LastDelivery: "never",
	}
	if !st.LastDelivery.IsZero() {
		sum.LastDelivery = humanize.Time(st.LastDelivery)
	}
	if !snap.StartedAt.IsZero() {
		sum.SessionAge = humanize.Time(snap.StartedAt)
	}
	return sum
}

func encode(m Message) ([]byte, error) {
	m.Stamp = time.Now().UnixMilli()
	return json.Marshal(m)
}

func (s *Server) broadcast(m Message) {
	data, err := encode(m)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
