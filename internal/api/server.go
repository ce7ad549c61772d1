// Package api provides the local HTTP control API and WebSocket event stream
// for host frontends (game UI, bots, debugging tools).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"driftline/internal/core"
)

// Server exposes the engine and session machine over localhost HTTP.
type Server struct {
	bus      *core.Bus
	engine   *core.Engine
	machine  *core.Machine
	cfg      *core.Config
	cfgMgr   *core.ConfigManager
	addr     string
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	// Event broadcasting
	eventSubs map[string]*eventSubscriber
	subMu     sync.RWMutex
	untap     func()

	ctx    context.Context
	cancel context.CancelFunc
}

type eventSubscriber struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new control API server. cfgMgr may be nil when config
// persistence is disabled.
func NewServer(bus *core.Bus, engine *core.Engine, machine *core.Machine, cfg *core.Config, cfgMgr *core.ConfigManager, addr string) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		bus:       bus,
		engine:    engine,
		machine:   machine,
		cfg:       cfg,
		cfgMgr:    cfgMgr,
		addr:      addr,
		eventSubs: make(map[string]*eventSubscriber),
		ctx:       ctx,
		cancel:    cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow all origins for local development
				return true
			},
		},
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/config", s.handleConfig)
	mux.HandleFunc("/api/v1/match", s.handleMatch)
	mux.HandleFunc("/api/v1/machine", s.handleMachine)
	mux.HandleFunc("/api/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/api/v1/control/transition", s.handleTransition)
	mux.HandleFunc("/api/v1/control/join", s.handleJoin)
	mux.HandleFunc("/api/v1/control/leave", s.handleLeave)
	mux.HandleFunc("/api/v1/control/spectate", s.handleSpectate)
	mux.HandleFunc("/api/v1/control/input", s.handleInput)

	// WebSocket endpoint for events
	mux.HandleFunc("/api/v1/events", s.handleEvents)

	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	// Tap the bus so every published event reaches the stream subscribers.
	s.untap = s.bus.AddMiddleware(func(ev core.Event) (core.Event, error) {
		s.broadcast(ev)
		return ev, nil
	})

	log.Printf("[INFO] control API listening on %s", s.addr)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("[WARNING] control API server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()
	if s.untap != nil {
		s.untap()
	}

	s.subMu.Lock()
	for _, sub := range s.eventSubs {
		sub.cancel()
		sub.conn.Close()
	}
	s.subMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Addr returns the actual listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStatus returns the session and connection state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := struct {
		State     string `json:"state"`
		Previous  string `json:"previous"`
		Connected bool   `json:"connected"`
		ServerURL string `json:"server_url"`
		Transport string `json:"transport"`
		PlayerID  string `json:"player_id"`
	}{
		State:     s.machine.Current(),
		Previous:  s.machine.Previous(),
		Connected: s.engine.Connected(),
		ServerURL: s.cfg.ServerURL,
		Transport: s.cfg.Transport,
		PlayerID:  s.cfg.PlayerID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleConfig handles config GET/POST. POST persists to disk; connection
// settings apply on the next start.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.cfg)

	case http.MethodPost:
		// Fields absent from the body keep their current values.
		cfg := *s.cfg
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := cfg.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if s.cfgMgr != nil {
			if err := s.cfgMgr.Save(&cfg); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		s.bus.PublishDeferred(core.NewConfigUpdatedEvent())

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "saved"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleMatch returns the current match snapshot.
func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, ok := s.engine.Snapshot()
	if !ok {
		http.Error(w, "no active match", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// handleMachine returns the state machine's history and timings.
func (s *Server) handleMachine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	durations := make(map[string]int64)
	for name, d := range s.machine.Durations() {
		durations[name] = d.Milliseconds()
	}
	out := struct {
		Current     string              `json:"current"`
		Previous    string              `json:"previous"`
		History     []core.HistoryEntry `json:"history"`
		DurationsMs map[string]int64    `json:"durations_ms"`
	}{
		Current:     s.machine.Current(),
		Previous:    s.machine.Previous(),
		History:     s.machine.History(),
		DurationsMs: durations,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// handleMetrics returns engine counters and per-event bus statistics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	out := struct {
		Engine core.MetricsSnapshot       `json:"engine"`
		Bus    map[string]core.EventStats `json:"bus"`
	}{
		Engine: s.engine.Metrics().Snapshot(),
		Bus:    s.bus.AllStats(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// handleTransition requests a session machine transition by label.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Label == "" {
		http.Error(w, "label is required", http.StatusBadRequest)
		return
	}

	ok := s.machine.RequestTransition(r.Context(), req.Label)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"accepted": ok,
		"state":    s.machine.Current(),
	})
}

// handleJoin publishes a join intent for the engine.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		TrackID string `json:"track_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.bus.Publish(core.NewJoinRaceEvent(req.TrackID))
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "joining"})
}

// handleLeave publishes a leave intent.
func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.bus.Publish(core.NewLeaveRaceEvent())
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "left"})
}

// handleSpectate publishes a spectate intent.
func (s *Server) handleSpectate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		MatchID string `json:"match_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.MatchID == "" {
		http.Error(w, "match_id is required", http.StatusBadRequest)
		return
	}

	s.bus.Publish(core.NewSpectateEvent(req.MatchID))
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "spectating"})
}

// handleInput publishes a local input vector.
func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Vector core.Vec2 `json:"vector"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.bus.Publish(core.NewPlayerInputEvent(req.Vector))
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "applied"})
}

// handleEvents handles WebSocket connections for event streaming.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARNING] WebSocket upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	sub := &eventSubscriber{
		id:     "sub-" + uuid.NewString()[:8],
		conn:   conn,
		sendCh: make(chan []byte, 100),
		ctx:    ctx,
		cancel: cancel,
	}

	s.subMu.Lock()
	s.eventSubs[sub.id] = sub
	s.subMu.Unlock()

	// Cleanup on disconnect
	defer func() {
		s.subMu.Lock()
		delete(s.eventSubs, sub.id)
		s.subMu.Unlock()
		cancel()
		conn.Close()
	}()

	go s.writeEvents(sub)
	s.readEvents(sub)
}

// writeEvents writes events to the WebSocket.
func (s *Server) writeEvents(sub *eventSubscriber) {
	defer sub.cancel()

	for {
		select {
		case msg := <-sub.sendCh:
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-sub.ctx.Done():
			return
		}
	}
}

// readEvents reads host commands from the WebSocket. Intent commands are
// named by the bus event they publish, so a host can drive the whole session
// over the stream without touching the REST routes.
func (s *Server) readEvents(sub *eventSubscriber) {
	defer sub.cancel()

	for {
		_, msg, err := sub.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WARNING] WebSocket error: %v", err)
			}
			return
		}

		var cmd struct {
			Action  string    `json:"action"`
			TrackID string    `json:"track_id"`
			MatchID string    `json:"match_id"`
			Vector  core.Vec2 `json:"vector"`
		}
		if err := json.Unmarshal(msg, &cmd); err != nil {
			continue
		}

		switch cmd.Action {
		case "ping":
			select {
			case sub.sendCh <- []byte(`{"type":"pong"}`):
			case <-sub.ctx.Done():
				return
			}
		case core.EventPlayerInput:
			s.bus.Publish(core.NewPlayerInputEvent(cmd.Vector))
		case core.EventJoinRace:
			s.bus.Publish(core.NewJoinRaceEvent(cmd.TrackID))
		case core.EventLeaveRace:
			s.bus.Publish(core.NewLeaveRaceEvent())
		case core.EventSpectate:
			if cmd.MatchID == "" {
				continue
			}
			s.bus.Publish(core.NewSpectateEvent(cmd.MatchID))
		}
	}
}

// broadcast fans one bus event out to every stream subscriber. Runs inside
// the bus middleware chain, so a slow subscriber loses events rather than
// stalling dispatch.
func (s *Server) broadcast(ev core.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	s.subMu.RLock()
	subs := make([]*eventSubscriber, 0, len(s.eventSubs))
	for _, sub := range s.eventSubs {
		subs = append(subs, sub)
	}
	s.subMu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.sendCh <- data:
		default:
		}
	}
}
