package raceserver

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/quic-go/webtransport-go"

	"driftline/internal/core"
)

// Server exposes the hub over websocket and WebTransport accept paths. The
// listeners themselves are owned by the caller.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub) *Server {
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes builds the HTTP mux: the race endpoint plus a health probe.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/race", s.handleRace)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleRace(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARNING] server: websocket upgrade: %v", err)
		return
	}
	log.Printf("[DEBUG] server: websocket client from %s", r.RemoteAddr)
	s.hub.HandleConn(core.NewWSConn(c))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	players, matches := s.hub.Counts()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"players": players,
		"matches": matches,
	})
}

// HandleWebTransport upgrades an HTTP/3 request into a session and serves its
// first bidirectional stream through the hub.
func (s *Server) HandleWebTransport(wt *webtransport.Server, w http.ResponseWriter, r *http.Request) {
	sess, err := wt.Upgrade(w, r)
	if err != nil {
		log.Printf("[WARNING] server: webtransport upgrade: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	log.Printf("[DEBUG] server: webtransport client from %s", r.RemoteAddr)

	stream, err := sess.AcceptStream(sess.Context())
	if err != nil {
		log.Printf("[WARNING] server: accept stream: %v", err)
		sess.CloseWithError(1, "no stream")
		return
	}
	s.hub.HandleConn(core.NewStreamConn(sess, stream))
}
