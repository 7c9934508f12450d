package engine

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/flowbus/flowbus/internal/log"
	"github.com/flowbus/flowbus/internal/wire"
)

// Server exposes the event channel at /ws plus a small REST surface for
// starting, listing and stopping simulated queries.
type Server struct {
	store     *Store
	runner    *Runner
	bcast     *Broadcaster
	authToken string
	log       zerolog.Logger
}

func NewServer(store *Store, runner *Runner, bcast *Broadcaster, authToken string) *Server {
	return &Server{
		store:     store,
		runner:    runner,
		bcast:     bcast,
		authToken: authToken,
		log:       log.WithComponent("server"),
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/queries", s.handleQueries)
	mux.HandleFunc("/api/queries/", s.handleQueryByID)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
}

// handleWS upgrades the connection and runs the control read loop inline:
// the handler returns only when the subscriber disconnects, at which point
// its registrations are gone.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	s.log.Debug().Str("remote", r.RemoteAddr).Msg("subscriber connected")
	sub := s.bcast.AddSubscriber(conn)
	defer func() {
		s.bcast.RemoveSubscriber(sub)
		s.log.Debug().Str("remote", r.RemoteAddr).Msg("subscriber disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Warn().Err(err).Msg("malformed control frame")
			continue
		}
		switch f.Type {
		case wire.FrameRegister:
			if f.Handle == "" {
				continue
			}
			s.bcast.Register(sub, f.Handle)
			s.log.Debug().Str(log.FieldHandle, f.Handle).Msg("listener registered")
		case wire.FrameDeregister:
			if f.Handle == "" {
				continue
			}
			s.bcast.Deregister(sub, f.Handle)
			s.log.Debug().Str(log.FieldHandle, f.Handle).Msg("listener deregistered")
		default:
			s.log.Debug().Str("frame", string(f.Type)).Msg("ignoring control frame")
		}
	}
}

func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.store.All())
	case http.MethodPost:
		var spec QuerySpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			http.Error(w, "invalid query spec", http.StatusBadRequest)
			return
		}
		state, err := s.runner.StartQuery(spec)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(state)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleQueryByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/api/queries/")
	id, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "invalid query id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		state, ok := s.store.Get(id)
		if !ok {
			http.Error(w, "query not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(state)
	case http.MethodDelete:
		if s.runner.StopQuery(id) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		// Stopping an already terminated query is idempotent.
		if _, ok := s.store.Get(id); ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Error(w, "query not found", http.StatusNotFound)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"queries":     s.store.ActiveCount(),
		"subscribers": s.bcast.SubscriberCount(),
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.authToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}
	return false
}

// checkOrigin allows non-browser clients (no Origin header), same-host
// requests, and loopback origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}
	return false
}
