package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"coderoom/internal/events"
	"coderoom/internal/logger"
	"coderoom/internal/metrics"
	"coderoom/internal/session"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

const healthTimeout = 2 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

type RoomReader interface {
	Snapshot(ctx context.Context, roomID string) (session.Snapshot, error)
}

type Server struct {
	Rooms   RoomReader
	Store   Pinger
	WS      http.HandlerFunc
	Metrics *metrics.Metrics
}

// Routes builds the HTTP surface wrapped in the CORS policy.
func (s *Server) Routes(allowedOrigins []string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/rooms/create", s.handleCreateRoom).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{id}", s.handleRoom).Methods(http.MethodGet)
	r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.WS)

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.Store.Ping(ctx); err != nil {
		log := logger.For("server")
		log.Warn().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "store": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateRoom hands out a fresh room id. Nothing is stored until the
// first join.
func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	roomID := uuid.NewString()
	log := logger.For("server")
	log.Info().Str("room", roomID).Msg("room created")
	writeJSON(w, http.StatusCreated, map[string]string{"roomId": roomID})
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	if !events.ValidRoomID(roomID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid room id"})
		return
	}

	snap, err := s.Rooms.Snapshot(r.Context(), roomID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "room unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log := logger.For("server")
		log.Error().Err(err).Msg("writing response")
	}
}
