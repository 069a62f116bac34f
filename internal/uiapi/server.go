package uiapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ostavnaas/kjeller/internal/controller"
	"github.com/ostavnaas/kjeller/internal/engine"
	"github.com/ostavnaas/kjeller/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// StatusSource exposes the result of the last tick
type StatusSource interface {
	Status() (controller.Status, bool)
	Room(name string) (controller.RoomStatus, bool)
}

// History exposes persisted prices and the tick log
type History interface {
	GetCachedPrices(date time.Time) ([]engine.PriceSample, error)
	RecentTicks(limit int) ([]store.Tick, error)
	RecentAdjustments(room string, limit int) ([]store.Adjustment, error)
}

type Server struct {
	status  StatusSource
	history History
	metrics http.Handler
	version string
}

// NewServer creates the read-only status API. history and metrics may be nil.
func NewServer(status StatusSource, history History, metrics http.Handler, version string) *Server {
	return &Server{
		status:  status,
		history: history,
		metrics: metrics,
		version: version,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS for dashboards on the local network
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/prices", s.handleGetPrices)
		r.Get("/rooms", s.handleGetRooms)
		r.Get("/rooms/{name}", s.handleGetRoom)
		r.Get("/adjustments", s.handleGetAdjustments)
		r.Get("/ticks", s.handleGetTicks)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := s.status.Status()
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "no recent tick")
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleGetPrices serves today's prices from the last tick, or a stored
// day when ?date=YYYY-MM-DD is given.
func (s *Server) handleGetPrices(w http.ResponseWriter, r *http.Request) {
	if date := r.URL.Query().Get("date"); date != "" {
		s.storedPrices(w, date)
		return
	}

	status, ok := s.status.Status()
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "no recent tick")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"at":      status.At,
		"current": status.Price,
		"samples": status.Samples,
	})
}

func (s *Server) storedPrices(w http.ResponseWriter, date string) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, "persistence disabled")
		return
	}

	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	samples, err := s.history.GetCachedPrices(day)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"date":    date,
		"samples": samples,
	})
}

func (s *Server) handleGetRooms(w http.ResponseWriter, r *http.Request) {
	status, ok := s.status.Status()
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "no recent tick")
		return
	}
	respondJSON(w, http.StatusOK, status.Rooms)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	room, ok := s.status.Room(name)
	if !ok {
		respondError(w, http.StatusNotFound, "room not found")
		return
	}

	resp := map[string]interface{}{"room": room}
	if s.history != nil {
		adjustments, err := s.history.RecentAdjustments(name, limitParam(r))
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["adjustments"] = adjustments
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetAdjustments(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, "persistence disabled")
		return
	}

	adjustments, err := s.history.RecentAdjustments(r.URL.Query().Get("room"), limitParam(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, adjustments)
}

func (s *Server) handleGetTicks(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, "persistence disabled")
		return
	}

	ticks, err := s.history.RecentTicks(limitParam(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ticks)
}

func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
