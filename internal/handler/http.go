package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/habitrace/server/internal/domain"
	"github.com/habitrace/server/internal/service"
	"github.com/habitrace/server/internal/websocket"
)

// Identity headers set by the authenticating proxy in front of this
// service. Authentication itself is out of scope here.
const (
	headerUserID   = "X-User-ID"
	headerUsername = "X-Username"
)

// Handler provides HTTP handlers for the race API
type Handler struct {
	service *service.RaceService
	hub     *websocket.Hub
	logger  *slog.Logger

	// now is injected so window-boundary behavior is deterministic
	// under test
	now func() time.Time
}

// NewHandler creates a new HTTP handler
func NewHandler(service *service.RaceService, hub *websocket.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		hub:     hub,
		logger:  logger,
		now:     time.Now,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/races", func(r chi.Router) {
			r.Post("/", h.CreateRace)
			r.Get("/", h.ListRaces)

			r.Route("/{raceSlug}", func(r chi.Router) {
				r.Get("/", h.GetRace)
				r.Post("/join", h.JoinRace)
				r.Post("/leave", h.LeaveRace)
				r.Post("/checkin", h.CheckIn)
				r.Get("/leaderboard", h.GetLeaderboard)
				r.Get("/leaderboard/live", h.GetLiveStreaks)
				r.Get("/streak", h.GetPersonalStreak)
			})
		})

		// Drains the caller's offline inbox as a side effect of the
		// read; every returned entry is removed
		r.Get("/notifications", h.DrainNotifications)

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-User-ID, X-Username")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// userID extracts the caller's user id from the identity header
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(headerUserID)
	if id == "" {
		h.writeError(w, http.StatusUnauthorized, domain.ErrInvalidRequest)
		return "", false
	}
	return id, true
}

// username extracts the caller's username from the identity header
func (h *Handler) username(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.Header.Get(headerUsername)
	if name == "" {
		h.writeError(w, http.StatusUnauthorized, domain.ErrInvalidRequest)
		return "", false
	}
	return name, true
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.GetTotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// CreateRace handles race creation
func (h *Handler) CreateRace(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req domain.CreateRaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	race, err := h.service.CreateRace(r.Context(), req, ownerID)
	if err != nil {
		if errors.Is(err, domain.ErrRaceExists) {
			h.writeError(w, http.StatusConflict, err)
			return
		}
		if errors.Is(err, domain.ErrInvalidRace) {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		h.logger.Error("failed to create race", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    race,
	})
}

// ListRaces returns all races
func (h *Handler) ListRaces(w http.ResponseWriter, r *http.Request) {
	races, err := h.service.ListRaces(r.Context())
	if err != nil {
		h.logger.Error("failed to list races", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, races)
}

// GetRace returns a race by slug
func (h *Handler) GetRace(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "raceSlug")

	race, err := h.service.GetRace(r.Context(), slug)
	if err != nil {
		if errors.Is(err, domain.ErrRaceNotFound) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to get race", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, race)
}

// joinRequest carries the optional email used for the welcome
// notification
type joinRequest struct {
	Email string `json:"email,omitempty"`
}

// JoinRace enrolls the caller in a race
func (h *Handler) JoinRace(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "raceSlug")
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	username, ok := h.username(w, r)
	if !ok {
		return
	}

	var req joinRequest
	if r.Body != nil {
		// Body is optional; a decode failure just means no email
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	participation, err := h.service.Join(r.Context(), slug, userID, username, req.Email)
	if err != nil {
		if errors.Is(err, domain.ErrRaceNotFound) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to join race", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, participation)
}

// LeaveRace soft-leaves a race
func (h *Handler) LeaveRace(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "raceSlug")
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := h.service.Leave(r.Context(), slug, userID); err != nil {
		if errors.Is(err, domain.ErrRaceNotFound) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		if errors.Is(err, domain.ErrNotParticipating) {
			h.writeError(w, http.StatusForbidden, err)
			return
		}
		h.logger.Error("failed to leave race", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, map[string]string{"status": "left"})
}

// CheckIn records a check-in attempt. Created check-ins return 200;
// expected conflicts (already checked in, race ended, off-schedule day)
// return 202 so clients can distinguish them from validation failures.
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "raceSlug")
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	result, err := h.service.CheckIn(r.Context(), slug, userID, h.now())
	if err != nil {
		if errors.Is(err, domain.ErrRaceNotFound) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		if errors.Is(err, domain.ErrNotParticipating) {
			h.writeError(w, http.StatusForbidden, err)
			return
		}
		if domain.IsConflictError(err) {
			h.writeJSON(w, http.StatusAccepted, APIResponse{
				Success: false,
				Error:   err.Error(),
			})
			return
		}
		h.logger.Error("failed to check in", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	if result.AlreadyChecked {
		h.writeJSON(w, http.StatusAccepted, APIResponse{
			Success: false,
			Data:    result,
			Error:   domain.ErrAlreadyCheckedIn.Error(),
		})
		return
	}

	h.writeSuccess(w, result)
}

// GetLeaderboard returns a race's ranked leaderboard
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "raceSlug")

	entries, err := h.service.Leaderboard(r.Context(), slug)
	if err != nil {
		if errors.Is(err, domain.ErrRaceNotFound) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to get leaderboard", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, entries)
}

// GetLiveStreaks returns the cached live streak ranking
func (h *Handler) GetLiveStreaks(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "raceSlug")

	limit := 10
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	entries, err := h.service.LiveStreaks(r.Context(), slug, limit)
	if err != nil {
		if errors.Is(err, domain.ErrRaceNotFound) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to get live streaks", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, entries)
}

// GetPersonalStreak returns the caller's streak in a race
func (h *Handler) GetPersonalStreak(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "raceSlug")
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	entry, err := h.service.PersonalStreak(r.Context(), slug, userID)
	if err != nil {
		if errors.Is(err, domain.ErrRaceNotFound) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		if errors.Is(err, domain.ErrNotParticipating) {
			h.writeError(w, http.StatusForbidden, err)
			return
		}
		h.logger.Error("failed to get personal streak", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, entry)
}

// DrainNotifications destructively reads the caller's offline inbox
func (h *Handler) DrainNotifications(w http.ResponseWriter, r *http.Request) {
	username, ok := h.username(w, r)
	if !ok {
		return
	}

	events, err := h.service.DrainNotifications(r.Context(), username)
	if err != nil {
		h.logger.Error("failed to drain notifications", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, map[string]interface{}{
		"length":        len(events),
		"notifications": events,
	})
}
