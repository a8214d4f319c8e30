// Package api provides the HTTP API and middleware for warroom.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/warroomhq/warroom/internal/apperr"
	"github.com/warroomhq/warroom/internal/auth"
	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/hub"
	"github.com/warroomhq/warroom/internal/incident"
	"github.com/warroomhq/warroom/internal/policy"
	"github.com/warroomhq/warroom/internal/presence"
	"github.com/warroomhq/warroom/internal/store"
	"github.com/warroomhq/warroom/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	auth         auth.Provider
	login        auth.LoginProvider // nil when using an external provider
	incidents    *incident.Service
	presence     *presence.Manager
	hub          *hub.Hub
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	loginRL      *rateLimiter
	rl           *rateLimiter
}

// NewServer creates the API server and mounts all routes. wsHandler serves
// the WebSocket session endpoint; it authenticates internally because
// browsers cannot set headers on the upgrade request.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, inc *incident.Service, pres *presence.Manager, h *hub.Hub, wsHandler http.Handler, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		auth:         ap,
		login:        lp,
		incidents:    inc,
		presence:     pres,
		hub:          h,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Login and registration only exist with the builtin provider; external
	// identity providers own their own credential flow.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/auth/login", srv.handleLogin)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/auth/register", srv.handleRegister)
	}

	// WebSocket session endpoint (auth handled inside)
	mux.Get("/ws", wsHandler.ServeHTTP)

	// Authenticated routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(userRateLimitMiddleware(srv.rl))

		r.Get("/auth/me", srv.handleGetMe)

		r.Get("/incidents", srv.handleListIncidents)
		r.Post("/incidents", srv.handleCreateIncident)
		r.Get("/incidents/{incidentID}", srv.handleGetIncident)
		r.Patch("/incidents/{incidentID}/status", srv.handleUpdateStatus)
		r.Post("/incidents/{incidentID}/assignees", srv.handleAssignees)
		r.Post("/incidents/{incidentID}/notes", srv.handleAddNote)

		r.Get("/users", srv.handleListUsers)
		r.Get("/users/{userID}", srv.handleGetUser)
		r.Patch("/users/{userID}/role", srv.handleUpdateUserRole)
	})

	srv.mux = mux
	return srv
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic maintenance goroutines.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 10*time.Minute, 30*time.Minute)
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 10*time.Minute, 30*time.Minute)
	}
}

// --- auth ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	// Self-registration always yields a responder; roles are granted by an
	// admin afterwards.
	user, token, err := s.login.Register(r.Context(), req.Email, strings.TrimSpace(req.Name), req.Password, "")
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		s.logger.Error("register failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"user": user, "token": token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	user, token, err := s.login.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user": user, "token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	user, err := s.store.GetUserByID(r.Context(), identity.UserID)
	if err != nil || user == nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// --- incidents ---

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	filter := store.IncidentFilter{
		Status:   r.URL.Query().Get("status"),
		Severity: r.URL.Query().Get("severity"),
	}
	incidents, err := s.incidents.List(r.Context(), filter)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

func (s *Server) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	if err := policy.Require(identity.Role, policy.ActionIncidentCreate); err != nil {
		s.writeAppError(w, err)
		return
	}

	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Severity    string `json:"severity"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	inc, _, err := s.incidents.Create(r.Context(), identity.UserID, req.Title, req.Description, req.Severity)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"incident": inc})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	incidentID := chi.URLParam(r, "incidentID")

	inc, err := s.incidents.Get(r.Context(), incidentID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	updates, err := s.incidents.ListUpdates(r.Context(), incidentID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	roster, err := s.presence.List(r.Context(), incidentID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"incident": inc,
		"updates":  updates,
		"presence": roster,
	})
}

// handleUpdateStatus enforces the same transition table as the streaming
// path, so no caller can bypass the state machine.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	if err := policy.Require(identity.Role, policy.ActionIncidentUpdate); err != nil {
		s.writeAppError(w, err)
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	inc, upd, err := s.incidents.UpdateStatus(r.Context(), identity.UserID, chi.URLParam(r, "incidentID"), req.Status)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.broadcast(protocol.EvtIncidentUpdated, inc, upd)
	writeJSON(w, http.StatusOK, map[string]any{"incident": inc})
}

func (s *Server) handleAssignees(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	if err := policy.Require(identity.Role, policy.ActionIncidentAssign); err != nil {
		s.writeAppError(w, err)
		return
	}

	var req struct {
		TargetUserID string `json:"targetUserId"`
		Action       string `json:"action"` // "assigned" (default) or "unassigned"
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	incidentID := chi.URLParam(r, "incidentID")
	var (
		inc *store.Incident
		upd *store.Update
		err error
	)
	switch req.Action {
	case "", store.AssignmentAssigned:
		inc, upd, err = s.incidents.Assign(r.Context(), identity.UserID, incidentID, req.TargetUserID)
		if err == nil {
			s.broadcast(protocol.EvtAssigned, inc, upd)
		}
	case store.AssignmentUnassigned:
		inc, upd, err = s.incidents.Unassign(r.Context(), identity.UserID, incidentID, req.TargetUserID)
		if err == nil {
			s.broadcast(protocol.EvtUnassigned, inc, upd)
		}
	default:
		writeError(w, http.StatusBadRequest, "action must be assigned or unassigned")
		return
	}
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incident": inc})
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	if err := policy.Require(identity.Role, policy.ActionIncidentNote); err != nil {
		s.writeAppError(w, err)
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	inc, upd, err := s.incidents.AddNote(r.Context(), identity.UserID, chi.URLParam(r, "incidentID"), req.Text)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.broadcast(protocol.EvtNoteAdded, inc, upd)
	writeJSON(w, http.StatusCreated, map[string]any{"update": upd})
}

// --- users ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	if role != "" && !store.ValidRole(role) {
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}
	users, err := s.store.ListUsers(r.Context(), role)
	if err != nil {
		s.logger.Error("list users failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUserByID(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.logger.Error("get user failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) handleUpdateUserRole(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	if err := policy.Require(identity.Role, policy.ActionUserManage); err != nil {
		s.writeAppError(w, err)
		return
	}

	var req struct {
		Role string `json:"role"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !store.ValidRole(req.Role) {
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}

	userID := chi.URLParam(r, "userID")
	user, err := s.store.GetUserByID(r.Context(), userID)
	if err != nil {
		s.logger.Error("get user failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	if err := s.store.UpdateUserRole(r.Context(), userID, req.Role); err != nil {
		s.logger.Error("update role failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	user.Role = req.Role

	s.logger.Info("role changed", "user", userID, "role", req.Role, "by", identity.UserID)
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// --- health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

// broadcast mirrors a REST mutation into the incident's room, so streaming
// observers see changes regardless of which surface made them. There is no
// originating session to exclude.
func (s *Server) broadcast(event string, inc *store.Incident, upd *store.Update) {
	s.hub.Broadcast(hub.Room(inc.ID), event, protocol.IncidentEvent{Incident: inc, Update: upd}, "")
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, apperr.HTTPStatus(err), apperr.Message(err))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
