package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"carechat/internal/auth"
	"carechat/internal/chat"
	"carechat/internal/db"
	"carechat/internal/models"
	"carechat/internal/websocket"
)

type Handlers struct {
	db     *db.DB
	chat   *chat.Service
	hub    *websocket.Hub
	tokens *auth.Tokens
	logger zerolog.Logger

	secureCookies bool
	checks        map[string]func(context.Context) error
}

func NewHandlers(database *db.DB, svc *chat.Service, hub *websocket.Hub, tokens *auth.Tokens, logger zerolog.Logger) *Handlers {
	h := &Handlers{
		db:     database,
		chat:   svc,
		hub:    hub,
		tokens: tokens,
		logger: logger.With().Str("component", "api").Logger(),
		checks: make(map[string]func(context.Context) error),
	}
	h.checks["database"] = database.Ping
	return h
}

// SetSecureCookies marks the auth cookie Secure; use it behind HTTPS.
func (h *Handlers) SetSecureCookies(secure bool) {
	h.secureCookies = secure
}

// AddHealthCheck registers a dependency reported by /health.
func (h *Handlers) AddHealthCheck(name string, check func(context.Context) error) {
	h.checks[name] = check
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondChatError maps a chat service error onto an HTTP status.
func (h *Handlers) respondChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrUnauthorized), errors.Is(err, chat.ErrForbidden):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, chat.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error().Err(err).Msg("chat operation failed")
		respondError(w, http.StatusInternalServerError, chat.ErrPersistence.Error())
	}
}

// Auth handlers
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || len(req.Password) < 6 {
		respondError(w, http.StatusBadRequest, "Username and a password of at least 6 characters are required")
		return
	}
	if req.Role == "" {
		req.Role = models.RoleFamily
	}
	if !req.Role.Valid() {
		respondError(w, http.StatusBadRequest, "Unknown role")
		return
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	user, err := h.db.CreateUser(r.Context(), &models.User{
		Username:    req.Username,
		Password:    hashed,
		DisplayName: req.DisplayName,
		AvatarURL:   req.AvatarURL,
		Role:        req.Role,
	})
	if errors.Is(err, db.ErrDuplicate) {
		respondError(w, http.StatusConflict, "Username already exists")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to create user")
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondJSON(w, http.StatusCreated, user)
}

func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.db.GetUserByUsername(r.Context(), req.Username)
	if err != nil || !auth.CheckPassword(user.Password, req.Password) {
		respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.tokens.Issue(user.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.tokens.TTL() / time.Second),
	})

	respondJSON(w, http.StatusOK, models.LoginResponse{Token: token, User: *user})
}

// HandleLogout clears the cookie and closes every live session of the
// caller.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		MaxAge:   -1,
	})

	closed := h.hub.DisconnectUser(user.ID)
	respondJSON(w, http.StatusOK, map[string]int{"sessions_closed": closed})
}

func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	respondJSON(w, http.StatusOK, user)
}

// User handlers
func (h *Handlers) HandleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.db.ListUsers(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list users")
		respondError(w, http.StatusInternalServerError, "Failed to get users")
		return
	}

	profiles := make([]models.UserProfile, 0, len(users))
	for _, u := range users {
		profiles = append(profiles, u.Profile())
	}
	respondJSON(w, http.StatusOK, profiles)
}

// HandlePresence reports whether a user has a live session.
func (h *Handlers) HandlePresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sessions := h.hub.Sessions(userID)

	resp := map[string]any{
		"user_id":  userID,
		"online":   len(sessions) > 0,
		"sessions": len(sessions),
	}
	// connected_since is the oldest live session's authentication time
	var since time.Time
	for _, s := range sessions {
		if at := s.AuthenticatedAt(); since.IsZero() || at.Before(since) {
			since = at
		}
	}
	if !since.IsZero() {
		resp["connected_since"] = since
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	status, code := "healthy", http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			checks[name] = "fail"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "pass"
	}

	respondJSON(w, code, map[string]any{
		"status":    status,
		"checks":    checks,
		"sessions":  h.hub.SessionCount(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func parseInt64(s string, fallback int64) int64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}
