package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"carechat/internal/db"
	"carechat/internal/models"
)

type conversationView struct {
	*models.Conversation
	LastMessage *models.MessageSummary `json:"last_message,omitempty"`
}

type postMessageRequest struct {
	Type       models.MessageType `json:"type"`
	Content    models.RawContent  `json:"content"`
	AIAnalysis *models.AIAnalysis `json:"ai_analysis,omitempty"`
}

// Conversation handlers
func (h *Handlers) HandleConversations(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	conversations, err := h.db.ListConversationsForUser(r.Context(), user.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", user.ID).Msg("failed to fetch conversations")
		respondError(w, http.StatusInternalServerError, "Failed to fetch conversations")
		return
	}

	views := make([]conversationView, 0, len(conversations))
	for _, c := range conversations {
		view := conversationView{Conversation: c}
		latest, err := h.db.LatestMessage(r.Context(), c.ID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			h.logger.Error().Err(err).Str("conversation_id", c.ID).Msg("failed to fetch latest message")
			respondError(w, http.StatusInternalServerError, "Failed to fetch conversations")
			return
		}
		if latest != nil {
			summary := models.Summarize(latest)
			view.LastMessage = &summary
		}
		views = append(views, view)
	}
	respondJSON(w, http.StatusOK, views)
}

// HandleCreateConversation creates a conversation between the caller and
// the listed users and subscribes their live sessions to it.
func (h *Handlers) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	var req models.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	participants := []models.Participant{{UserID: user.ID, Role: user.Role}}
	for _, id := range req.Participants {
		if id == user.ID {
			continue
		}
		other, err := h.db.GetUserByID(r.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			respondError(w, http.StatusBadRequest, "Unknown participant "+id)
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to create conversation")
			return
		}
		participants = append(participants, models.Participant{UserID: other.ID, Role: other.Role})
	}
	if len(participants) < 2 {
		respondError(w, http.StatusBadRequest, "At least one other participant is required")
		return
	}

	settings := models.DefaultConversationSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}

	conv, err := h.db.CreateConversation(r.Context(), participants, settings)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to create conversation")
		respondError(w, http.StatusInternalServerError, "Failed to create conversation")
		return
	}

	for _, p := range conv.Participants {
		for _, s := range h.hub.Sessions(p.UserID) {
			h.hub.Join(s, conv.ID)
		}
	}

	respondJSON(w, http.StatusCreated, conv)
}

// loadConversation fetches the {id} conversation and checks the caller
// participates in it.
func (h *Handlers) loadConversation(w http.ResponseWriter, r *http.Request) (*models.User, *models.Conversation, bool) {
	user, _ := UserFromContext(r.Context())

	conv, err := h.db.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Conversation not found")
		return nil, nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch conversation")
		return nil, nil, false
	}
	if !conv.HasParticipant(user.ID) {
		respondError(w, http.StatusForbidden, "Not a participant")
		return nil, nil, false
	}
	return user, conv, true
}

// HandleMessages returns a page of history, newest first. Messages from
// other participants still in the sent state are raised to delivered.
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	user, conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}

	before := parseInt64(r.URL.Query().Get("before"), 0)
	limit := int(parseInt64(r.URL.Query().Get("limit"), 50))

	messages, err := h.db.ListMessages(r.Context(), conv.ID, before, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("failed to fetch messages")
		respondError(w, http.StatusInternalServerError, "Failed to fetch messages")
		return
	}

	var delivered []string
	for i := range messages {
		if messages[i].SenderID != user.ID && messages[i].Status == models.StatusSent {
			delivered = append(delivered, messages[i].ID)
			messages[i].Status = models.StatusDelivered
		}
	}
	if err := h.db.MarkDelivered(r.Context(), delivered); err != nil {
		h.logger.Warn().Err(err).Msg("failed to mark messages delivered")
	}

	respondJSON(w, http.StatusOK, messages)
}

// HandlePostMessage sends a message through the ingestion pipeline without
// a live connection.
func (h *Handlers) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	msg, err := h.chat.IngestFromTrustedContext(r.Context(), chi.URLParam(r, "id"), user.ID, req.Type, req.Content, req.AIAnalysis)
	if err != nil {
		h.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

func (h *Handlers) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	var req models.MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	added, err := h.chat.MarkReadFromTrustedContext(r.Context(), user.ID, models.MarkReadPayload{
		ConversationID: chi.URLParam(r, "id"),
		MessageIDs:     req.MessageIDs,
	})
	if err != nil {
		h.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string][]string{"marked": added})
}

func (h *Handlers) HandleEditMessage(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	var req models.EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	msg, err := h.chat.EditMessage(r.Context(), user.ID, chi.URLParam(r, "id"), req.Content)
	if err != nil {
		h.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, msg)
}

func (h *Handlers) HandleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	msg, err := h.chat.DeleteMessage(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		h.respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, msg)
}

type participantRequest struct {
	UserID string `json:"user_id"`
}

type updateConversationRequest struct {
	IsActive *bool `json:"is_active"`
}

// HandleAddParticipant adds a user to a conversation the caller belongs to
// and subscribes the new participant's live sessions.
func (h *Handlers) HandleAddParticipant(w http.ResponseWriter, r *http.Request) {
	_, conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}

	var req participantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	other, err := h.db.GetUserByID(r.Context(), req.UserID)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusBadRequest, "Unknown participant "+req.UserID)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to add participant")
		return
	}

	if err := h.db.AddParticipant(r.Context(), conv.ID, models.Participant{UserID: other.ID, Role: other.Role}); err != nil {
		h.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("failed to add participant")
		respondError(w, http.StatusInternalServerError, "Failed to add participant")
		return
	}
	if conv.IsActive {
		for _, s := range h.hub.Sessions(other.ID) {
			h.hub.Join(s, conv.ID)
		}
	}
	h.respondConversation(w, r, conv.ID)
}

// HandleRemoveParticipant removes a user from the conversation and drops
// their sessions from its room. Later sends from that user are rejected.
func (h *Handlers) HandleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	_, conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}

	userID := chi.URLParam(r, "userID")
	if !conv.HasParticipant(userID) {
		respondError(w, http.StatusNotFound, "Not a participant")
		return
	}
	err := h.db.RemoveParticipant(r.Context(), conv.ID, userID)
	if errors.Is(err, db.ErrNoParticipants) {
		respondError(w, http.StatusBadRequest, "Cannot remove the last participant")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("failed to remove participant")
		respondError(w, http.StatusInternalServerError, "Failed to remove participant")
		return
	}

	for _, s := range h.hub.Sessions(userID) {
		h.hub.Leave(s, conv.ID)
	}
	h.respondConversation(w, r, conv.ID)
}

// HandleUpdateConversation archives or reopens a conversation. Archived
// conversations keep their history but accept no new messages or receipts.
func (h *Handlers) HandleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	_, conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}

	var req updateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsActive == nil {
		respondError(w, http.StatusBadRequest, "is_active is required")
		return
	}
	if err := h.db.SetConversationActive(r.Context(), conv.ID, *req.IsActive); err != nil {
		h.logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("failed to update conversation")
		respondError(w, http.StatusInternalServerError, "Failed to update conversation")
		return
	}

	for _, p := range conv.Participants {
		for _, s := range h.hub.Sessions(p.UserID) {
			if *req.IsActive {
				h.hub.Join(s, conv.ID)
			} else {
				h.hub.Leave(s, conv.ID)
			}
		}
	}
	h.respondConversation(w, r, conv.ID)
}

func (h *Handlers) respondConversation(w http.ResponseWriter, r *http.Request, id string) {
	conv, err := h.db.GetConversation(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch conversation")
		return
	}
	respondJSON(w, http.StatusOK, conv)
}
