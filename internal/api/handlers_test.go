package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carechat/internal/auth"
	"carechat/internal/chat"
	"carechat/internal/db"
	"carechat/internal/directory"
	"carechat/internal/models"
	"carechat/internal/websocket"
)

type apiEnv struct {
	db     *db.DB
	hub    *websocket.Hub
	router http.Handler
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	logger := zerolog.Nop()
	hub := websocket.NewHub(logger, websocket.Options{})
	svc := chat.NewService(database, directory.NewStore(database), hub, logger)
	h := NewHandlers(database, svc, hub, auth.NewTokens("test-secret", time.Hour), logger)
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })

	return &apiEnv{db: database, hub: hub, router: NewRouter(h, ws, []string{"*"})}
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// signup registers and logs in a user, returning it and its token.
func (e *apiEnv) signup(t *testing.T, username string, role models.Role) (models.User, string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/register", "", models.RegisterRequest{
		Username: username, Password: "secret123", DisplayName: username + " D", Role: role,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/api/auth/login", "", models.LoginRequest{Username: username, Password: "secret123"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	login := decode[models.LoginResponse](t, rec)
	return login.User, login.Token
}

func TestRegisterLoginVerify(t *testing.T) {
	e := newAPIEnv(t)
	user, token := e.signup(t, "grandpa", models.RoleElderly)
	assert.Equal(t, models.RoleElderly, user.Role)
	assert.Empty(t, user.Password)

	rec := e.do(t, http.MethodPost, "/api/auth/register", "", models.RegisterRequest{Username: "grandpa", Password: "secret123"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/auth/register", "", models.RegisterRequest{Username: "x", Password: "123"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/auth/login", "", models.LoginRequest{Username: "grandpa", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/auth/verify", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, user.ID, decode[models.User](t, rec).ID)

	rec = e.do(t, http.MethodGet, "/api/auth/verify", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginSetsCookie(t *testing.T) {
	e := newAPIEnv(t)
	e.signup(t, "nurse", models.RoleSupporter)

	rec := e.do(t, http.MethodPost, "/api/auth/login", "", models.LoginRequest{Username: "nurse", Password: "secret123"})
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, auth.CookieName, cookies[0].Name)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/verify", nil)
	req.AddCookie(cookies[0])
	out := httptest.NewRecorder()
	e.router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)
}

func TestConversationFlow(t *testing.T) {
	e := newAPIEnv(t)
	_, elderToken := e.signup(t, "elder", models.RoleElderly)
	daughter, daughterToken := e.signup(t, "daughter", models.RoleFamily)
	_, strangerToken := e.signup(t, "stranger", models.RoleSupporter)

	rec := e.do(t, http.MethodPost, "/api/conversations", elderToken, models.CreateConversationRequest{Participants: []string{daughter.ID}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	conv := decode[models.Conversation](t, rec)
	require.Len(t, conv.Participants, 2)

	rec = e.do(t, http.MethodPost, "/api/conversations", elderToken, models.CreateConversationRequest{Participants: []string{"ghost"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	path := "/api/conversations/" + conv.ID + "/messages"
	rec = e.do(t, http.MethodPost, path, elderToken, map[string]any{"type": "text", "content": "Good morning"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	msg := decode[models.Message](t, rec)
	assert.Equal(t, models.StatusSent, msg.Status)

	rec = e.do(t, http.MethodPost, path, strangerToken, map[string]any{"content": "hello?"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = e.do(t, http.MethodGet, path, strangerToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPost, path, elderToken, map[string]any{"type": "text"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, path, daughterToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]models.Message](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusDelivered, history[0].Status)
	assert.Equal(t, &models.TextContent{Text: "Good morning"}, history[0].Content)

	rec = e.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/read", daughterToken, models.MarkReadRequest{MessageIDs: []string{msg.ID}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{msg.ID}, decode[map[string][]string](t, rec)["marked"])

	stored, err := e.db.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, stored.Status)

	rec = e.do(t, http.MethodGet, "/api/conversations", elderToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []struct {
		ID          string                 `json:"id"`
		LastMessage *models.MessageSummary `json:"last_message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "Good morning", list[0].LastMessage.Preview)

	msgPath := "/api/messages/" + msg.ID
	rec = e.do(t, http.MethodPatch, msgPath, daughterToken, map[string]any{"content": "hijack"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPatch, msgPath, elderToken, map[string]any{"content": "Good morning, dear"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[models.Message](t, rec).IsEdited)

	rec = e.do(t, http.MethodDelete, msgPath, elderToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[models.Message](t, rec).IsDeleted)

	rec = e.do(t, http.MethodDelete, "/api/messages/missing", elderToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParticipantManagement(t *testing.T) {
	e := newAPIEnv(t)
	_, elderToken := e.signup(t, "elder", models.RoleElderly)
	daughter, daughterToken := e.signup(t, "daughter", models.RoleFamily)
	nurse, nurseToken := e.signup(t, "nurse", models.RoleSupporter)

	rec := e.do(t, http.MethodPost, "/api/conversations", elderToken, models.CreateConversationRequest{Participants: []string{daughter.ID}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	conv := decode[models.Conversation](t, rec)
	convPath := "/api/conversations/" + conv.ID
	msgPath := convPath + "/messages"

	nurseSession := websocket.NewSession(e.hub, nil, nurse.ID)
	e.hub.Attach(nurseSession)

	rec = e.do(t, http.MethodPost, convPath+"/participants", nurseToken, map[string]string{"user_id": nurse.ID})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPost, convPath+"/participants", elderToken, map[string]string{"user_id": nurse.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[models.Conversation](t, rec).Participants, 3)
	assert.True(t, nurseSession.InRoom(conv.ID))

	rec = e.do(t, http.MethodPost, msgPath, nurseToken, map[string]any{"content": "Checking in"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodDelete, convPath+"/participants/"+nurse.ID, elderToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[models.Conversation](t, rec).Participants, 2)
	assert.False(t, nurseSession.InRoom(conv.ID))

	rec = e.do(t, http.MethodPost, msgPath, nurseToken, map[string]any{"content": "Still here?"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = e.do(t, http.MethodDelete, convPath+"/participants/"+nurse.ID, elderToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPatch, convPath, daughterToken, map[string]any{"is_active": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[models.Conversation](t, rec).IsActive)

	rec = e.do(t, http.MethodPost, msgPath, elderToken, map[string]any{"content": "Anyone?"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = e.do(t, http.MethodGet, msgPath, elderToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Message](t, rec), 1)

	rec = e.do(t, http.MethodPatch, convPath, daughterToken, map[string]any{"is_active": true})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodPost, msgPath, elderToken, map[string]any{"content": "Back again"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodPatch, convPath, daughterToken, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsersPresenceAndLogout(t *testing.T) {
	e := newAPIEnv(t)
	user, token := e.signup(t, "grandma", models.RoleElderly)
	e.signup(t, "grandson", models.RoleFamily)

	rec := e.do(t, http.MethodGet, "/api/users?search=grand", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.UserProfile](t, rec), 2)

	session := websocket.NewSession(e.hub, nil, user.ID)
	e.hub.Attach(session)

	rec = e.do(t, http.MethodGet, "/api/presence/"+user.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	presence := decode[map[string]any](t, rec)
	assert.Equal(t, true, presence["online"])
	assert.Equal(t, float64(1), presence["sessions"])
	assert.NotEmpty(t, presence["connected_since"])

	rec = e.do(t, http.MethodPost, "/api/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[map[string]int](t, rec)["sessions_closed"])
	assert.True(t, session.Closed())
	assert.False(t, e.hub.IsOnline(user.ID))
}

func TestHealthAndRouting(t *testing.T) {
	e := newAPIEnv(t)

	rec := e.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", health["status"])

	rec = e.do(t, http.MethodGet, "/ws", "", nil)
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = e.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "carechat_http_requests_total")

	rec = e.do(t, http.MethodGet, "/api/conversations", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
