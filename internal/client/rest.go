package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"carechat/internal/models"
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// API is a thin client for the REST endpoints the tools need.
type API struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewAPI(baseURL string) *API {
	return &API{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

// WebsocketURL returns the /ws endpoint on the same host.
func (a *API) WebsocketURL() string {
	u := a.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func (a *API) Register(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	var user models.User
	if err := a.do(ctx, http.MethodPost, "/api/auth/register", req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Login authenticates and keeps the returned token for later calls.
func (a *API) Login(ctx context.Context, username, password string) (*models.LoginResponse, error) {
	var resp models.LoginResponse
	if err := a.do(ctx, http.MethodPost, "/api/auth/login", models.LoginRequest{Username: username, Password: password}, &resp); err != nil {
		return nil, err
	}
	a.Token = resp.Token
	return &resp, nil
}

func (a *API) CreateConversation(ctx context.Context, participants []string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := a.do(ctx, http.MethodPost, "/api/conversations", models.CreateConversationRequest{Participants: participants}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// History returns up to limit messages, newest first.
func (a *API) History(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	path := fmt.Sprintf("/api/conversations/%s/messages?limit=%d", url.PathEscape(conversationID), limit)
	var messages []models.Message
	if err := a.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
