// Package gateway accepts websocket connections, authenticates them and
// wires each session to its conversation rooms and to the chat service.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"carechat/internal/auth"
	"carechat/internal/directory"
	"carechat/internal/metrics"
	"carechat/internal/models"
	"carechat/internal/websocket"
)

// ErrAuth is returned for every failed handshake: missing, invalid or
// expired token, unknown user, or a handshake that ran out of time.
var ErrAuth = errors.New("authentication failed")

type Options struct {
	HandshakeTimeout time.Duration
	// OriginAllowed decides whether a browser origin may connect. Nil
	// allows every origin.
	OriginAllowed func(origin string) bool
}

type Gateway struct {
	tokens   *auth.Tokens
	dir      directory.Directory
	hub      *websocket.Hub
	members  *Membership
	upgrader gorilla.Upgrader
	timeout  time.Duration
	logger   zerolog.Logger
}

func New(tokens *auth.Tokens, dir directory.Directory, hub *websocket.Hub, members *Membership, opts Options, logger zerolog.Logger) *Gateway {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	g := &Gateway{
		tokens:  tokens,
		dir:     dir,
		hub:     hub,
		members: members,
		timeout: opts.HandshakeTimeout,
		logger:  logger.With().Str("component", "gateway").Logger(),
	}
	g.upgrader = gorilla.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: opts.HandshakeTimeout,
		CheckOrigin: func(r *http.Request) bool {
			if opts.OriginAllowed == nil {
				return true
			}
			return opts.OriginAllowed(r.Header.Get("Origin"))
		},
	}
	return g
}

// Authenticate verifies token and resolves its subject. It must finish
// within the handshake timeout.
func (g *Gateway) Authenticate(ctx context.Context, token string) (*models.UserProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	profile, err := g.authenticate(ctx, token)
	g.audit(profile, err)
	return profile, err
}

func (g *Gateway) authenticate(ctx context.Context, token string) (*models.UserProfile, error) {
	userID, err := g.tokens.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	profile, err := g.dir.ResolveUser(ctx, userID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: handshake timed out", ErrAuth)
		}
		if errors.Is(err, directory.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %s does not exist", ErrAuth, userID)
		}
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return profile, nil
}

func (g *Gateway) audit(profile *models.UserProfile, err error) {
	outcome := "accepted"
	event := g.logger.Info()
	if err != nil {
		outcome = "rejected"
		event = g.logger.Warn().Err(err)
	}
	if profile != nil {
		event = event.Str("user_id", profile.ID)
	}
	metrics.Handshakes.WithLabelValues(outcome).Inc()
	event.Str("outcome", outcome).Time("at", time.Now().UTC()).Msg("handshake")
}

// ServeWS authenticates the request, upgrades it and starts the session.
// A failed handshake is answered with 401 before any upgrade.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	profile, err := g.Authenticate(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	session := websocket.NewSession(g.hub, conn, profile.ID)
	g.hub.Attach(session)

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	joined, err := g.members.AutoJoin(ctx, session)
	cancel()
	if err != nil {
		g.logger.Error().Err(err).Str("user_id", profile.ID).Msg("auto-join failed")
	}

	env, err := models.NewEnvelope(models.EventConnected, models.ConnectedPayload{
		SessionID:     session.ID(),
		User:          *profile,
		Conversations: joined,
	})
	if err == nil {
		_ = session.Send(env)
	}

	go session.WritePump()
	go session.ReadPump()
}
