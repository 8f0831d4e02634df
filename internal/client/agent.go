// Package client is the reconnecting chat client used by apps, the CLI and
// the load generator.
package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"carechat/internal/models"
)

var (
	// ErrReconnectFailed is returned by Run after MaxAttempts consecutive
	// failed connection attempts.
	ErrReconnectFailed = errors.New("reconnect attempts exhausted")
	// ErrAuthRejected means the server refused the token; retrying with the
	// same token cannot succeed.
	ErrAuthRejected = errors.New("token rejected by server")
	ErrNotReady     = errors.New("not connected")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Conn is one established connection.
type Conn interface {
	WriteEnvelope(env models.Envelope) error
	ReadEnvelope() (models.Envelope, error)
	Close() error
}

// Transport opens connections authenticated with token.
type Transport interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

type Config struct {
	Token       string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// OnEvent receives every server event, in arrival order, on the
	// agent's reader goroutine.
	OnEvent func(models.Envelope)
	// OnStateChange is called after every state transition.
	OnStateChange func(State)
	// OnFailure receives the terminal error when Run gives up.
	OnFailure func(error)

	// Sleep waits between attempts. Tests replace it.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger zerolog.Logger
}

// QueueEntry is a message composed while the agent could not transmit it.
type QueueEntry struct {
	Seq       uint64
	ClientRef string
	Payload   models.SendMessagePayload
	CreatedAt time.Time
}

// Agent owns a single logical connection to the server. It reconnects with
// linear capped backoff, queues messages while not ready and replays them
// in order once ready.
type Agent struct {
	cfg       Config
	transport Transport

	// writeMu serializes writes to the current connection.
	writeMu sync.Mutex

	mu       sync.Mutex
	state    State
	conn     Conn
	flushing bool
	seq      uint64
	queue    []QueueEntry
	unacked  map[string]QueueEntry
	open     map[string]struct{}
}

func NewAgent(transport Transport, cfg Config) *Agent {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &Agent{
		cfg:       cfg,
		transport: transport,
		unacked:   make(map[string]QueueEntry),
		open:      make(map[string]struct{}),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff returns the delay before the given reconnect attempt (1-based).
func (a *Agent) Backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * a.cfg.BaseDelay
	if d > a.cfg.MaxDelay {
		return a.cfg.MaxDelay
	}
	return d
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	if a.state == s {
		a.mu.Unlock()
		return
	}
	a.state = s
	a.mu.Unlock()

	a.cfg.Logger.Debug().Str("state", s.String()).Msg("client state")
	if a.cfg.OnStateChange != nil {
		a.cfg.OnStateChange(s)
	}
}

// Run connects and keeps reconnecting until ctx is cancelled, the token is
// rejected, or MaxAttempts consecutive attempts fail.
func (a *Agent) Run(ctx context.Context) error {
	attempt := 0
	for {
		a.setState(StateConnecting)
		conn, err := a.transport.Dial(ctx, a.cfg.Token)
		if err == nil {
			a.setState(StateAuthenticating)
			var ready bool
			ready, err = a.serve(ctx, conn)
			if ready {
				attempt = 0
			}
		}

		a.detach()
		if ctx.Err() != nil {
			a.setState(StateDisconnected)
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			return a.fail(err)
		}

		attempt++
		if attempt > a.cfg.MaxAttempts {
			return a.fail(ErrReconnectFailed)
		}
		delay := a.Backoff(attempt)
		a.cfg.Logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("connection lost, retrying")
		a.setState(StateReconnecting)
		if err := a.cfg.Sleep(ctx, delay); err != nil {
			a.setState(StateDisconnected)
			return err
		}
	}
}

func (a *Agent) fail(err error) error {
	a.setState(StateDisconnected)
	if a.cfg.OnFailure != nil {
		a.cfg.OnFailure(err)
	}
	return err
}

// detach drops the current connection and leaves the Ready state.
func (a *Agent) detach() {
	a.mu.Lock()
	a.conn = nil
	a.flushing = false
	a.mu.Unlock()
	a.setState(StateDisconnected)
}

// serve reads events from conn until it fails. It reports whether the
// connection ever became ready.
func (a *Agent) serve(ctx context.Context, conn Conn) (bool, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	ready := false
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			return ready, err
		}

		switch env.Type {
		case models.EventConnected:
			if !ready {
				ready = true
				a.becomeReady(conn)
			}
		case models.EventNewMessage:
			var p models.NewMessagePayload
			if env.Decode(&p) == nil && p.ClientRef != "" {
				a.acknowledge(p.ClientRef)
			}
		case models.EventMessageError:
			var p models.MessageErrorPayload
			if env.Decode(&p) == nil && p.ClientRef != "" {
				a.acknowledge(p.ClientRef)
			}
		}

		if a.cfg.OnEvent != nil {
			a.cfg.OnEvent(env)
		}
	}
}

// becomeReady flushes the queue in FIFO order, then rejoins every open
// conversation. Sends issued during the flush are queued behind it. A
// write failure ends the flush and drops the connection.
func (a *Agent) becomeReady(conn Conn) {
	a.mu.Lock()
	a.conn = conn
	a.flushing = true
	a.mu.Unlock()
	a.setState(StateReady)

	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.flushing = false
			a.mu.Unlock()
			break
		}
		entry := a.queue[0]
		a.queue = a.queue[1:]
		a.unacked[entry.ClientRef] = entry
		a.mu.Unlock()

		if err := a.transmit(conn, models.EventSendMessage, entry.Payload); err != nil {
			// The rest of the queue waits for the next connection. Sends
			// keep queuing behind it because flushing stays set until detach.
			a.cfg.Logger.Debug().Err(err).Str("client_ref", entry.ClientRef).Msg("flush write failed")
			conn.Close()
			return
		}
	}

	for _, id := range a.OpenConversations() {
		_ = a.transmit(conn, models.EventJoinConversation, models.ConversationPayload{ConversationID: id})
	}
}

func (a *Agent) transmit(conn Conn, eventType string, payload any) error {
	env, err := models.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteEnvelope(env)
}

func (a *Agent) acknowledge(clientRef string) {
	a.mu.Lock()
	delete(a.unacked, clientRef)
	a.mu.Unlock()
}

// Send transmits a message when ready and queues it otherwise. It never
// fails because of the connection; the returned client_ref identifies the
// server's echo.
func (a *Agent) Send(p models.SendMessagePayload) string {
	if p.ClientRef == "" {
		p.ClientRef = ulid.Make().String()
	}

	a.mu.Lock()
	a.seq++
	entry := QueueEntry{Seq: a.seq, ClientRef: p.ClientRef, Payload: p, CreatedAt: time.Now()}
	if a.state != StateReady || a.flushing || a.conn == nil {
		a.queue = append(a.queue, entry)
		a.mu.Unlock()
		return p.ClientRef
	}
	conn := a.conn
	a.unacked[entry.ClientRef] = entry
	a.mu.Unlock()

	if err := a.transmit(conn, models.EventSendMessage, p); err != nil {
		a.cfg.Logger.Debug().Err(err).Str("client_ref", p.ClientRef).Msg("write failed")
	}
	return p.ClientRef
}

// Emit sends a best-effort event such as typing or mark_read. It is
// dropped with ErrNotReady while the agent is not ready.
func (a *Agent) Emit(eventType string, payload any) error {
	a.mu.Lock()
	conn := a.conn
	ready := a.state == StateReady
	a.mu.Unlock()
	if !ready || conn == nil {
		return ErrNotReady
	}
	return a.transmit(conn, eventType, payload)
}

// OpenConversation joins a conversation now if ready, and after every
// reconnect.
func (a *Agent) OpenConversation(conversationID string) {
	a.mu.Lock()
	a.open[conversationID] = struct{}{}
	a.mu.Unlock()
	_ = a.Emit(models.EventJoinConversation, models.ConversationPayload{ConversationID: conversationID})
}

func (a *Agent) CloseConversation(conversationID string) {
	a.mu.Lock()
	delete(a.open, conversationID)
	a.mu.Unlock()
	_ = a.Emit(models.EventLeaveConversation, models.ConversationPayload{ConversationID: conversationID})
}

// OpenConversations returns the conversations rejoined on reconnect, sorted.
func (a *Agent) OpenConversations() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.open))
	for id := range a.open {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Queued returns the messages waiting for a connection, oldest first.
func (a *Agent) Queued() []QueueEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]QueueEntry(nil), a.queue...)
}

// Unacknowledged returns transmitted messages the server has not yet
// confirmed or rejected, in send order. They are not resent automatically.
func (a *Agent) Unacknowledged() []QueueEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]QueueEntry, 0, len(a.unacked))
	for _, e := range a.unacked {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
