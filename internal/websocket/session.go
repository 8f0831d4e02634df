package websocket

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"carechat/internal/metrics"
	"carechat/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSlowConsumer  = errors.New("session send buffer full")
)

// Session is one authenticated connection of a user.
type Session struct {
	id              string
	userID          string
	authenticatedAt time.Time

	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter

	mu    sync.Mutex
	rooms map[string]struct{}
}

// NewSession wraps conn for userID. conn may be nil for sessions that are
// only driven through Send, as in tests.
func NewSession(hub *Hub, conn *websocket.Conn, userID string) *Session {
	return &Session{
		id:              uuid.NewString(),
		userID:          userID,
		authenticatedAt: time.Now().UTC(),
		hub:             hub,
		conn:            conn,
		send:            make(chan []byte, hub.opts.SendBuffer),
		done:            make(chan struct{}),
		limiter:         rate.NewLimiter(hub.opts.InboundRate, hub.opts.InboundBurst),
		rooms:           make(map[string]struct{}),
	}
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) UserID() string             { return s.userID }
func (s *Session) AuthenticatedAt() time.Time { return s.authenticatedAt }

// Outbound exposes queued frames; WritePump is the normal consumer.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Rooms returns the session's joined rooms, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (s *Session) InRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[room]
	return ok
}

func (s *Session) addRoom(room string) {
	s.mu.Lock()
	s.rooms[room] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeRoom(room string) {
	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
}

// Send queues an event for this session only.
func (s *Session) Send(env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

// enqueue never blocks: a closed session or a full buffer is an error.
func (s *Session) enqueue(data []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSlowConsumer
	}
}

// Close ends the session. The write pump sends a close frame and closes
// the connection; Close itself is safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() { close(s.done) })
}

// ReadPump reads frames until the connection fails, handing each decoded
// envelope to the hub's dispatcher. It detaches the session on exit.
func (s *Session) ReadPump() {
	defer func() {
		s.hub.Detach(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debug().Err(err).Str("session_id", s.id).Msg("read failed")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.hub.logger.Debug().Err(err).Str("session_id", s.id).Msg("unparseable frame")
			s.sendError("", "", "bad_request", "malformed frame")
			continue
		}

		if !s.limiter.Allow() {
			metrics.RateLimited.WithLabelValues(eventLabel(env.Type)).Inc()
			if env.Type == models.EventSendMessage {
				var p models.SendMessagePayload
				_ = env.Decode(&p)
				s.sendError(env.Ref, p.ClientRef, "rate_limited", "too many events")
			}
			continue
		}

		s.hub.dispatch(s, env)
	}
}

// WritePump drains the send buffer to the connection and keeps it alive
// with pings.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Session) sendError(ref, clientRef, code, msg string) {
	env, err := models.NewEnvelope(models.EventMessageError, models.MessageErrorPayload{
		Ref: ref, ClientRef: clientRef, Code: code, Error: msg,
	})
	if err != nil {
		return
	}
	env.Ref = ref
	_ = s.Send(env)
}

// eventLabel maps an inbound event type onto a bounded metric label.
func eventLabel(eventType string) string {
	if models.IsClientEvent(eventType) {
		return eventType
	}
	return "other"
}
