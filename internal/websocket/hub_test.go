package websocket

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carechat/internal/models"
)

func newTestHub(buffer int) *Hub {
	return NewHub(zerolog.Nop(), Options{SendBuffer: buffer})
}

func drain(t *testing.T, s *Session) []models.Envelope {
	t.Helper()
	var out []models.Envelope
	for {
		select {
		case data := <-s.Outbound():
			var env models.Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestRegistryTracksMultipleDevices(t *testing.T) {
	hub := newTestHub(8)
	phone := NewSession(hub, nil, "grandma")
	tablet := NewSession(hub, nil, "grandma")

	hub.Attach(phone)
	hub.Attach(tablet)
	assert.True(t, hub.IsOnline("grandma"))
	assert.Len(t, hub.Sessions("grandma"), 2)

	hub.Detach(phone)
	assert.True(t, hub.IsOnline("grandma"))
	assert.Equal(t, []*Session{tablet}, hub.Sessions("grandma"))

	hub.Detach(tablet)
	hub.Detach(tablet)
	assert.False(t, hub.IsOnline("grandma"))
	assert.Empty(t, hub.Sessions("grandma"))
	assert.Equal(t, 0, hub.SessionCount())
}

func TestRegistryConcurrentAttachDetach(t *testing.T) {
	hub := newTestHub(8)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := NewSession(hub, nil, "same-user")
			hub.Attach(s)
			hub.Join(s, "room")
			hub.Detach(s)
		}()
	}
	wg.Wait()

	assert.False(t, hub.IsOnline("same-user"))
	assert.Equal(t, 0, hub.rooms.Size("room"))
	assert.Equal(t, 0, hub.SessionCount())
}

func TestJoinLeaveIdempotent(t *testing.T) {
	hub := newTestHub(8)
	s := NewSession(hub, nil, "u1")
	hub.Attach(s)

	assert.True(t, hub.Join(s, "c1"))
	assert.False(t, hub.Join(s, "c1"))
	assert.True(t, s.InRoom("c1"))
	assert.Equal(t, 1, hub.rooms.Size("c1"))

	assert.True(t, hub.Leave(s, "c1"))
	assert.False(t, hub.Leave(s, "c1"))
	assert.False(t, s.InRoom("c1"))
}

func TestDetachLeavesAllRooms(t *testing.T) {
	hub := newTestHub(8)
	s := NewSession(hub, nil, "u1")
	hub.Attach(s)
	hub.Join(s, "c1")
	hub.Join(s, "c2")
	assert.Equal(t, []string{"c1", "c2"}, s.Rooms())

	hub.Detach(s)
	assert.Empty(t, hub.rooms.Snapshot("c1"))
	assert.Empty(t, hub.rooms.Snapshot("c2"))
}

func TestJoinAfterDetachIsRefused(t *testing.T) {
	hub := newTestHub(8)
	s := NewSession(hub, nil, "u1")
	hub.Attach(s)
	hub.Detach(s)

	// A caller holding an earlier Sessions snapshot may still try to join.
	assert.False(t, hub.Join(s, "conv"))
	assert.True(t, s.Closed())
	assert.False(t, hub.IsOnline("u1"))
	assert.Equal(t, 0, hub.rooms.Size("conv"))
	assert.Empty(t, hub.RoomUsers("conv"))
}

func TestClosedSessionCannotJoin(t *testing.T) {
	hub := newTestHub(8)
	s := NewSession(hub, nil, "u1")
	s.Close()
	assert.False(t, hub.Join(s, "c1"))
	assert.ErrorIs(t, s.Send(models.Envelope{Type: "x"}), ErrSessionClosed)
}

func TestBroadcastRoomExcludesSender(t *testing.T) {
	hub := newTestHub(8)
	a := NewSession(hub, nil, "a")
	b := NewSession(hub, nil, "b")
	outside := NewSession(hub, nil, "c")
	for _, s := range []*Session{a, b, outside} {
		hub.Attach(s)
	}
	hub.Join(a, "c1")
	hub.Join(b, "c1")

	env, err := models.NewEnvelope(models.EventUserTyping, models.TypingPayload{ConversationID: "c1", UserID: "a"})
	require.NoError(t, err)

	assert.Equal(t, 1, hub.BroadcastRoom("c1", env, a.ID()))
	assert.Empty(t, drain(t, a))
	got := drain(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, models.EventUserTyping, got[0].Type)
	assert.Empty(t, drain(t, outside))

	assert.Equal(t, map[string]struct{}{"a": {}, "b": {}}, hub.RoomUsers("c1"))
}

func TestSendToUserReachesEveryDevice(t *testing.T) {
	hub := newTestHub(8)
	phone := NewSession(hub, nil, "u1")
	tablet := NewSession(hub, nil, "u1")
	hub.Attach(phone)
	hub.Attach(tablet)

	assert.Equal(t, 2, hub.SendToUser("u1", models.Envelope{Type: models.EventConversationUpdated}))
	assert.Len(t, drain(t, phone), 1)
	assert.Len(t, drain(t, tablet), 1)
	assert.Equal(t, 0, hub.SendToUser("nobody", models.Envelope{Type: "x"}))
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	hub := newTestHub(2)
	slow := NewSession(hub, nil, "slow")
	hub.Attach(slow)
	hub.Join(slow, "c1")

	for i := 0; i < 3; i++ {
		hub.BroadcastRoom("c1", models.Envelope{Type: fmt.Sprintf("e%d", i)}, "")
	}

	assert.True(t, slow.Closed())
	assert.False(t, hub.IsOnline("slow"))
	assert.Equal(t, 0, hub.rooms.Size("c1"))
}

func TestDisconnectUser(t *testing.T) {
	hub := newTestHub(8)
	a := NewSession(hub, nil, "u1")
	b := NewSession(hub, nil, "u1")
	hub.Attach(a)
	hub.Attach(b)

	assert.Equal(t, 2, hub.DisconnectUser("u1"))
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.False(t, hub.IsOnline("u1"))
}

type recordingDispatcher struct {
	events []models.Envelope
}

func (d *recordingDispatcher) Dispatch(_ *Session, env models.Envelope) {
	d.events = append(d.events, env)
}

func TestDispatchUsesInstalledDispatcher(t *testing.T) {
	hub := newTestHub(8)
	s := NewSession(hub, nil, "u1")

	hub.dispatch(s, models.Envelope{Type: "dropped"})

	d := &recordingDispatcher{}
	hub.SetDispatcher(d)
	hub.dispatch(s, models.Envelope{Type: models.EventTypingStart})
	require.Len(t, d.events, 1)
	assert.Equal(t, models.EventTypingStart, d.events[0].Type)
}

func TestEventLabel(t *testing.T) {
	assert.Equal(t, models.EventSendMessage, eventLabel(models.EventSendMessage))
	assert.Equal(t, models.EventTypingStop, eventLabel(models.EventTypingStop))
	assert.Equal(t, "other", eventLabel("new_message"))
	assert.Equal(t, "other", eventLabel(""))
	assert.Equal(t, "other", eventLabel("x-"+fmt.Sprint(42)))
}
