package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carechat/internal/db"
	"carechat/internal/directory"
	"carechat/internal/metrics"
	"carechat/internal/models"
)

type delivery struct {
	room   string
	user   string
	except string
	env    models.Envelope
}

type fakeFanout struct {
	mu     sync.Mutex
	rooms  map[string]map[string]struct{}
	room   []delivery
	direct []delivery
}

func newFakeFanout() *fakeFanout {
	return &fakeFanout{rooms: make(map[string]map[string]struct{})}
}

func (f *fakeFanout) join(room, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rooms[room] == nil {
		f.rooms[room] = make(map[string]struct{})
	}
	f.rooms[room][userID] = struct{}{}
}

func (f *fakeFanout) BroadcastRoom(room string, env models.Envelope, except string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.room = append(f.room, delivery{room: room, except: except, env: env})
	return len(f.rooms[room])
}

func (f *fakeFanout) SendToUser(userID string, env models.Envelope) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct = append(f.direct, delivery{user: userID, env: env})
	return 1
}

func (f *fakeFanout) RoomUsers(room string) map[string]struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{}, len(f.rooms[room]))
	for u := range f.rooms[room] {
		out[u] = struct{}{}
	}
	return out
}

func (f *fakeFanout) roomEvents(eventType string) []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []delivery
	for _, d := range f.room {
		if d.env.Type == eventType {
			out = append(out, d)
		}
	}
	return out
}

type fakeSession struct {
	id     string
	userID string
	rooms  map[string]bool
	sent   []models.Envelope
}

func (s *fakeSession) ID() string              { return s.id }
func (s *fakeSession) UserID() string          { return s.userID }
func (s *fakeSession) InRoom(room string) bool { return s.rooms[room] }
func (s *fakeSession) Send(env models.Envelope) error {
	s.sent = append(s.sent, env)
	return nil
}

type fixture struct {
	db      *db.DB
	fanout  *fakeFanout
	svc     *Service
	a, b, c *models.User
	conv    *models.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	database, err := db.NewDB(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	mk := func(name string, role models.Role) *models.User {
		u, err := database.CreateUser(ctx, &models.User{Username: name, Password: "x", DisplayName: name + " display", Role: role})
		require.NoError(t, err)
		return u
	}
	f := &fixture{db: database, fanout: newFakeFanout()}
	f.a = mk("alice", models.RoleElderly)
	f.b = mk("bob", models.RoleFamily)
	f.c = mk("carol", models.RoleSupporter)

	f.conv, err = database.CreateConversation(ctx, []models.Participant{
		{UserID: f.a.ID, Role: f.a.Role},
		{UserID: f.b.ID, Role: f.b.Role},
	}, models.DefaultConversationSettings())
	require.NoError(t, err)

	f.svc = NewService(database, directory.NewStore(database), f.fanout, zerolog.Nop())
	return f
}

func (f *fixture) session(u *models.User, joined ...string) *fakeSession {
	s := &fakeSession{id: "sess-" + u.Username, userID: u.ID, rooms: map[string]bool{}}
	for _, room := range joined {
		s.rooms[room] = true
		f.fanout.join(room, u.ID)
	}
	return s
}

func text(s string) models.RawContent {
	data, _ := json.Marshal(s)
	return data
}

func TestSubmitPersistsAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.session(f.a, f.conv.ID)
	f.session(f.b, f.conv.ID)

	msg, err := f.svc.Submit(ctx, alice, models.SendMessagePayload{
		ConversationID: f.conv.ID,
		Type:           models.TypeText,
		Content:        text("hi"),
		ClientRef:      "local-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, msg.Status)

	stored, err := f.db.ListMessages(ctx, f.conv.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.StatusSent, stored[0].Status)
	assert.Equal(t, &models.TextContent{Text: "hi"}, stored[0].Content)

	events := f.fanout.roomEvents(models.EventNewMessage)
	require.Len(t, events, 1)
	assert.Equal(t, f.conv.ID, events[0].room)
	var payload models.NewMessagePayload
	require.NoError(t, events[0].env.Decode(&payload))
	assert.Equal(t, "alice display", payload.SenderName)
	assert.Equal(t, "local-1", payload.ClientRef)
	assert.Equal(t, msg.ID, payload.ID)

	assert.Empty(t, alice.sent, "joined sender gets the echo through the room")
	assert.Empty(t, f.fanout.direct, "everyone is in the room")
}

func TestSubmitNotifiesParticipantsOutsideRoom(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.session(f.a)

	_, err := f.svc.Submit(ctx, alice, models.SendMessagePayload{ConversationID: f.conv.ID, Content: text("are you there?")})
	require.NoError(t, err)

	require.Len(t, alice.sent, 1)
	assert.Equal(t, models.EventNewMessage, alice.sent[0].Type)

	require.Len(t, f.fanout.direct, 2)
	for _, d := range f.fanout.direct {
		assert.Equal(t, models.EventConversationUpdated, d.env.Type)
		var p models.ConversationUpdatedPayload
		require.NoError(t, d.env.Decode(&p))
		assert.Equal(t, "are you there?", p.LastMessage.Preview)
	}
}

func TestSubmitFromNonParticipantIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	carol := f.session(f.c, f.conv.ID)

	_, err := f.svc.Submit(ctx, carol, models.SendMessagePayload{ConversationID: f.conv.ID, Content: text("let me in")})
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, CodeUnauthorized, ErrorCode(err))

	count, err := f.db.CountMessages(ctx, f.conv.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, f.fanout.room)
	assert.Empty(t, f.fanout.direct)
}

func TestSubmitRechecksMembership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.db.AddParticipant(ctx, f.conv.ID, models.Participant{UserID: f.c.ID, Role: f.c.Role}))
	carol := f.session(f.c, f.conv.ID)

	_, err := f.svc.Submit(ctx, carol, models.SendMessagePayload{ConversationID: f.conv.ID, Content: text("hello")})
	require.NoError(t, err)

	require.NoError(t, f.db.RemoveParticipant(ctx, f.conv.ID, f.c.ID))
	_, err = f.svc.Submit(ctx, carol, models.SendMessagePayload{ConversationID: f.conv.ID, Content: text("still here?")})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.session(f.a, f.conv.ID)

	tests := []struct {
		name    string
		payload models.SendMessagePayload
	}{
		{"missing conversation", models.SendMessagePayload{Content: text("hi")}},
		{"missing content", models.SendMessagePayload{ConversationID: f.conv.ID}},
		{"null content", models.SendMessagePayload{ConversationID: f.conv.ID, Content: json.RawMessage("null")}},
		{"blank text", models.SendMessagePayload{ConversationID: f.conv.ID, Type: models.TypeText, Content: text("   ")}},
		{"image without url", models.SendMessagePayload{ConversationID: f.conv.ID, Type: models.TypeImage, Content: json.RawMessage(`{"name":"x.png"}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, alice, tt.payload)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, CodeValidation, ErrorCode(err))
		})
	}
	assert.Empty(t, f.fanout.room)
}

func TestUnknownTypeFallsBackToText(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.session(f.a, f.conv.ID)

	msg, err := f.svc.Submit(ctx, alice, models.SendMessagePayload{
		ConversationID: f.conv.ID,
		Type:           "sticker",
		Content:        text("smiley"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.TypeText, msg.Type)
	assert.Equal(t, &models.TextContent{Text: "smiley"}, msg.Content)
}

func seriesCount(c prometheus.Collector) int {
	ch := make(chan prometheus.Metric, 1024)
	c.Collect(ch)
	close(ch)
	return len(ch)
}

func TestIngestMetricLabelsAreBounded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.session(f.a, f.conv.ID)

	assert.Equal(t, "image", typeLabel(nil, models.TypeImage))
	assert.Equal(t, "other", typeLabel(nil, "sticker"))
	assert.Equal(t, "text", typeLabel(&models.Message{Type: models.TypeText}, "sticker"))

	// Seed the two series the junk submissions below fall into.
	_, err := f.svc.Submit(ctx, alice, models.SendMessagePayload{ConversationID: f.conv.ID, Type: "seed", Content: text("x")})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, alice, models.SendMessagePayload{ConversationID: f.conv.ID, Type: "seed"})
	require.ErrorIs(t, err, ErrValidation)
	before := seriesCount(metrics.MessagesIngested)

	for i := 0; i < 20; i++ {
		junk := models.MessageType(fmt.Sprintf("junk-%d", i))
		_, err := f.svc.Submit(ctx, alice, models.SendMessagePayload{ConversationID: f.conv.ID, Type: junk, Content: text("hi")})
		require.NoError(t, err)
		_, err = f.svc.Submit(ctx, alice, models.SendMessagePayload{ConversationID: f.conv.ID, Type: junk})
		require.ErrorIs(t, err, ErrValidation)
	}
	assert.Equal(t, before, seriesCount(metrics.MessagesIngested))
}

func TestSubmitToInactiveConversationIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.session(f.a, f.conv.ID)
	require.NoError(t, f.db.SetConversationActive(ctx, f.conv.ID, false))

	_, err := f.svc.Submit(ctx, alice, models.SendMessagePayload{ConversationID: f.conv.ID, Content: text("hello?")})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.MarkRead(ctx, alice, models.MarkReadPayload{ConversationID: f.conv.ID, MessageIDs: []string{"m1"}})
	assert.ErrorIs(t, err, ErrUnauthorized)

	count, err := f.db.CountMessages(ctx, f.conv.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, f.fanout.room)
}

type failingStore struct {
	Store
}

func (failingStore) CreateMessage(context.Context, *models.Message) error {
	return errors.New("disk full")
}

func TestPersistenceFailureIsNotBroadcast(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := NewService(failingStore{Store: f.db}, directory.NewStore(f.db), f.fanout, zerolog.Nop())
	alice := f.session(f.a, f.conv.ID)

	_, err := svc.Submit(ctx, alice, models.SendMessagePayload{ConversationID: f.conv.ID, Content: text("hi")})
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, CodePersistence, ErrorCode(err))
	assert.Empty(t, f.fanout.room)
}

func TestBroadcastOrderMatchesCommitOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	other, err := f.db.CreateConversation(ctx, []models.Participant{
		{UserID: f.a.ID, Role: f.a.Role},
		{UserID: f.c.ID, Role: f.c.Role},
	}, models.DefaultConversationSettings())
	require.NoError(t, err)

	alice := f.session(f.a, f.conv.ID, other.ID)
	bob := f.session(f.b, f.conv.ID)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, target := range []struct {
			s    Session
			conv string
		}{{alice, f.conv.ID}, {bob, f.conv.ID}, {alice, other.ID}} {
			wg.Add(1)
			go func(s Session, conv string, i int) {
				defer wg.Done()
				_, err := f.svc.Submit(ctx, s, models.SendMessagePayload{ConversationID: conv, Content: text(fmt.Sprintf("m%d", i))})
				assert.NoError(t, err)
			}(target.s, target.conv, i)
		}
	}
	wg.Wait()

	for _, conv := range []string{f.conv.ID, other.ID} {
		stored, err := f.db.ListMessages(ctx, conv, 0, 100)
		require.NoError(t, err)

		var storedIDs []string
		for i := len(stored) - 1; i >= 0; i-- {
			storedIDs = append(storedIDs, stored[i].ID)
		}

		var broadcastIDs []string
		for _, d := range f.fanout.roomEvents(models.EventNewMessage) {
			if d.room != conv {
				continue
			}
			var p models.NewMessagePayload
			require.NoError(t, d.env.Decode(&p))
			broadcastIDs = append(broadcastIDs, p.ID)
		}
		assert.Equal(t, storedIDs, broadcastIDs)
	}
	assert.Zero(t, f.svc.serial.size())
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.session(f.a, f.conv.ID)
	bob := f.session(f.b, f.conv.ID)

	msg, err := f.svc.Submit(ctx, alice, models.SendMessagePayload{ConversationID: f.conv.ID, Content: text("hi")})
	require.NoError(t, err)

	added, err := f.svc.MarkRead(ctx, bob, models.MarkReadPayload{ConversationID: f.conv.ID, MessageIDs: []string{msg.ID}})
	require.NoError(t, err)
	assert.Equal(t, []string{msg.ID}, added)

	stored, err := f.db.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, stored.ReadBy, 1)
	assert.Equal(t, f.b.ID, stored.ReadBy[0].UserID)

	events := f.fanout.roomEvents(models.EventMessagesRead)
	require.Len(t, events, 1)
	assert.Equal(t, bob.ID(), events[0].except)

	added, err = f.svc.MarkRead(ctx, bob, models.MarkReadPayload{ConversationID: f.conv.ID, MessageIDs: []string{msg.ID}})
	require.NoError(t, err)
	assert.Empty(t, added)

	stored, err = f.db.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, stored.ReadBy, 1)
	assert.Len(t, f.fanout.roomEvents(models.EventMessagesRead), 1)
}

func TestMarkReadSkipsOwnMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.session(f.a, f.conv.ID)

	msg, err := f.svc.Submit(ctx, alice, models.SendMessagePayload{ConversationID: f.conv.ID, Content: text("hi")})
	require.NoError(t, err)

	added, err := f.svc.MarkRead(ctx, alice, models.MarkReadPayload{ConversationID: f.conv.ID, MessageIDs: []string{msg.ID}})
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Empty(t, f.fanout.roomEvents(models.EventMessagesRead))
}

func TestMarkReadRequiresParticipant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	carol := f.session(f.c)

	_, err := f.svc.MarkRead(ctx, carol, models.MarkReadPayload{ConversationID: f.conv.ID, MessageIDs: []string{"x"}})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.MarkReadFromTrustedContext(ctx, f.b.ID, models.MarkReadPayload{ConversationID: f.conv.ID})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTypingRelay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.session(f.a, f.conv.ID)
	outsider := f.session(f.c)

	f.svc.TypingStart(ctx, alice, f.conv.ID)
	f.svc.TypingStop(ctx, alice, f.conv.ID)
	f.svc.TypingStart(ctx, outsider, f.conv.ID)

	start := f.fanout.roomEvents(models.EventUserTyping)
	require.Len(t, start, 1)
	assert.Equal(t, alice.ID(), start[0].except)
	var p models.TypingPayload
	require.NoError(t, start[0].env.Decode(&p))
	assert.Equal(t, f.a.ID, p.UserID)
	assert.Equal(t, "alice display", p.DisplayName)

	assert.Len(t, f.fanout.roomEvents(models.EventUserStopTyping), 1)
}

func TestEditAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.session(f.a, f.conv.ID)

	msg, err := f.svc.Submit(ctx, alice, models.SendMessagePayload{ConversationID: f.conv.ID, Content: text("helo")})
	require.NoError(t, err)

	_, err = f.svc.EditMessage(ctx, f.b.ID, msg.ID, text("hijacked"))
	assert.ErrorIs(t, err, ErrForbidden)

	edited, err := f.svc.EditMessage(ctx, f.a.ID, msg.ID, text("hello"))
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)
	assert.Equal(t, &models.TextContent{Text: "hello"}, edited.Content)
	require.Len(t, edited.EditHistory, 1)
	assert.Len(t, f.fanout.roomEvents(models.EventMessageUpdated), 1)

	_, err = f.svc.DeleteMessage(ctx, f.b.ID, msg.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	deleted, err := f.svc.DeleteMessage(ctx, f.a.ID, msg.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	require.Len(t, f.fanout.roomEvents(models.EventMessageDeleted), 1)

	_, err = f.svc.DeleteMessage(ctx, f.a.ID, msg.ID)
	require.NoError(t, err)
	assert.Len(t, f.fanout.roomEvents(models.EventMessageDeleted), 1)

	_, err = f.svc.EditMessage(ctx, f.a.ID, msg.ID, text("again"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.EditMessage(ctx, f.a.ID, "missing", text("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIngestFromTrustedContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.session(f.b, f.conv.ID)

	msg, err := f.svc.IngestFromTrustedContext(ctx, f.conv.ID, f.a.ID, models.TypeSystem, text("Medication reminder"), &models.AIAnalysis{Sentiment: "neutral"})
	require.NoError(t, err)
	assert.Equal(t, models.TypeSystem, msg.Type)
	assert.Len(t, f.fanout.roomEvents(models.EventNewMessage), 1)

	_, err = f.svc.IngestFromTrustedContext(ctx, f.conv.ID, f.c.ID, models.TypeText, text("nope"), nil)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.IngestFromTrustedContext(ctx, "no-such-conversation", f.a.ID, models.TypeText, text("x"), nil)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
