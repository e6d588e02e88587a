package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tariel-x/invitechat/internal/models"
	"github.com/tariel-x/invitechat/internal/service"
	"github.com/tariel-x/invitechat/internal/storage"
)

type hubFixture struct {
	store *storage.Store
	mod   *service.Moderation
	hub   *Hub
	now   time.Time
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	store, err := storage.Open(storage.Options{Type: storage.TypeSQLite, DSN: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &hubFixture{store: store, now: time.Unix(1_700_000_000, 0)}
	require.NoError(t, store.Migrate(context.Background(), nil, f.now))

	clock := func() time.Time { return f.now }
	f.mod = service.NewModeration(store, nil, zerolog.Nop()).WithClock(clock)
	f.hub = NewHub(store, f.mod, zerolog.Nop())
	f.hub.nowFn = clock
	f.mod.SetBroadcaster(f.hub)
	return f
}

func (f *hubFixture) user(t *testing.T, nickname string, role models.Role) *models.User {
	t.Helper()
	u := &models.User{
		Nickname:       nickname,
		ExternalHandle: "@" + nickname,
		Role:           role,
		AvatarColor:    "#9b59b6",
		CreatedAt:      f.now,
	}
	require.NoError(t, f.store.CreateUser(context.Background(), u))
	return u
}

func drain(s *Session) []Envelope {
	var out []Envelope
	for {
		select {
		case raw, ok := <-s.Outbound():
			if !ok {
				return out
			}
			var env Envelope
			if err := json.Unmarshal(raw, &env); err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

func ofType(envs []Envelope, eventType string) []Envelope {
	var out []Envelope
	for _, e := range envs {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func TestSendMessageBroadcastsToEverySession(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", models.RoleUser)

	sender := f.hub.Connect(alice.ID, nil)
	other := f.hub.Connect(0, nil)

	f.hub.SendMessage(ctx, sender.ID(), alice.ID, "  hello there  ")

	for _, s := range []*Session{sender, other} {
		got := ofType(drain(s), EventNewMessage)
		require.Len(t, got, 1)
		var msg ChatMessage
		require.NoError(t, json.Unmarshal(got[0].Data, &msg))
		assert.Equal(t, "hello there", msg.Text)
		assert.Equal(t, alice.ID, msg.User.ID)
		assert.Equal(t, "alice", msg.User.Nickname)
		assert.Equal(t, "@alice", msg.User.ExternalHandle)
		assert.Equal(t, "#9b59b6", msg.User.AvatarColor)
		assert.Equal(t, models.RoleUser, msg.User.Role)
		assert.NotZero(t, msg.ID)
		assert.True(t, msg.Timestamp.Equal(f.now))
	}
}

func TestWhitespaceMessageIsIgnored(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", models.RoleUser)
	s := f.hub.Connect(alice.ID, nil)

	f.hub.SendMessage(ctx, s.ID(), alice.ID, "   \t ")

	assert.Empty(t, drain(s))
	assert.Empty(t, f.hub.History(ctx))
}

func TestBannedSenderGetsErrorOnly(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	admin := f.user(t, "root", models.RoleAdmin)
	bob := f.user(t, "bob", models.RoleUser)

	sender := f.hub.Connect(bob.ID, nil)
	other := f.hub.Connect(admin.ID, nil)

	require.NoError(t, f.mod.ApplyAction(ctx, admin.ID, bob.ID, service.ActionBan, service.ActionParams{}))
	drain(sender)
	drain(other)

	f.hub.SendMessage(ctx, sender.ID(), bob.ID, "let me in")

	errs := ofType(drain(sender), EventSendError)
	require.Len(t, errs, 1)
	var data sendErrorData
	require.NoError(t, json.Unmarshal(errs[0].Data, &data))
	assert.Equal(t, service.ReasonBanned, data.Reason)
	assert.Equal(t, "You are banned", data.Message)

	assert.Empty(t, drain(other))
	assert.Empty(t, f.hub.History(ctx))
}

func TestMutedSenderScenario(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	admin := f.user(t, "root", models.RoleAdmin)
	u := f.user(t, "ursula", models.RoleUser)
	s := f.hub.Connect(u.ID, nil)
	mutedAt := f.now

	require.NoError(t, f.mod.ApplyAction(ctx, admin.ID, u.ID, service.ActionMute, service.MuteFor(5)))
	drain(s)

	f.now = mutedAt.Add(time.Minute)
	f.hub.SendMessage(ctx, s.ID(), u.ID, "anyone?")
	errs := ofType(drain(s), EventSendError)
	require.Len(t, errs, 1)
	var data sendErrorData
	require.NoError(t, json.Unmarshal(errs[0].Data, &data))
	assert.Equal(t, service.ReasonMuted, data.Reason)
	assert.Contains(t, data.Message, "4")

	f.now = mutedAt.Add(6 * time.Minute)
	f.hub.SendMessage(ctx, s.ID(), u.ID, "back")
	assert.Len(t, ofType(drain(s), EventNewMessage), 1)
}

func TestHistoryBoundedAndChronological(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", models.RoleUser)
	s := f.hub.Connect(alice.ID, nil)

	base := f.now
	for i := 0; i < 130; i++ {
		f.now = base.Add(time.Duration(i) * time.Second)
		f.hub.SendMessage(ctx, s.ID(), alice.ID, fmt.Sprintf("msg %d", i))
		drain(s)
	}

	history := f.hub.History(ctx)
	require.Len(t, history, HistoryLimit)
	assert.Equal(t, "msg 30", history[0].Text)
	assert.Equal(t, "msg 129", history[len(history)-1].Text)
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i].Timestamp.After(history[i-1].Timestamp))
	}

	other := f.hub.Connect(0, nil)
	f.hub.SendHistory(ctx, other.ID())
	got := ofType(drain(other), EventMessageHistory)
	require.Len(t, got, 1)
	var delivered []ChatMessage
	require.NoError(t, json.Unmarshal(got[0].Data, &delivered))
	assert.Len(t, delivered, HistoryLimit)
	assert.Empty(t, drain(s), "history goes to the requester only")
}

func TestPresenceLifecycle(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", models.RoleUser)
	bob := f.user(t, "bob", models.RoleAdmin)

	sa := f.hub.Connect(alice.ID, nil)
	sb := f.hub.Connect(bob.ID, nil)

	require.NoError(t, f.hub.Announce(ctx, sa.ID(), Presence{}))
	require.NoError(t, f.hub.Announce(ctx, sb.ID(), Presence{}))
	require.NoError(t, f.hub.Announce(ctx, sb.ID(), Presence{}))

	online := f.hub.Online()
	require.Len(t, online, 2)
	assert.Equal(t, "alice", online[0].Nickname)
	assert.Equal(t, "bob", online[1].Nickname)
	assert.Equal(t, models.RoleAdmin, online[1].Role)

	updates := ofType(drain(sa), EventPresenceUpdate)
	require.Len(t, updates, 3)
	var last presenceData
	require.NoError(t, json.Unmarshal(updates[2].Data, &last))
	assert.Len(t, last.Users, 2)

	f.hub.Leave(sb.ID())
	assert.Len(t, f.hub.Online(), 1)

	f.hub.Disconnect(sa.ID())
	assert.Empty(t, f.hub.Online())
	drain(sa)
	_, open := <-sa.Outbound()
	assert.False(t, open, "disconnect closes the outbound queue")

	updates = ofType(drain(sb), EventPresenceUpdate)
	require.NotEmpty(t, updates)
	require.NoError(t, json.Unmarshal(updates[len(updates)-1].Data, &last))
	assert.Empty(t, last.Users)

	assert.ErrorIs(t, f.hub.Announce(ctx, sa.ID(), Presence{}), ErrUnknownSession)
	f.hub.Disconnect(sa.ID())
}

func TestAnnounceIgnoresClaimsOnAuthenticatedSession(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", models.RoleUser)

	verified := f.hub.Connect(alice.ID, nil)
	require.NoError(t, f.hub.Announce(ctx, verified.ID(), Presence{UserID: 99, Nickname: "mallory", Role: models.RoleSuperAdmin}))

	claimed := f.hub.Connect(0, nil)
	require.NoError(t, f.hub.Announce(ctx, claimed.ID(), Presence{UserID: 7, Nickname: "legacy", Role: models.RoleUser}))

	online := f.hub.Online()
	require.Len(t, online, 2)
	assert.Equal(t, Presence{UserID: alice.ID, Nickname: "alice", AvatarColor: "#9b59b6", Role: models.RoleUser}, online[0])
	assert.Equal(t, "legacy", online[1].Nickname)
}

func TestModerationEventReachesAllSessions(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	admin := f.user(t, "root", models.RoleAdmin)
	bob := f.user(t, "bob", models.RoleUser)

	sessions := []*Session{f.hub.Connect(admin.ID, nil), f.hub.Connect(bob.ID, nil), f.hub.Connect(0, nil)}

	require.NoError(t, f.mod.ApplyAction(ctx, admin.ID, bob.ID, service.ActionBan, service.ActionParams{}))

	for _, s := range sessions {
		got := ofType(drain(s), EventModeration)
		require.Len(t, got, 1)
		var data map[string]any
		require.NoError(t, json.Unmarshal(got[0].Data, &data))
		assert.Equal(t, "admin_action", data["kind"])
		assert.Equal(t, "ban", data["action"])
		assert.EqualValues(t, bob.ID, data["target_user_id"])
		assert.NotEmpty(t, data["timestamp"])
	}

	err := f.mod.ApplyAction(ctx, bob.ID, admin.ID, service.ActionBan, service.ActionParams{})
	assert.ErrorIs(t, err, service.ErrForbidden)
	for _, s := range sessions {
		assert.Empty(t, drain(s), "forbidden action must not broadcast")
	}
}

type allowAll struct{}

func (allowAll) CheckSendEligibility(context.Context, uint) service.Eligibility {
	return service.Eligibility{CanSend: true}
}

type vanishingAuthorStore struct {
	*storage.Store
}

func (vanishingAuthorStore) UserByID(context.Context, uint) (*models.User, error) {
	return nil, storage.ErrNotFound
}

func TestMissingProfileDropsBroadcast(t *testing.T) {
	f := newHubFixture(t)
	ctx := context.Background()
	hub := NewHub(vanishingAuthorStore{f.store}, allowAll{}, zerolog.Nop())
	s := hub.Connect(0, nil)

	hub.SendMessage(ctx, s.ID(), 42, "ghost")

	assert.Empty(t, drain(s))
	stored, err := f.store.RecentMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "ghost", stored[0].Text)
}

type brokenHistoryStore struct {
	*storage.Store
}

func (brokenHistoryStore) RecentMessages(context.Context, int) ([]storage.MessageWithAuthor, error) {
	return nil, errors.New("disk on fire")
}

func TestHistoryDegradesToEmpty(t *testing.T) {
	f := newHubFixture(t)
	hub := NewHub(brokenHistoryStore{f.store}, allowAll{}, zerolog.Nop())

	history := hub.History(context.Background())
	assert.NotNil(t, history)
	assert.Empty(t, history)
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	f := newHubFixture(t)
	var evicted atomic.Int32
	s := f.hub.Connect(0, func() { evicted.Add(1) })

	for i := 0; i < sendBuffer; i++ {
		f.hub.BroadcastModerationEvent(service.ModerationEvent{Action: service.ActionUnmute})
	}
	assert.Zero(t, evicted.Load())

	f.hub.BroadcastModerationEvent(service.ModerationEvent{Action: service.ActionUnmute})
	assert.Equal(t, int32(1), evicted.Load())
	assert.Len(t, drain(s), sendBuffer)
}
