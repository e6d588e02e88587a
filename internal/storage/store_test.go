package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tariel-x/invitechat/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Options{Type: TypeSQLite, DSN: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background(), []string{"ADMIN123"}, time.Unix(1_700_000_000, 0)))
	return store
}

func newUser(nickname string, at time.Time) *models.User {
	return &models.User{
		Nickname:       nickname,
		ExternalHandle: "@" + nickname,
		Role:           models.RoleUser,
		AvatarColor:    models.AvatarPalette[0],
		CreatedAt:      at,
	}
}

func TestMigrateSeedsBootstrapCodeOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Migrate(ctx, []string{"ADMIN123"}, time.Unix(1_700_000_100, 0)))

	codes, err := store.ListCodes(ctx)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "ADMIN123", codes[0].Code)
	assert.Nil(t, codes[0].CreatedBy)
	assert.True(t, codes[0].Redeemable())
}

func TestRegisterWithCodeConsumesOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	code, err := store.CodeByValue(ctx, "ADMIN123")
	require.NoError(t, err)

	alice := newUser("alice", now)
	require.NoError(t, store.RegisterWithCode(ctx, code.ID, alice, now))
	assert.NotZero(t, alice.ID)

	bob := newUser("bob", now)
	err = store.RegisterWithCode(ctx, code.ID, bob, now)
	assert.ErrorIs(t, err, ErrCodeNotRedeemable)

	_, err = store.UserByNickname(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound, "rolled back user must not exist")

	consumed, err := store.CodeByID(ctx, code.ID)
	require.NoError(t, err)
	require.NotNil(t, consumed.UsedBy)
	assert.Equal(t, alice.ID, *consumed.UsedBy)
	require.NotNil(t, consumed.UsedAt)
}

func TestRegisterWithCodeConsumedBeatsDuplicateNickname(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	code, err := store.CodeByValue(ctx, "ADMIN123")
	require.NoError(t, err)
	bob := newUser("bob", now)
	require.NoError(t, store.RegisterWithCode(ctx, code.ID, bob, now))

	err = store.RegisterWithCode(ctx, code.ID, newUser("bob", now), now)
	assert.ErrorIs(t, err, ErrCodeNotRedeemable)

	consumed, err := store.CodeByID(ctx, code.ID)
	require.NoError(t, err)
	require.NotNil(t, consumed.UsedBy)
	assert.Equal(t, bob.ID, *consumed.UsedBy)
}

func TestRegisterWithCodeDuplicateNicknameKeepsCode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, store.CreateUser(ctx, newUser("alice", now)))

	code, err := store.CodeByValue(ctx, "ADMIN123")
	require.NoError(t, err)

	err = store.RegisterWithCode(ctx, code.ID, newUser("alice", now), now)
	assert.ErrorIs(t, err, ErrDuplicateNickname)

	code, err = store.CodeByID(ctx, code.ID)
	require.NoError(t, err)
	assert.True(t, code.Redeemable())
	assert.Nil(t, code.UsedAt)
}

func TestDeactivateCodeIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.DeactivateCode(ctx, "ADMIN123"))
	require.NoError(t, store.DeactivateCode(ctx, "ADMIN123"))
	require.NoError(t, store.DeactivateCode(ctx, "NO-SUCH-CODE"))

	code, err := store.CodeByValue(ctx, "ADMIN123")
	require.NoError(t, err)
	assert.False(t, code.IsActive)
}

func TestListCodesNewestFirstWithConsumer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	for i := 1; i <= 2; i++ {
		require.NoError(t, store.CreateCode(ctx, &models.InviteCode{
			Code:      fmt.Sprintf("CHAT-%08d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			IsActive:  true,
		}))
	}
	err := store.CreateCode(ctx, &models.InviteCode{Code: "CHAT-00000001", CreatedAt: base, IsActive: true})
	assert.ErrorIs(t, err, ErrDuplicateCode)

	code, err := store.CodeByValue(ctx, "CHAT-00000001")
	require.NoError(t, err)
	require.NoError(t, store.RegisterWithCode(ctx, code.ID, newUser("carol", base), base.Add(time.Hour)))

	codes, err := store.ListCodes(ctx)
	require.NoError(t, err)
	require.Len(t, codes, 3)
	assert.Equal(t, "CHAT-00000002", codes[0].Code)
	assert.Nil(t, codes[0].UsedByNickname)
	assert.Equal(t, "CHAT-00000001", codes[1].Code)
	require.NotNil(t, codes[1].UsedByNickname)
	assert.Equal(t, "carol", *codes[1].UsedByNickname)
	assert.Equal(t, "ADMIN123", codes[2].Code)
}

func TestRecentMessagesChronologicalAndBounded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	author := newUser("dave", base)
	require.NoError(t, store.CreateUser(ctx, author))

	for i := 0; i < 120; i++ {
		require.NoError(t, store.CreateMessage(ctx, &models.Message{
			UserID:    author.ID,
			Text:      fmt.Sprintf("m%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := store.RecentMessages(ctx, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 100)
	assert.Equal(t, "m20", msgs[0].Text)
	assert.Equal(t, "m119", msgs[99].Text)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].Timestamp.Before(msgs[i-1].Timestamp), "history out of order at %d", i)
	}
	require.NotNil(t, msgs[0].Author)
	assert.Equal(t, "dave", msgs[0].Author.Nickname)
}

func TestListUsersWithMessageCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	older := newUser("erin", base)
	newer := newUser("frank", base.Add(time.Hour))
	require.NoError(t, store.CreateUser(ctx, older))
	require.NoError(t, store.CreateUser(ctx, newer))
	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateMessage(ctx, &models.Message{UserID: older.ID, Text: "hi", Timestamp: base}))
	}

	users, err := store.ListUsersWithMessageCount(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "frank", users[0].Nickname)
	assert.Equal(t, int64(0), users[0].MessageCount)
	assert.Equal(t, "erin", users[1].Nickname)
	assert.Equal(t, int64(3), users[1].MessageCount)
}

func TestUpdateUserFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	u := newUser("gina", base)
	require.NoError(t, store.CreateUser(ctx, u))

	until := base.Add(5 * time.Minute)
	require.NoError(t, store.UpdateUserFields(ctx, u.ID, map[string]any{"is_banned": true, "muted_until": until}))

	got, err := store.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.IsBanned)
	require.NotNil(t, got.MutedUntil)
	assert.True(t, got.MutedUntil.Equal(until))

	require.NoError(t, store.UpdateUserFields(ctx, u.ID, map[string]any{"muted_until": nil}))
	got, err = store.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, got.MutedUntil)

	assert.ErrorIs(t, store.UpdateUserFields(ctx, 9999, map[string]any{"is_banned": true}), ErrNotFound)
}

func TestCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	u := newUser("hank", base)
	require.NoError(t, store.CreateUser(ctx, u))
	require.NoError(t, store.CreateMessage(ctx, &models.Message{UserID: u.ID, Text: "x", Timestamp: base}))

	c, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Users: 1, ActiveCodes: 1, Messages: 1}, c)
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Ping(ctx), ErrUnavailable)
}
