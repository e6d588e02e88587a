package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tariel-x/invitechat/internal/models"
	"github.com/tariel-x/invitechat/internal/service"
	"github.com/tariel-x/invitechat/internal/storage"
)

func seedDB(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "chat.db")
	store, err := storage.Open(storage.Options{Type: storage.TypeSQLite, DSN: dsn}, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx, []string{"ADMIN123"}, time.Now()))
	for _, u := range []*models.User{
		{Nickname: "Alice", ExternalHandle: "@alice", Role: models.RoleAdmin, AvatarColor: "#3498db", CreatedAt: time.Now()},
		{Nickname: "Bob", ExternalHandle: "@bob", Role: models.RoleUser, AvatarColor: "#2ecc71", CreatedAt: time.Now()},
	} {
		require.NoError(t, store.CreateUser(ctx, u))
	}
	return dsn
}

func runCLI(t *testing.T, dsn string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs(append([]string{"--database.dsn", dsn, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func TestCodesCommands(t *testing.T) {
	dsn := seedDB(t)

	out, err := runCLI(t, dsn, "--admin-id", "1", "codes", "generate")
	require.NoError(t, err)
	code := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(code, service.CodePrefix), code)

	_, err = runCLI(t, dsn, "--admin-id", "1", "codes", "deactivate", code)
	require.NoError(t, err)

	out, err = runCLI(t, dsn, "--admin-id", "1", "codes", "list")
	require.NoError(t, err)
	var codes []service.CodeListing
	require.NoError(t, json.Unmarshal([]byte(out), &codes))
	require.Len(t, codes, 2)
	assert.Equal(t, code, codes[0].Code)
	assert.False(t, codes[0].IsActive)

	_, err = runCLI(t, dsn, "--admin-id", "2", "codes", "generate")
	assert.ErrorIs(t, err, service.ErrForbidden)
}

func TestUsersCommands(t *testing.T) {
	dsn := seedDB(t)

	out, err := runCLI(t, dsn, "--admin-id", "1", "users", "mute", "2", "--minutes", "15")
	require.NoError(t, err)
	assert.Contains(t, out, "mute applied to user 2")

	_, err = runCLI(t, dsn, "--admin-id", "1", "users", "ban", "2")
	require.NoError(t, err)

	out, err = runCLI(t, dsn, "--admin-id", "1", "users", "list")
	require.NoError(t, err)
	var users []service.UserListing
	require.NoError(t, json.Unmarshal([]byte(out), &users))
	require.Len(t, users, 2)
	for _, u := range users {
		if u.Nickname == "Bob" {
			assert.True(t, u.IsBanned)
			require.NotNil(t, u.MutedUntil)
			assert.WithinDuration(t, time.Now().Add(15*time.Minute), *u.MutedUntil, time.Minute)
		}
	}

	_, err = runCLI(t, dsn, "--admin-id", "1", "users", "promote", "2")
	require.NoError(t, err)
	_, err = runCLI(t, dsn, "--admin-id", "2", "users", "unban", "2")
	require.NoError(t, err, "a promoted user may moderate")

	_, err = runCLI(t, dsn, "--admin-id", "1", "users", "ban", "abc")
	assert.ErrorIs(t, err, service.ErrNotFound)
	_, err = runCLI(t, dsn, "--admin-id", "1", "users", "ban", "0")
	assert.Error(t, err)
	_, err = runCLI(t, dsn, "--admin-id", "1", "users", "ban", "99")
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestUsersCommandsByNickname(t *testing.T) {
	dsn := seedDB(t)

	out, err := runCLI(t, dsn, "--admin-id", "1", "users", "ban", "Bob")
	require.NoError(t, err)
	assert.Contains(t, out, "ban applied to user 2")

	_, err = runCLI(t, dsn, "--admin-id", "1", "users", "mute", "Bob", "--minutes", "0")
	assert.ErrorIs(t, err, service.ErrValidation)
}
