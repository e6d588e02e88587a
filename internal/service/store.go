package service

import (
	"context"
	"time"

	"github.com/tariel-x/invitechat/internal/models"
	"github.com/tariel-x/invitechat/internal/storage"
)

// Store is the subset of the persistence layer used by the services.
type Store interface {
	UserByID(ctx context.Context, id uint) (*models.User, error)
	UpdateUserFields(ctx context.Context, id uint, fields map[string]any) error
	ListUsersWithMessageCount(ctx context.Context) ([]storage.UserWithCount, error)

	CodeByValue(ctx context.Context, code string) (*models.InviteCode, error)
	CodeByID(ctx context.Context, id uint) (*models.InviteCode, error)
	CreateCode(ctx context.Context, code *models.InviteCode) error
	DeactivateCode(ctx context.Context, code string) error
	ListCodes(ctx context.Context) ([]storage.CodeWithConsumer, error)
	RegisterWithCode(ctx context.Context, codeID uint, user *models.User, now time.Time) error
}

// Authorizer answers whether a user may perform privileged operations.
type Authorizer interface {
	IsAdmin(ctx context.Context, userID uint) bool
}
